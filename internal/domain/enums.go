// Package domain defines the core domain models for live billable sessions.
package domain

// Role identifies which side of a session a participant is on.
type Role string

const (
	RoleProvider Role = "provider"
	RoleCustomer Role = "customer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleCustomer
}

// ControlKind represents the kind of a session control event.
type ControlKind string

const (
	ControlPause             ControlKind = "pause"
	ControlResume            ControlKind = "resume"
	ControlRateChanged       ControlKind = "rate_changed"
	ControlMultiplierChanged ControlKind = "multiplier_changed"
	ControlSessionEnded      ControlKind = "session_ended"
)

// Valid reports whether k is a known control kind.
func (k ControlKind) Valid() bool {
	switch k {
	case ControlPause, ControlResume, ControlRateChanged, ControlMultiplierChanged, ControlSessionEnded:
		return true
	}
	return false
}

// Resource names a per-session change feed.
type Resource string

const (
	ResourceMessages Resource = "messages"
	ResourceFiles    Resource = "files"
	ResourceControl  Resource = "control"
)

// Content event kinds carried on the messages and files channels.
const (
	KindMessageCreated = "message_created"
	KindFileCreated    = "file_created"
)
