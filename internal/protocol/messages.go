// Package protocol defines the change-feed WebSocket protocol between clients and the server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/livesession/internal/domain"
)

// Message types from client to server
const (
	TypeSubscribe = "subscribe"
)

// Message types from server to client
const (
	TypeSubscribed = "subscribed"
	TypeEvent      = "event"
	TypeError      = "error"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
	Channel string `json:"channel,omitempty"`
}

// SubscribeMessage binds a connection to one channel.
type SubscribeMessage struct {
	BaseMessage
}

// SubscribedMessage acknowledges a subscription.
type SubscribedMessage struct {
	BaseMessage
}

// EventMessage carries one change notification. EventID is the deduplication identity.
type EventMessage struct {
	BaseMessage
	EventID string          `json:"event_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorMessage is sent by the server when a frame is rejected.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeInvalidChannel = "invalid_channel"
	ErrorCodeAlreadyBound   = "already_subscribed"
)

// ChannelKey returns the channel name for a session resource.
func ChannelKey(sessionID string, resource domain.Resource) string {
	return "session/" + sessionID + "/" + string(resource)
}

// ParseChannel splits a channel key into its session id and resource.
func ParseChannel(key string) (string, domain.Resource, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != "session" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed channel %q", key)
	}
	res := domain.Resource(parts[2])
	switch res {
	case domain.ResourceMessages, domain.ResourceFiles, domain.ResourceControl:
		return parts[1], res, nil
	}
	return "", "", fmt.Errorf("unknown resource in channel %q", key)
}
