// Package blob stores uploaded file bytes and resolves them to downloadable URLs.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store puts objects and resolves their public URLs.
type Store interface {
	// PutObject stores data and returns an opaque storage reference.
	PutObject(ctx context.Context, pathHint string, data []byte, contentType string) (string, error)
	// PublicURL resolves a reference returned by PutObject.
	PublicURL(ref string) string
}

// ObjectKey builds a collision-free key under the session prefix, keeping the
// original base name for readability.
func ObjectKey(sessionID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return fmt.Sprintf("sessions/%s/%s-%s", sessionID, uuid.NewString(), name)
}
