package session

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// IDLength is the width of a rendered session identifier in hex digits.
const IDLength = 32

// NewID mints a fresh random session identifier: the 16 bytes of a
// version 4 UUID rendered as 32 lowercase hex digits.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// ValidateID checks that id has the fixed-width lowercase hex form NewID
// produces. Anything else could escape the base directory.
func ValidateID(id string) error {
	if len(id) != IDLength {
		return fmt.Errorf("%w: %q has %d characters, want %d", ErrInvalidID, id, len(id), IDLength)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, c)
		}
	}
	return nil
}

// ServerPath returns the server endpoint path of session id.
func ServerPath(baseDir, id string) string {
	return filepath.Join(baseDir, "server-"+id)
}

// ClientPath returns the client endpoint path of session id.
func ClientPath(baseDir, id string) string {
	return filepath.Join(baseDir, "client-"+id)
}
