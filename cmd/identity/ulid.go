package identity

import (
	"time"

	"vdid/cmd/identity/ids"
)

// NewULID returns a new ULID (26-char string) for internal row ids.
func NewULID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
