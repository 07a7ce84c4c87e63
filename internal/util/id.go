package util

import "github.com/google/uuid"

// NewID returns a random UUID string, matching the uuid primary keys in the
// database schema.
func NewID() string {
	return uuid.NewString()
}
