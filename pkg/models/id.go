package models

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. v7 IDs embed a millisecond timestamp, so
// lexicographic order matches creation order across processes.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// rand failure only; fall back to v4 rather than aborting the caller
		return uuid.New().String()
	}
	return id.String()
}
