package models

import "github.com/google/uuid"

// NewID returns a fresh opaque identifier for any entity in the data model.
// All identifiers are UUIDv4; callers never parse structure out of an ID.
func NewID() string {
	return uuid.New().String()
}
