package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewPuzzleID generates a new puzzle ID.
func NewPuzzleID() string {
	return uuid.NewString()
}

// NewRangeID generates a new range assignment ID.
func NewRangeID() string {
	return uuid.NewString()
}

// NewClientID generates a new client ID.
func NewClientID() string {
	return uuid.NewString()
}

// NewEventID generates a new key-find event ID.
func NewEventID() string {
	return uuid.NewString()
}

// NewAPIKey returns a fresh random client credential: a v4 UUID without
// separators.
func NewAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
