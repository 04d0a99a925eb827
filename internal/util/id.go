package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string. Transcript IDs double as audio file
// stems, so the alphabet must stay filesystem safe.
func NewID() string {
	return uuid.NewString()
}
