package util

import "github.com/google/uuid"

// NewID returns a random UUID string used for request and job ids.
func NewID() string {
	return uuid.NewString()
}
