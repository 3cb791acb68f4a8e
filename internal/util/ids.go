// Package util provides identifier and environment helpers for PersonaPipe.
package util

import "github.com/google/uuid"

// NewID returns prefix followed by a random UUID, e.g. "ord_" + uuid.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// NewSessionID returns an id for one chat session.
func NewSessionID() string {
	return NewID("s_")
}
