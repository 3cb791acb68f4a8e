package store

import (
	"errors"
	"fmt"
)

// Error variables for better error handling and testability
var (
	// ErrNotFound means no record in a keyed store matches the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrStoreNotProvisioned means a store that must be seeded out-of-band has
	// no document yet.
	ErrStoreNotProvisioned = errors.New("store not provisioned")
	// ErrCorruptCollection means a document exists but cannot be decoded into
	// the declared shape.
	ErrCorruptCollection = errors.New("corrupt collection")
	ErrUnknownStore      = errors.New("unknown store")
	ErrNotKeyed          = errors.New("store has no key field")
	ErrMissingKey        = errors.New("record has no key")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrKeyChanged        = errors.New("mutation changed the record key")
	// ErrWriteConflict means other writers kept changing a collection until
	// a mutation gave up replaying.
	ErrWriteConflict = errors.New("collection changed concurrently")
)

// CorruptCollectionError describes a document that exists but is malformed.
type CorruptCollectionError struct {
	StoreID  string
	Location string // file path or table row
	Reason   string
	Cause    error
}

func (e *CorruptCollectionError) Error() string {
	msg := fmt.Sprintf("corrupt collection %s at %s: %s", e.StoreID, e.Location, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CorruptCollectionError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrCorruptCollection) match.
func (e *CorruptCollectionError) Is(target error) bool {
	return target == ErrCorruptCollection
}
