package room

import "errors"

var (
	// ErrNotFound covers rooms that were never created and rooms past their
	// expiry; callers cannot tell the two apart.
	ErrNotFound = errors.New("room not found")
	// ErrExists reports a create against an already-active hash. A 64-bit
	// hash collision and a duplicate-create race look identical here; the
	// caller re-rolls its sequence.
	ErrExists = errors.New("room already exists")
	// ErrInvalidMode reports an unknown room mode on create.
	ErrInvalidMode = errors.New("invalid room mode")
)
