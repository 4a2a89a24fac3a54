package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidLockType is returned when a lock names a type unknown to the registry.
	ErrInvalidLockType = errors.New("invalid lock type")
	// ErrInvalidLock is returned for locks with empty or illegal fields.
	ErrInvalidLock = errors.New("invalid lock")
	// ErrInvalidTTL is returned when a TTL cannot be applied to a key.
	ErrInvalidTTL = errors.New("invalid ttl")
	// ErrMalformedKey is returned when a stored key cannot be decoded into a lock.
	ErrMalformedKey = errors.New("malformed lock key")
	// ErrInvalidOption is returned by constructors given out of range settings.
	ErrInvalidOption = errors.New("invalid option")
	// ErrNotAcquired is returned by blocking acquisition when it gives up.
	ErrNotAcquired = errors.New("lock not acquired")
)
