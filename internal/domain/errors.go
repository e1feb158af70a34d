package domain

import "errors"

// Sentinel errors for sync and storage operations
var (
	// ErrUnavailable indicates the remote store could not be reached.
	// Always recoverable: writes are queued, reads fall back to cache.
	ErrUnavailable = errors.New("remote store is unavailable")

	// ErrNotFound indicates the target document does not exist remotely
	ErrNotFound = errors.New("document not found")

	// ErrConflict indicates a compare-and-set write kept losing to concurrent
	// writers. Retryable.
	ErrConflict = errors.New("document write conflict")

	// ErrRetryExhausted indicates a queued mutation failed past the retry ceiling
	ErrRetryExhausted = errors.New("sync retries exhausted")

	// ErrInvalidRef indicates a collection or document id is missing or malformed
	ErrInvalidRef = errors.New("invalid document reference")

	// ErrAlreadyStarted indicates Start was called more than once
	ErrAlreadyStarted = errors.New("sync manager already started")

	// ErrClosed indicates the manager has been torn down
	ErrClosed = errors.New("sync manager is closed")

	// ErrInvalidProfile indicates profile or link input failed validation
	ErrInvalidProfile = errors.New("invalid profile data")

	// ErrProfileNotPublic indicates a share was requested for a private profile
	ErrProfileNotPublic = errors.New("profile is not public")

	// ErrUsernameTaken indicates another profile already owns the username
	ErrUsernameTaken = errors.New("username is already taken")
)
