package billsync

import "errors"

var (
	// ErrNotFound is returned when no subscription record matches and none can be created
	ErrNotFound = errors.New("subscription not found")

	// ErrConflict is returned when an update would move a record backwards
	// (period end regression or illegal status transition)
	ErrConflict = errors.New("subscription update conflict")

	// ErrOutOfOrder marks an update whose sequence is not newer than the stored one
	ErrOutOfOrder = errors.New("update out of order")

	// ErrVersionConflict is returned by stores when the expected version no longer matches
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrAlreadyExists is returned when creating a record whose key is taken
	ErrAlreadyExists = errors.New("subscription already exists")

	// ErrAuthenticationRequired is returned when a direct call carries no user identity
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrInvalidUpdate is returned for structurally invalid updates
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
