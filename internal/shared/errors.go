package shared

import "errors"

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique-constraint violation on create.
	ErrConflict = errors.New("conflict")
	// ErrUnauthenticated indicates identity could not be determined.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the caller lacks the required grant.
	ErrForbidden = errors.New("forbidden")
	// ErrInternal indicates a storage or driver failure.
	ErrInternal = errors.New("internal error")
)
