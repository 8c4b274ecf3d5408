package nas

import "errors"

var (
	// ErrUntrustedClient is returned when an event originates from an
	// unknown or deactivated NAS address.
	ErrUntrustedClient = errors.New("untrusted NAS client")

	// ErrDuplicateClient is returned when registering a client whose
	// shortname is already taken by an active client.
	ErrDuplicateClient = errors.New("duplicate NAS client")

	// ErrNotFound is returned when a client cannot be found by id.
	ErrNotFound = errors.New("NAS client not found")
)
