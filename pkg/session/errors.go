package session

import "errors"

var (
	// ErrSessionLimitExceeded is returned by Open when the user already
	// has SimultaneousUse active sessions.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// ErrStaleUpdate is returned when an update carries an older
	// timestamp or lower counters than the tracked session, or arrives
	// after the session terminated. Callers absorb it.
	ErrStaleUpdate = errors.New("stale session update")

	// ErrInvalidTransition is returned for transitions the state
	// machine forbids, such as re-opening an active key or closing a
	// terminal session with a conflicting cause.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrNotFound is returned when no session matches the key.
	ErrNotFound = errors.New("session not found")

	// ErrUnknownFilter is returned by ParseFilter for unrecognized
	// filter keys.
	ErrUnknownFilter = errors.New("unknown filter key")
)
