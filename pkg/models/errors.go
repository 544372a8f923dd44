package models

import "errors"

// Error taxonomy for the session subsystem. Every error here is recoverable:
// callers report the failure and leave state as it was. Nothing in this
// package is fatal to the process.
var (
	// ErrInvalidName: display name failed validation (length, markup characters).
	ErrInvalidName = errors.New("invalid display name")

	// ErrDuplicateName: display name collides case-insensitively with another session.
	ErrDuplicateName = errors.New("display name already in use")

	// ErrTierForbidden: the operation is gated behind a higher tier.
	ErrTierForbidden = errors.New("not available on this tier")

	// ErrStoreUnavailable: the durable tier rejected a write. The triggering
	// operation did not advance in-memory state.
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// ErrSessionNotFound: no session with the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrContextNotFound: no live execution context with the given id.
	ErrContextNotFound = errors.New("context not found")

	// ErrAlreadyActive: reopen requested for a session that has live contexts.
	ErrAlreadyActive = errors.New("session already active")

	// ErrHostQuery: the host failed to list live contexts. Retried during
	// reconciliation, never surfaced to users.
	ErrHostQuery = errors.New("host context query failed")
)
