package pipeline

import "errors"

var (
	// ErrValidation rejects a malformed chunk. Never retried by us.
	ErrValidation = errors.New("malformed chunk")
	// ErrSessionNotFound rejects chunks for absent, finalizing or terminal sessions.
	ErrSessionNotFound = errors.New("session not found or no longer accepting chunks")
	// ErrDuplicateChunk rejects idempotent re-delivery of an already consumed sequence.
	ErrDuplicateChunk = errors.New("chunk sequence already consumed")
	// ErrSessionExpired rejects chunks after the inactivity timeout; the
	// session is moved toward finalization rather than buffering forever.
	ErrSessionExpired = errors.New("session expired due to inactivity")
	// ErrSequenceGap rejects chunks too far ahead of the expected sequence
	// for the reorder buffer to hold.
	ErrSequenceGap = errors.New("sequence gap exceeds reorder buffer")
)
