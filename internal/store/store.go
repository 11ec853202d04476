package store

import (
	"context"
	"errors"
)

var (
	// ErrDuplicate is returned when a segment with the same idempotency key
	// was already durably written.
	ErrDuplicate = errors.New("segment already written")
	// ErrUnavailable is returned when the underlying store cannot be reached.
	ErrUnavailable = errors.New("transcript store unavailable")
)

// Segment is one ordered, durable unit of transcript.
type Segment struct {
	SessionID      string  `json:"session_id"`
	Sequence       int64   `json:"sequence"`
	StartMs        int64   `json:"start_ms"`
	EndMs          int64   `json:"end_ms"`
	Text           string  `json:"text"`
	Speaker        string  `json:"speaker,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Failed         bool    `json:"failed,omitempty"` // gap marker
	IdempotencyKey string  `json:"idempotency_key"`
}

// TranscriptStore is the durable transcript contract. Append must be
// idempotent on the segment's idempotency key, reporting ErrDuplicate on a
// repeat. ReadFrom serves the (out-of-pipeline) transcript read APIs.
type TranscriptStore interface {
	Append(ctx context.Context, seg Segment) error
	ReadFrom(ctx context.Context, sessionID string, afterSequence int64) ([]Segment, error)
}
