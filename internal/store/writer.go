package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrOrderViolation means a segment arrived with a start offset earlier than
// one already written for its session. The single-writer-per-session
// discipline upstream makes this impossible unless an invariant broke, so it
// is fatal to the session and never retried.
var ErrOrderViolation = errors.New("out-of-order segment write")

// Writer appends segments to the transcript store, absorbing idempotent
// re-deliveries and enforcing the non-decreasing start-offset invariant.
type Writer struct {
	store  TranscriptStore
	logger *slog.Logger

	mu        sync.Mutex
	lastStart map[string]int64
}

func NewWriter(store TranscriptStore, logger *slog.Logger) *Writer {
	return &Writer{
		store:     store,
		logger:    logger.With(slog.String("component", "writer")),
		lastStart: make(map[string]int64),
	}
}

// Append writes one segment. A duplicate idempotency key is a no-op success.
func (w *Writer) Append(ctx context.Context, seg Segment) error {
	w.mu.Lock()
	if last, ok := w.lastStart[seg.SessionID]; ok && seg.StartMs < last {
		w.mu.Unlock()
		w.logger.Error("segment ordering invariant broken",
			slog.String("session_id", seg.SessionID),
			slog.Int64("segment_start_ms", seg.StartMs),
			slog.Int64("last_start_ms", last),
		)
		return fmt.Errorf("%w: session %s start %dms after %dms",
			ErrOrderViolation, seg.SessionID, seg.StartMs, last)
	}
	w.mu.Unlock()

	if err := w.store.Append(ctx, seg); err != nil {
		if errors.Is(err, ErrDuplicate) {
			w.logger.Debug("duplicate segment write absorbed",
				slog.String("session_id", seg.SessionID),
				slog.String("idempotency_key", seg.IdempotencyKey),
			)
			return nil
		}
		return err
	}

	w.mu.Lock()
	if seg.StartMs > w.lastStart[seg.SessionID] {
		w.lastStart[seg.SessionID] = seg.StartMs
	}
	w.mu.Unlock()
	return nil
}

// Forget drops the order-tracking entry for a finalized session.
func (w *Writer) Forget(sessionID string) {
	w.mu.Lock()
	delete(w.lastStart, sessionID)
	w.mu.Unlock()
}
