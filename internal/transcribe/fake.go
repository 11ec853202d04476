package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBackend is a deterministic collaborator for tests and local development
// when no transcription service is configured. By default it returns a single
// segment covering the requested window; FailWhen injects faults and Gate
// holds calls open so admission behavior can be observed.
type FakeBackend struct {
	// Delay is waited before answering, honoring context cancellation.
	Delay time.Duration
	// Gate, when non-nil, must be fed one value per call before it returns.
	Gate chan struct{}
	// FailWhen, when non-nil, is consulted first; a non-nil error fails the call.
	FailWhen func(req Request) error
	// SegmentsFor, when non-nil, overrides the default single-segment answer.
	SegmentsFor func(req Request) []RawSegment

	mu    sync.Mutex
	calls []Request
}

func (b *FakeBackend) Transcribe(ctx context.Context, req Request) ([]RawSegment, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.FailWhen != nil {
		if err := b.FailWhen(req); err != nil {
			return nil, err
		}
	}
	if b.SegmentsFor != nil {
		return b.SegmentsFor(req), nil
	}
	return []RawSegment{{
		Text:       fmt.Sprintf("transcript %d-%dms", req.StartMs, req.EndMs),
		StartMs:    req.StartMs,
		EndMs:      req.EndMs,
		Confidence: 0.9,
	}}, nil
}

// Calls returns the number of Transcribe invocations so far.
func (b *FakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// CallLog returns a copy of every request seen.
func (b *FakeBackend) CallLog() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.calls))
	copy(out, b.calls)
	return out
}
