package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testWriter() (*Writer, *MemoryStore) {
	mem := NewMemoryStore()
	return NewWriter(mem, slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func segment(sessionID string, seq, startMs, endMs int64) Segment {
	return Segment{
		SessionID:      sessionID,
		Sequence:       seq,
		StartMs:        startMs,
		EndMs:          endMs,
		Text:           "hello",
		Speaker:        "Speaker 1",
		IdempotencyKey: sessionID + ":" + string(rune('0'+seq)),
	}
}

func TestAppendOrdered(t *testing.T) {
	w, mem := testWriter()
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		if err := w.Append(ctx, segment("s1", i, i*1000, (i+1)*1000)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := mem.ReadFrom(ctx, "s1", -1)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("stored %d segments, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartMs < got[i-1].StartMs {
			t.Fatalf("segments out of order: %d before %d", got[i].StartMs, got[i-1].StartMs)
		}
	}
}

func TestDuplicateKeyIsNoOp(t *testing.T) {
	w, mem := testWriter()
	ctx := context.Background()

	seg := segment("s1", 0, 0, 1000)
	if err := w.Append(ctx, seg); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := w.Append(ctx, seg); err != nil {
		t.Fatalf("re-delivered Append should be a no-op success, got %v", err)
	}

	got, _ := mem.ReadFrom(ctx, "s1", -1)
	if len(got) != 1 {
		t.Fatalf("stored %d segments, want 1", len(got))
	}
}

func TestOrderViolationIsFatal(t *testing.T) {
	w, mem := testWriter()
	ctx := context.Background()

	if err := w.Append(ctx, segment("s1", 0, 5000, 6000)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	err := w.Append(ctx, segment("s1", 1, 3000, 4000))
	if !errors.Is(err, ErrOrderViolation) {
		t.Fatalf("err = %v, want ErrOrderViolation", err)
	}

	// The violating segment must not have been written.
	got, _ := mem.ReadFrom(ctx, "s1", -1)
	if len(got) != 1 {
		t.Fatalf("stored %d segments, want 1", len(got))
	}
}

func TestSessionsIndependent(t *testing.T) {
	w, _ := testWriter()
	ctx := context.Background()

	if err := w.Append(ctx, segment("s1", 0, 5000, 6000)); err != nil {
		t.Fatalf("Append s1: %v", err)
	}
	// An earlier offset on a different session is fine.
	if err := w.Append(ctx, segment("s2", 0, 0, 1000)); err != nil {
		t.Fatalf("Append s2: %v", err)
	}
}

func TestForgetResetsOrderTracking(t *testing.T) {
	w, _ := testWriter()
	ctx := context.Background()

	if err := w.Append(ctx, segment("s1", 0, 5000, 6000)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Forget("s1")
	// A fresh session lifecycle may reuse the id with earlier offsets.
	if err := w.Append(ctx, segment("s1", 1, 0, 1000)); err != nil {
		t.Fatalf("Append after Forget: %v", err)
	}
}

func TestMemoryReadFrom(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()

	for i := int64(0); i < 4; i++ {
		seg := segment("s1", i, i*1000, (i+1)*1000)
		if err := mem.Append(ctx, seg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := mem.ReadFrom(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 2 {
		t.Fatalf("ReadFrom after seq 1 returned %d segments starting at %d", len(got), got[0].Sequence)
	}
}
