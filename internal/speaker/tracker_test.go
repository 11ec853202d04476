package speaker

import (
	"testing"
	"time"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/transcribe"
)

func seg(startMs, endMs int64) transcribe.RawSegment {
	return transcribe.RawSegment{StartMs: startMs, EndMs: endMs, Text: "x"}
}

// Gaps of [0.5s, 0.5s, 3.0s, 0.5s] with no model tags must rotate the label
// exactly once, immediately after the 3.0s pause.
func TestRotationOnLongPause(t *testing.T) {
	tr := NewTracker(2*time.Second, 4)
	st := tr.NewState()

	segments := []transcribe.RawSegment{
		seg(0, 1000),
		seg(1500, 2000),  // 0.5s gap
		seg(2500, 3000),  // 0.5s gap
		seg(6000, 6500),  // 3.0s gap -> rotate
		seg(7000, 7500),  // 0.5s gap
	}
	want := []string{"Speaker 1", "Speaker 1", "Speaker 1", "Speaker 2", "Speaker 2"}

	for i, s := range segments {
		if got := tr.Label(st, s); got != want[i] {
			t.Errorf("segment %d: label = %q, want %q", i, got, want[i])
		}
	}
	if st.Rotations() != 1 {
		t.Fatalf("rotations = %d, want 1", st.Rotations())
	}
}

func TestModelTagWins(t *testing.T) {
	tr := NewTracker(2*time.Second, 4)
	st := tr.NewState()

	tagged := transcribe.RawSegment{StartMs: 0, EndMs: 1000, SpeakerTag: "Alice"}
	if got := tr.Label(st, tagged); got != "Alice" {
		t.Fatalf("label = %q, want model tag", got)
	}

	// The tag reset lastEnd to 1000, so a segment at 2000 is within threshold.
	if got := tr.Label(st, seg(2000, 2500)); got != "Speaker 1" {
		t.Fatalf("label after tag = %q, want Speaker 1", got)
	}
	if st.Rotations() != 0 {
		t.Fatalf("rotations = %d, want 0", st.Rotations())
	}
}

func TestPoolWrapsAround(t *testing.T) {
	tr := NewTracker(time.Second, 2)
	st := tr.NewState()

	// Every segment is 2s after the previous one, rotating each time.
	labels := make([]string, 0, 5)
	for i := int64(0); i < 5; i++ {
		labels = append(labels, tr.Label(st, seg(i*3000, i*3000+500)))
	}
	want := []string{"Speaker 1", "Speaker 2", "Speaker 1", "Speaker 2", "Speaker 1"}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("segment %d: label = %q, want %q", i, labels[i], want[i])
		}
	}
}

func TestLastEndIsMonotone(t *testing.T) {
	tr := NewTracker(2*time.Second, 4)
	st := tr.NewState()

	tr.Label(st, seg(0, 5000))
	// Overlapping segment ending earlier must not pull lastEnd back.
	tr.Label(st, seg(1000, 2000))
	if got := tr.Label(st, seg(6000, 6500)); got != "Speaker 1" {
		t.Fatalf("label = %q, want Speaker 1 (gap measured from 5000ms)", got)
	}
}
