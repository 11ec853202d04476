package speaker

import (
	"fmt"
	"time"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/transcribe"
)

// State is the per-session speaker-continuity record. It is owned by the
// session's worker and mutated strictly in segment order.
type State struct {
	labelIdx  int
	lastEndMs int64
	started   bool
	rotations int
}

// Rotations returns how many times the label rotated.
func (s *State) Rotations() int { return s.rotations }

// Tracker assigns speaker labels to transcribed segments. When the
// collaborator supplies a diarization tag it wins; otherwise a pause longer
// than the threshold rotates through a fixed round-robin label pool. Both the
// threshold and the pool size are heuristics, tunable via configuration.
type Tracker struct {
	pauseThresholdMs int64
	pool             []string
}

func NewTracker(pauseThreshold time.Duration, poolSize int) *Tracker {
	pool := make([]string, poolSize)
	for i := range pool {
		pool[i] = fmt.Sprintf("Speaker %d", i+1)
	}
	return &Tracker{
		pauseThresholdMs: pauseThreshold.Milliseconds(),
		pool:             pool,
	}
}

// NewState returns a fresh per-session speaker state.
func (t *Tracker) NewState() *State {
	return &State{}
}

// Label assigns the speaker label for one segment and advances the state.
// Segments must be presented in non-decreasing start order; the single-writer
// discipline upstream guarantees that.
func (t *Tracker) Label(st *State, seg transcribe.RawSegment) string {
	if seg.SpeakerTag != "" {
		st.started = true
		st.lastEndMs = seg.EndMs
		return seg.SpeakerTag
	}

	if !st.started {
		st.started = true
	} else if seg.StartMs-st.lastEndMs > t.pauseThresholdMs {
		st.labelIdx = (st.labelIdx + 1) % len(t.pool)
		st.rotations++
	}
	if seg.EndMs > st.lastEndMs {
		st.lastEndMs = seg.EndMs
	}
	return t.pool[st.labelIdx]
}
