package session

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle stage of a recording session.
type State string

const (
	StateInitiated  State = "initiated"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

var transitions = map[State][]State{
	StateInitiated:  {StateActive, StateFinalizing, StateAborted},
	StateActive:     {StateFinalizing, StateAborted, StateFailed},
	StateFinalizing: {StateCompleted, StateFailed},
}

// GapRange is a stretch of the session timeline whose transcription permanently
// failed. Exposed so the product can inform the user without losing the rest
// of the transcript.
type GapRange struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Session is one recording-to-transcript lifecycle for a single meeting.
// All mutable fields are guarded by the session's own mutex; operations on
// different sessions never contend.
type Session struct {
	ID        string
	MeetingID string
	Language  string
	CreatedAt time.Time

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	lastSeq      int64 // highest consumed chunk sequence, -1 before the first chunk
	segmentCount int
	gaps         []GapRange
}

func newSession(id, meetingID, language string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		MeetingID:    meetingID,
		Language:     language,
		CreatedAt:    now,
		state:        StateInitiated,
		lastActivity: now,
		lastSeq:      -1,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to a new state, validating the state machine.
// Transitioning a terminal session to the same terminal state is a no-op.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid session state transition %s -> %s", s.state, to)
}

// Touch records ingest activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent chunk or lifecycle call.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// LastSeq returns the chunk-sequence high-watermark.
func (s *Session) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// SetLastSeq advances the chunk-sequence high-watermark.
func (s *Session) SetLastSeq(seq int64) {
	s.mu.Lock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.mu.Unlock()
}

// AddGap records a permanently failed window's time range.
func (s *Session) AddGap(g GapRange) {
	s.mu.Lock()
	s.gaps = append(s.gaps, g)
	s.mu.Unlock()
}

// Gaps returns a copy of the recorded gap ranges.
func (s *Session) Gaps() []GapRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GapRange, len(s.gaps))
	copy(out, s.gaps)
	return out
}

// HadGaps reports whether any window permanently failed.
func (s *Session) HadGaps() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gaps) > 0
}

// AddSegments bumps the persisted-segment counter.
func (s *Session) AddSegments(n int) {
	s.mu.Lock()
	s.segmentCount += n
	s.mu.Unlock()
}

// SegmentCount returns the number of persisted segments.
func (s *Session) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentCount
}
