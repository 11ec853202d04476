package pipeline

import "time"

// AudioChunk is a small sequenced unit of raw audio delivered by a producer.
// Offsets are relative to the session start.
type AudioChunk struct {
	SessionID string
	Sequence  uint64
	Payload   []byte
	StartMs   int64
	EndMs     int64
	ArrivedAt time.Time
}

// WindowStatus tracks a buffer window through its flush lifecycle.
type WindowStatus string

const (
	WindowOpen     WindowStatus = "open"
	WindowFlushing WindowStatus = "flushing"
	WindowFlushed  WindowStatus = "flushed"
	WindowFailed   WindowStatus = "failed"
)

// BufferWindow is a time-bounded aggregation of chunk payloads, the unit of
// work submitted to the transcription invoker. Windows reference their owning
// session by id only.
type BufferWindow struct {
	SessionID string
	Sequence  uint64
	Payload   []byte
	StartMs   int64
	EndMs     int64
	Status    WindowStatus
}

// windowManager maintains the single open window of one session. It is owned
// by the session worker and never accessed concurrently.
type windowManager struct {
	sessionID string
	maxDurMs  int64
	maxBytes  int

	nextSeq uint64
	open    *BufferWindow
}

func newWindowManager(sessionID string, maxDur time.Duration, maxBytes int) *windowManager {
	return &windowManager{
		sessionID: sessionID,
		maxDurMs:  maxDur.Milliseconds(),
		maxBytes:  maxBytes,
	}
}

// append adds one chunk to the open window, starting a new window if needed.
// It returns the window when a flush threshold is crossed; the next append
// starts a fresh window, so ingestion is never blocked on transcription.
func (m *windowManager) append(c *AudioChunk) *BufferWindow {
	if m.open == nil {
		m.open = &BufferWindow{
			SessionID: m.sessionID,
			Sequence:  m.nextSeq,
			StartMs:   c.StartMs,
			Status:    WindowOpen,
		}
		m.nextSeq++
	}
	m.open.Payload = append(m.open.Payload, c.Payload...)
	m.open.EndMs = c.EndMs

	if m.open.EndMs-m.open.StartMs >= m.maxDurMs || len(m.open.Payload) >= m.maxBytes {
		win := m.open
		m.open = nil
		return win
	}
	return nil
}

// takeOpen force-flushes the current open window regardless of thresholds.
// Returns nil when no data is buffered.
func (m *windowManager) takeOpen() *BufferWindow {
	win := m.open
	m.open = nil
	return win
}
