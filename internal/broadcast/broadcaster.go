package broadcast

import (
	"log/slog"
	"sync"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/store"
)

// subscriberBuffer bounds how far a viewer may lag before it is dropped.
const subscriberBuffer = 64

type subscriber struct {
	ch   chan store.Segment
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Broadcaster fans newly persisted segments out to the live subscribers of a
// session, in persisted order. Late subscribers receive only segments from
// the point of subscription onward; history replay belongs to the transcript
// read API. A subscriber that cannot keep up is dropped rather than allowed
// to stall the publish path.
type Broadcaster struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[*subscriber]struct{}
	closed   map[string]bool
}

func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:   logger.With(slog.String("component", "broadcaster")),
		sessions: make(map[string]map[*subscriber]struct{}),
		closed:   make(map[string]bool),
	}
}

// Subscribe returns a channel of segments for the session and a cancel
// function. The channel closes when the subscriber cancels or the session
// reaches a terminal state. Subscribing to an already-terminal session yields
// an immediately closed channel.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan store.Segment, func()) {
	sub := &subscriber{ch: make(chan store.Segment, subscriberBuffer)}

	b.mu.Lock()
	if b.closed[sessionID] {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.sessions[sessionID]; ok {
			delete(subs, sub)
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers one persisted segment to every current subscriber of the
// session. Publish never blocks: a subscriber with a full buffer is
// unsubscribed and its channel closed.
func (b *Broadcaster) Publish(sessionID string, seg store.Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.sessions[sessionID]
	for sub := range subs {
		select {
		case sub.ch <- seg:
		default:
			delete(subs, sub)
			sub.close()
			b.logger.Warn("dropped slow subscriber",
				slog.String("session_id", sessionID),
			)
		}
	}
}

// CloseSession ends every subscriber stream for the session. Subsequent
// Subscribe calls return closed channels; Publish becomes a no-op.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.sessions[sessionID] {
		sub.close()
	}
	delete(b.sessions, sessionID)
	b.closed[sessionID] = true
}
