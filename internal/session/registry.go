package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when an active session already exists
	// for the same meeting.
	ErrDuplicateSession = errors.New("active session already exists for meeting")
)

// Registry is the concurrency-safe directory of recording sessions. The
// registry map is the only cross-session shared structure; each session owns
// its own lock, so the registry mutex only guards lookups and inserts.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	byMeeting map[string]string // meeting id -> non-terminal session id
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With(slog.String("component", "registry")),
		sessions:  make(map[string]*Session),
		byMeeting: make(map[string]string),
	}
}

// Create registers a new session for the meeting. A meeting can have at most
// one non-terminal session at a time.
func (r *Registry) Create(meetingID, language string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byMeeting[meetingID]; ok {
		if existing, ok := r.sessions[existingID]; ok && !existing.State().Terminal() {
			return nil, ErrDuplicateSession
		}
	}

	sess := newSession(ulid.Make().String(), meetingID, language)
	r.sessions[sess.ID] = sess
	r.byMeeting[meetingID] = sess.ID

	r.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("meeting_id", meetingID),
		slog.String("language", language),
	)
	return sess, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// MarkActive transitions an initiated session to active on its first chunk
// (or explicit start) and records activity.
func (r *Registry) MarkActive(id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	if sess.State() == StateInitiated {
		if err := sess.Transition(StateActive); err != nil {
			return err
		}
	}
	sess.Touch()
	return nil
}

// Terminate releases the meeting slot held by a session once it has reached a
// terminal state. Idempotent.
func (r *Registry) Terminate(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	if cur, ok := r.byMeeting[sess.MeetingID]; ok && cur == id {
		delete(r.byMeeting, sess.MeetingID)
	}
	r.logger.Info("session terminated",
		slog.String("session_id", id),
		slog.String("state", string(sess.State())),
		slog.String("reason", reason),
	)
}

// Active returns a snapshot of all non-terminal sessions, for the expiry
// sweeper and monitoring.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if !sess.State().Terminal() {
			out = append(out, sess)
		}
	}
	return out
}
