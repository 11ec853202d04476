package pipeline

import (
	"context"
	"sync"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/session"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/speaker"
)

const (
	inboxDepth      = 64
	flushQueueDepth = 8
)

// sessionWorker is the single logical writer for one session: one goroutine
// drains the ordered chunk inbox into windows, a second flushes windows
// serially so the session never has more than one window in flight. Segment
// ordering falls out of this discipline without any cross-component locking.
type sessionWorker struct {
	p    *Pipeline
	sess *session.Session

	ctx    context.Context
	cancel context.CancelFunc

	inbox   chan *AudioChunk
	flushCh chan *BufferWindow
	wm      *windowManager
	spk     *speaker.State

	// ingestMu serializes producers; it guards closed and the reorder buffer.
	ingestMu sync.Mutex
	closed   bool
	reorder  map[uint64]*AudioChunk

	flushDone  chan struct{}
	finishOnce sync.Once
}

func newSessionWorker(p *Pipeline, sess *session.Session) *sessionWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionWorker{
		p:         p,
		sess:      sess,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan *AudioChunk, inboxDepth),
		flushCh:   make(chan *BufferWindow, flushQueueDepth),
		wm:        newWindowManager(sess.ID, p.cfg.WindowDuration, p.cfg.WindowMaxBytes),
		spk:       p.tracker.NewState(),
		reorder:   make(map[uint64]*AudioChunk),
		flushDone: make(chan struct{}),
	}
}

func (w *sessionWorker) start() {
	go w.run()
	go w.flushLoop()
}

// run consumes the inbox in sequence order. When the inbox closes the open
// window is force-flushed so no buffered audio is lost at finalization.
func (w *sessionWorker) run() {
	for c := range w.inbox {
		if win := w.wm.append(c); win != nil {
			w.flushCh <- win
		}
	}
	if win := w.wm.takeOpen(); win != nil {
		w.flushCh <- win
	}
	close(w.flushCh)
}

func (w *sessionWorker) flushLoop() {
	for win := range w.flushCh {
		w.p.flushWindow(w, win)
	}
	close(w.flushDone)
}

// closeInbox stops chunk admission. Safe to call more than once; producers
// racing with it see the closed flag under ingestMu.
func (w *sessionWorker) closeInbox() {
	w.ingestMu.Lock()
	defer w.ingestMu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.reorder = nil
	close(w.inbox)
}
