package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/broadcast"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/session"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/speaker"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/store"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/transcribe"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/webhook"
)

// segmentSeqStride spaces segment sequence numbers so intra-window indexes
// slot in under their window: windowSeq*stride + index.
const segmentSeqStride = 1000

// Config tunes the ingestion and finalization behavior of the pipeline.
type Config struct {
	InactivityTimeout time.Duration
	ReorderDepth      int
	WindowDuration    time.Duration
	WindowMaxBytes    int
	DrainTimeout      time.Duration
	SweepInterval     time.Duration
}

// Pipeline wires the capture-to-transcript chain: ingestion, windowing,
// transcription, speaker labeling, persistence and live broadcast, with one
// worker per session.
type Pipeline struct {
	cfg         Config
	registry    *session.Registry
	invoker     *transcribe.Invoker
	tracker     *speaker.Tracker
	writer      *store.Writer
	broadcaster *broadcast.Broadcaster
	webhooks    webhook.Sender
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	workers map[string]*sessionWorker
}

func New(
	cfg Config,
	registry *session.Registry,
	invoker *transcribe.Invoker,
	tracker *speaker.Tracker,
	writer *store.Writer,
	broadcaster *broadcast.Broadcaster,
	webhooks webhook.Sender,
	logger *slog.Logger,
) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:         cfg,
		registry:    registry,
		invoker:     invoker,
		tracker:     tracker,
		writer:      writer,
		broadcaster: broadcaster,
		webhooks:    webhooks,
		logger:      logger.With(slog.String("component", "pipeline")),
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*sessionWorker),
	}
}

// Start launches the background expiry sweeper.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.runSweeper()
}

// StartSession creates a session and its worker.
func (p *Pipeline) StartSession(meetingID, language string) (*session.Session, error) {
	sess, err := p.registry.Create(meetingID, language)
	if err != nil {
		return nil, err
	}
	w := newSessionWorker(p, sess)
	p.mu.Lock()
	p.workers[sess.ID] = w
	p.mu.Unlock()
	w.start()
	return sess, nil
}

func (p *Pipeline) worker(sessionID string) *sessionWorker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[sessionID]
}

// Ingest validates and sequences one chunk. Safe for concurrent producers;
// serialization is per session. Out-of-order chunks up to ReorderDepth ahead
// are held back and released once the gap fills.
func (p *Pipeline) Ingest(sessionID string, seq uint64, payload []byte, startMs, endMs int64) error {
	sess, err := p.registry.Get(sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	state := sess.State()
	if state.Terminal() || state == session.StateFinalizing {
		return ErrSessionNotFound
	}
	if len(payload) == 0 || endMs <= startMs || startMs < 0 {
		return ErrValidation
	}
	if time.Since(sess.LastActivity()) > p.cfg.InactivityTimeout {
		go p.Finalize(context.Background(), sessionID, "inactivity timeout")
		return ErrSessionExpired
	}

	w := p.worker(sessionID)
	if w == nil {
		return ErrSessionNotFound
	}

	chunk := &AudioChunk{
		SessionID: sessionID,
		Sequence:  seq,
		Payload:   payload,
		StartMs:   startMs,
		EndMs:     endMs,
		ArrivedAt: time.Now(),
	}

	w.ingestMu.Lock()
	defer w.ingestMu.Unlock()
	if w.closed {
		return ErrSessionNotFound
	}

	next := uint64(sess.LastSeq() + 1)
	if seq < next {
		return ErrDuplicateChunk
	}
	if seq > next {
		if seq-next > uint64(p.cfg.ReorderDepth) {
			return ErrSequenceGap
		}
		if _, held := w.reorder[seq]; held {
			return ErrDuplicateChunk
		}
		w.reorder[seq] = chunk
		_ = p.registry.MarkActive(sessionID)
		return nil
	}

	_ = p.registry.MarkActive(sessionID)
	sess.SetLastSeq(int64(seq))
	w.inbox <- chunk

	// Release any consecutively buffered chunks behind the gap just filled.
	for {
		nextSeq := uint64(sess.LastSeq() + 1)
		held, ok := w.reorder[nextSeq]
		if !ok {
			break
		}
		delete(w.reorder, nextSeq)
		sess.SetLastSeq(int64(nextSeq))
		w.inbox <- held
	}
	return nil
}

// flushWindow runs on the session's flusher goroutine, so at most one window
// per session is ever in flight.
func (p *Pipeline) flushWindow(w *sessionWorker, win *BufferWindow) {
	win.Status = WindowFlushing

	if st := w.sess.State(); st == session.StateAborted || st == session.StateFailed {
		win.Status = WindowFailed
		return
	}

	segs, err := p.invoker.Transcribe(w.ctx, transcribe.Request{
		SessionID: w.sess.ID,
		Language:  w.sess.Language,
		Audio:     win.Payload,
		StartMs:   win.StartMs,
		EndMs:     win.EndMs,
	})
	if err != nil {
		p.failWindow(w, win, err)
		return
	}
	win.Status = WindowFlushed

	for i, rs := range segs {
		label := p.tracker.Label(w.spk, rs)
		seg := store.Segment{
			SessionID:      w.sess.ID,
			Sequence:       int64(win.Sequence)*segmentSeqStride + int64(i),
			StartMs:        rs.StartMs,
			EndMs:          rs.EndMs,
			Text:           rs.Text,
			Speaker:        label,
			Confidence:     rs.Confidence,
			IdempotencyKey: fmt.Sprintf("%s:%d:%d", w.sess.ID, win.Sequence, i),
		}
		if err := p.writer.Append(w.ctx, seg); err != nil {
			// A cancelled worker context (drain deadline) fails the window,
			// not the session.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.failWindow(w, win, err)
			} else {
				p.failSession(w, err)
			}
			return
		}
		w.sess.AddSegments(1)
		p.broadcaster.Publish(w.sess.ID, seg)
	}
}

// failWindow converts an exhausted-retry (or rejected) flush into a FAILED
// window plus a gap-marker segment, keeping the timeline contiguous. Window
// failures degrade the session, they never abort it.
func (p *Pipeline) failWindow(w *sessionWorker, win *BufferWindow, cause error) {
	win.Status = WindowFailed

	level := slog.LevelWarn
	if errors.Is(cause, transcribe.ErrCircuitOpen) || errors.Is(cause, transcribe.ErrBackpressure) {
		level = slog.LevelError
	}
	p.logger.Log(context.Background(), level, "window transcription failed",
		slog.String("session_id", w.sess.ID),
		slog.Uint64("window_seq", win.Sequence),
		slog.Int64("start_ms", win.StartMs),
		slog.Int64("end_ms", win.EndMs),
		slog.String("error", cause.Error()),
	)

	gap := store.Segment{
		SessionID:      w.sess.ID,
		Sequence:       int64(win.Sequence) * segmentSeqStride,
		StartMs:        win.StartMs,
		EndMs:          win.EndMs,
		Failed:         true,
		IdempotencyKey: fmt.Sprintf("%s:%d:0", w.sess.ID, win.Sequence),
	}

	// The worker context may already be cancelled by a drain deadline; the
	// gap marker still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch err := p.writer.Append(ctx, gap); {
	case err == nil:
		w.sess.AddSegments(1)
		p.broadcaster.Publish(w.sess.ID, gap)
	case errors.Is(err, store.ErrOrderViolation):
		// The window was partially written before failing; the gap range
		// below still records the hole.
		p.logger.Warn("gap marker skipped after partial window write",
			slog.String("session_id", w.sess.ID),
			slog.Uint64("window_seq", win.Sequence),
		)
	default:
		p.failSession(w, err)
		return
	}
	w.sess.AddGap(session.GapRange{StartMs: win.StartMs, EndMs: win.EndMs})
}

// failSession handles ordering violations and persistence unavailability, the
// only failures that escalate past the window level.
func (p *Pipeline) failSession(w *sessionWorker, cause error) {
	p.logger.Error("session failed",
		slog.String("session_id", w.sess.ID),
		slog.String("error", cause.Error()),
	)
	_ = w.sess.Transition(session.StateFailed)
	w.cancel()
	w.closeInbox()
	p.finish(w, "failed: "+cause.Error())
}

// Finalize drains a session and moves it to a terminal state. Partial
// completion (some windows FAILED) is still COMPLETED. Idempotent.
func (p *Pipeline) Finalize(ctx context.Context, sessionID, reason string) error {
	sess, err := p.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if err := sess.Transition(session.StateFinalizing); err != nil {
		if sess.State().Terminal() || sess.State() == session.StateFinalizing {
			return nil
		}
		return err
	}

	p.logger.Info("finalizing session",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
	)

	w := p.worker(sessionID)
	if w == nil {
		_ = sess.Transition(session.StateCompleted)
		p.finishSession(sess, reason)
		return nil
	}

	w.closeInbox()

	drain := time.NewTimer(p.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-w.flushDone:
	case <-drain.C:
		p.logger.Warn("drain deadline exceeded, forcing completion",
			slog.String("session_id", sessionID),
		)
		w.cancel()
		<-w.flushDone
	case <-ctx.Done():
		w.cancel()
		<-w.flushDone
	}

	if !sess.State().Terminal() {
		_ = sess.Transition(session.StateCompleted)
	}
	p.finish(w, reason)
	return nil
}

// Abort discards a session's pending work. Valid from INITIATED or ACTIVE.
func (p *Pipeline) Abort(sessionID string) error {
	sess, err := p.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.State().Terminal() {
		return nil
	}
	if err := sess.Transition(session.StateAborted); err != nil {
		return err
	}

	w := p.worker(sessionID)
	if w == nil {
		p.finishSession(sess, "aborted")
		return nil
	}
	w.cancel()
	w.closeInbox()
	<-w.flushDone
	p.finish(w, "aborted")
	return nil
}

// finish runs the terminal cleanup for a session exactly once.
func (p *Pipeline) finish(w *sessionWorker, reason string) {
	w.finishOnce.Do(func() {
		p.mu.Lock()
		delete(p.workers, w.sess.ID)
		p.mu.Unlock()
		p.finishSession(w.sess, reason)
	})
}

func (p *Pipeline) finishSession(sess *session.Session, reason string) {
	p.writer.Forget(sess.ID)
	p.broadcaster.CloseSession(sess.ID)
	p.registry.Terminate(sess.ID, reason)

	if sess.State() != session.StateCompleted {
		return
	}
	payload := webhook.Payload{
		DeliveryID:   uuid.NewString(),
		SessionID:    sess.ID,
		MeetingID:    sess.MeetingID,
		SegmentCount: sess.SegmentCount(),
		HadGaps:      sess.HadGaps(),
		GapRanges:    sess.Gaps(),
		CompletedAt:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.webhooks.SendCompleted(ctx, payload); err != nil {
		p.logger.Warn("session completed webhook failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe attaches a live viewer to a session's segment stream.
func (p *Pipeline) Subscribe(sessionID string) (<-chan store.Segment, func(), error) {
	if _, err := p.registry.Get(sessionID); err != nil {
		return nil, nil, ErrSessionNotFound
	}
	ch, cancel := p.broadcaster.Subscribe(sessionID)
	return ch, cancel, nil
}

// Snapshot is the operator view of one session.
type Snapshot struct {
	SessionID    string             `json:"session_id"`
	MeetingID    string             `json:"meeting_id"`
	Language     string             `json:"language"`
	State        string             `json:"state"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
	LastSequence int64              `json:"last_sequence"`
	SegmentCount int                `json:"segment_count"`
	HadGaps      bool               `json:"had_gaps"`
	GapRanges    []session.GapRange `json:"gap_ranges,omitempty"`
	InvokerStats transcribe.Stats   `json:"invoker_stats"`
}

func (p *Pipeline) Snapshot(sessionID string) (Snapshot, error) {
	sess, err := p.registry.Get(sessionID)
	if err != nil {
		return Snapshot{}, ErrSessionNotFound
	}
	return Snapshot{
		SessionID:    sess.ID,
		MeetingID:    sess.MeetingID,
		Language:     sess.Language,
		State:        string(sess.State()),
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity(),
		LastSequence: sess.LastSeq(),
		SegmentCount: sess.SegmentCount(),
		HadGaps:      sess.HadGaps(),
		GapRanges:    sess.Gaps(),
		InvokerStats: p.invoker.Stats(),
	}, nil
}

// runSweeper finalizes sessions whose producers went silent, so an abandoned
// recording still ends as a usable transcript.
func (p *Pipeline) runSweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range p.registry.Active() {
				if time.Since(sess.LastActivity()) > p.cfg.InactivityTimeout {
					go func(id string) {
						_ = p.Finalize(context.Background(), id, "inactivity timeout")
					}(sess.ID)
				}
			}
		}
	}
}

// Close finalizes every live session and stops the sweeper.
func (p *Pipeline) Close(ctx context.Context) error {
	p.cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range p.registry.Active() {
		g.Go(func() error {
			return p.Finalize(ctx, sess.ID, "shutdown")
		})
	}
	err := g.Wait()
	p.wg.Wait()
	return err
}
