package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCircuitOpen is returned while the breaker cool-down is in effect.
	ErrCircuitOpen = errors.New("transcription circuit open")
	// ErrBackpressure is returned when the bounded work queue did not admit
	// the call within the admission wait.
	ErrBackpressure = errors.New("transcription queue full")
)

// Observer receives per-call latency and outcome, one call per attempt batch.
type Observer interface {
	ObserveCall(sessionID string, latency time.Duration, attempts int, err error)
}

type logObserver struct {
	logger *slog.Logger
}

func (o logObserver) ObserveCall(sessionID string, latency time.Duration, attempts int, err error) {
	if err != nil {
		o.logger.Warn("transcription call failed",
			slog.String("session_id", sessionID),
			slog.Duration("latency", latency),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}
	o.logger.Debug("transcription call ok",
		slog.String("session_id", sessionID),
		slog.Duration("latency", latency),
		slog.Int("attempts", attempts),
	)
}

// InvokerConfig tunes timeout, retry, breaker and admission behavior.
type InvokerConfig struct {
	CallTimeout      time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Concurrency      int
	AdmissionWait    time.Duration
}

// Stats are cumulative call counters across all sessions.
type Stats struct {
	Total    uint64 `json:"total"`
	Success  uint64 `json:"success"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// Invoker wraps the speech-to-text collaborator with a per-call timeout,
// bounded retries with jittered exponential backoff, a consecutive-failure
// circuit breaker, and a bounded admission queue. The queue is the one
// intentionally shared, globally contended resource: calls across sessions
// run in parallel up to Concurrency, and saturation surfaces as
// ErrBackpressure instead of unbounded memory growth.
type Invoker struct {
	backend  Backend
	cfg      InvokerConfig
	slots    chan struct{}
	observer Observer
	logger   *slog.Logger

	mu          sync.Mutex
	consecFails int
	openUntil   time.Time

	total    atomic.Uint64
	success  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

func NewInvoker(backend Backend, cfg InvokerConfig, logger *slog.Logger) *Invoker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger = logger.With(slog.String("component", "invoker"))
	return &Invoker{
		backend:  backend,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Concurrency),
		observer: logObserver{logger: logger},
		logger:   logger,
	}
}

// SetObserver replaces the default slog observer.
func (inv *Invoker) SetObserver(o Observer) {
	inv.observer = o
}

// Transcribe submits one window to the collaborator. It returns
// ErrCircuitOpen or ErrBackpressure without touching the backend, a
// FatalError unmodified, and the last attempt's error once retries are
// exhausted.
func (inv *Invoker) Transcribe(ctx context.Context, req Request) ([]RawSegment, error) {
	inv.total.Add(1)

	if inv.circuitOpen() {
		inv.rejected.Add(1)
		return nil, ErrCircuitOpen
	}

	admit := time.NewTimer(inv.cfg.AdmissionWait)
	defer admit.Stop()
	select {
	case inv.slots <- struct{}{}:
	case <-admit.C:
		inv.rejected.Add(1)
		return nil, ErrBackpressure
	case <-ctx.Done():
		inv.rejected.Add(1)
		return nil, ctx.Err()
	}
	defer func() { <-inv.slots }()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= inv.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, inv.cfg.CallTimeout)
		segs, err := inv.backend.Transcribe(callCtx, req)
		cancel()

		if err == nil {
			inv.recordSuccess()
			inv.success.Add(1)
			inv.observer.ObserveCall(req.SessionID, time.Since(start), attempt, nil)
			return segs, nil
		}

		lastErr = err
		inv.recordFailure()
		if IsFatal(err) || ctx.Err() != nil {
			break
		}
		if inv.circuitOpen() {
			break
		}
		if attempt < inv.cfg.MaxAttempts {
			select {
			case <-time.After(backoff(inv.cfg.BackoffBase, attempt)):
			case <-ctx.Done():
				inv.failed.Add(1)
				inv.observer.ObserveCall(req.SessionID, time.Since(start), attempt, ctx.Err())
				return nil, ctx.Err()
			}
		}
	}

	inv.failed.Add(1)
	inv.observer.ObserveCall(req.SessionID, time.Since(start), inv.cfg.MaxAttempts, lastErr)
	return nil, lastErr
}

// Stats returns a snapshot of the cumulative call counters.
func (inv *Invoker) Stats() Stats {
	return Stats{
		Total:    inv.total.Load(),
		Success:  inv.success.Load(),
		Failed:   inv.failed.Load(),
		Rejected: inv.rejected.Load(),
	}
}

func (inv *Invoker) circuitOpen() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return time.Now().Before(inv.openUntil)
}

func (inv *Invoker) recordSuccess() {
	inv.mu.Lock()
	inv.consecFails = 0
	inv.mu.Unlock()
}

func (inv *Invoker) recordFailure() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.consecFails++
	if inv.cfg.BreakerThreshold > 0 && inv.consecFails >= inv.cfg.BreakerThreshold && time.Now().After(inv.openUntil) {
		inv.openUntil = time.Now().Add(inv.cfg.BreakerCooldown)
		inv.logger.Error("circuit breaker opened",
			slog.Int("consecutive_failures", inv.consecFails),
			slog.Duration("cooldown", inv.cfg.BreakerCooldown),
		)
	}
}

// backoff is exponential with +-50% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
