package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roelfdiedericks/duoproxy/internal/protocol"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// ErrQueueFull is returned when MaxQueueDepth is exceeded.
var ErrQueueFull = errors.New("ratelimit: queue is full")

// Func is the upstream call the limiter wraps. A non-nil rlErr of
// concrete type *protocol.UpstreamError signaling a 429 causes the
// limiter to retry the call itself rather than surface it to the caller.
type Func func(ctx context.Context) error

// Result carries queue_wait_ms alongside the call's own error, for
// observability as named in the data model.
type Result struct {
	QueueWaitMS int64
	Err         error
}

// Limiter is the process-wide adaptive rate limiter. A single token
// channel of capacity 1 stands in for "the queue processor runs as one
// long-lived task that takes the mutex only to splice head/tail",
// serializing queued execution while normal-mode calls bypass it
// entirely.
type Limiter struct {
	cfg   *Config
	stateMu sync.Mutex
	state State

	token chan struct{}

	queueDepthMu sync.Mutex
	queueDepth   int
	maxQueueDepth int

	paceMu       sync.Mutex
	paceInterval time.Duration
	pace         *rate.Limiter
}

// New returns a Limiter using cfg (DefaultConfig() if nil).
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Limiter{
		cfg:   cfg,
		state: NewState(),
		token: make(chan struct{}, 1),
	}
	l.token <- struct{}{}
	return l
}

// SetMaxQueueDepth bounds how many requests may wait for the serialized
// queue at once; 0 means unbounded.
func (l *Limiter) SetMaxQueueDepth(n int) {
	l.maxQueueDepth = n
}

func (l *Limiter) mode() Mode {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state.Mode
}

// Execute runs fn under the limiter's current policy. Requests in normal
// mode execute immediately; a 429 there transitions to rate_limited and
// the triggering request is retried in place rather than failed. Requests
// observed while already rate_limited or recovering are serialized
// through the single queue token.
func (l *Limiter) Execute(ctx context.Context, fn Func) Result {
	enqueuedAt := time.Now()

	if l.mode() == ModeNormal {
		err := fn(ctx)
		if isRL, retryAfter := classify(err); isRL {
			st := l.transition(func(s State) State { return OnRateLimit(s, time.Now()) })
			wait := NextBackoff(st.RetryCount, l.cfg, retryAfter)
			L_warn("ratelimit: 429 observed in normal mode, re-queuing request", "wait", wait.String())
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return Result{QueueWaitMS: time.Since(enqueuedAt).Milliseconds(), Err: sleepErr}
			}
			return l.runSerialized(ctx, fn, enqueuedAt, 0)
		}
		l.transition(func(s State) State { return OnSuccess(s, l.cfg, time.Now()) })
		return Result{QueueWaitMS: 0, Err: err}
	}

	return l.runSerialized(ctx, fn, enqueuedAt, 0)
}

// runSerialized is the single-file queue path used for all requests once
// the limiter has left normal mode.
func (l *Limiter) runSerialized(ctx context.Context, fn Func, enqueuedAt time.Time, initialRetryAfter time.Duration) Result {
	if l.maxQueueDepth > 0 {
		l.queueDepthMu.Lock()
		if l.queueDepth >= l.maxQueueDepth {
			l.queueDepthMu.Unlock()
			return Result{Err: ErrQueueFull}
		}
		l.queueDepth++
		l.queueDepthMu.Unlock()
		defer func() {
			l.queueDepthMu.Lock()
			l.queueDepth--
			l.queueDepthMu.Unlock()
		}()
	}

	select {
	case tok := <-l.token:
		defer func() { l.token <- tok }()
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}

	queueWaitMS := time.Since(enqueuedAt).Milliseconds()
	retryAfter := initialRetryAfter

	for {
		if err := l.waitForTurn(ctx); err != nil {
			return Result{QueueWaitMS: queueWaitMS, Err: err}
		}

		err := fn(ctx)
		now := time.Now()

		if isRL, ra := classify(err); isRL {
			if ra > 0 {
				retryAfter = ra
			}
			st := l.transition(func(s State) State { return OnRateLimit(s, now) })
			wait := NextBackoff(st.RetryCount, l.cfg, retryAfter)
			retryAfter = 0
			L_warn("ratelimit: retrying after 429", "wait", wait.String())
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return Result{QueueWaitMS: queueWaitMS, Err: sleepErr}
			}
			continue
		}

		l.transition(func(s State) State { return OnSuccess(s, l.cfg, now) })
		return Result{QueueWaitMS: queueWaitMS, Err: err}
	}
}

// waitForTurn paces the inter-request interval appropriate to the current
// mode (rate_limited's fixed interval, or recovering's step) through a
// token-bucket limiter before the next queued execution.
func (l *Limiter) waitForTurn(ctx context.Context) error {
	l.stateMu.Lock()
	s := l.state
	l.stateMu.Unlock()

	interval := IntervalFor(s, l.cfg)
	if interval <= 0 {
		return nil
	}
	return l.pacer(interval).Wait(ctx)
}

// pacer returns the rate.Limiter enforcing interval spacing between queued
// requests, rebuilding it whenever the mode or recovery step changes the
// interval (a step down in recovering, or leaving rate_limited, speeds up
// pacing rather than draining a stale bucket).
func (l *Limiter) pacer(interval time.Duration) *rate.Limiter {
	l.paceMu.Lock()
	defer l.paceMu.Unlock()
	if l.pace == nil || l.paceInterval != interval {
		l.pace = rate.NewLimiter(rate.Every(interval), 1)
		l.paceInterval = interval
	}
	return l.pace
}

func (l *Limiter) transition(fn func(State) State) State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.state = fn(l.state)
	l.state.LastRequestAt = time.Now()
	return l.state
}

// Mode returns the limiter's current mode, for health/diagnostic surfaces.
func (l *Limiter) Mode() Mode {
	return l.mode()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify inspects err for an *protocol.UpstreamError carrying a 429
// signal, returning any server-provided Retry-After.
func classify(err error) (bool, time.Duration) {
	var upErr *protocol.UpstreamError
	if !errors.As(err, &upErr) {
		return false, 0
	}
	if !protocol.IsRateLimited(upErr.StatusCode, upErr.BodyText) {
		return false, 0
	}
	if upErr.RetryAfterSeconds > 0 {
		return true, time.Duration(upErr.RetryAfterSeconds) * time.Second
	}
	return true, 0
}
