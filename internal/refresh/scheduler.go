package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/carebridge-health/sessiongate/internal/token"
)

// State describes where the scheduler is in its cycle.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

// EventType names the terminal outcomes of a refresh cycle.
type EventType string

const (
	EventRefreshSuccess EventType = "refresh_success"
	EventRefreshFailed  EventType = "refresh_failed"
)

// Event is emitted when a refresh cycle completes.
type Event struct {
	Type     EventType
	Attempts int
	Err      error
}

// Callback performs one refresh attempt against the upstream backend.
type Callback func(ctx context.Context) error

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 30 * time.Second
)

// Scheduler arms a single timer ahead of token expiry and drives the refresh
// callback with bounded, fixed-delay retries. A missed refresh degrades to
// re-login; the upstream backend enforces expiry on its own.
type Scheduler struct {
	mu         sync.Mutex
	state      State
	timer      *time.Timer
	generation int
	delay      time.Duration

	threshold  time.Duration
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time

	events chan Event
}

// Option configures Scheduler behavior.
type Option func(*Scheduler)

// WithThreshold overrides the refresh threshold.
func WithThreshold(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// WithMaxRetries bounds failed-refresh attempts per cycle.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryDelay sets the fixed wait between failed attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewScheduler constructs an idle scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		threshold:  token.RefreshThreshold,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
		events:     make(chan Event, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events exposes terminal refresh outcomes. The channel is buffered and
// never blocks the scheduler; slow consumers lose events.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// State reports the current cycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delay reports the delay the active timer was armed with. Zero when the
// refresh fired immediately or nothing is scheduled.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Start begins a monitoring cycle for the claim set's expiry. Any pending
// timer from a prior cycle is cancelled first: at most one timer is armed
// per scheduler instance.
func (s *Scheduler) Start(ctx context.Context, claims *token.Claims, cb Callback) {
	if claims == nil || cb == nil {
		return
	}
	s.mu.Lock()
	s.cancelLocked()
	s.generation++
	gen := s.generation

	untilExpiry := time.Unix(claims.ExpiresAt, 0).Sub(s.now())
	delay := untilExpiry - s.threshold
	if delay <= 0 {
		s.state = StateRefreshing
		s.delay = 0
		s.mu.Unlock()
		go s.run(ctx, gen, cb)
		return
	}
	s.state = StateScheduled
	s.delay = delay
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.state = StateRefreshing
		s.mu.Unlock()
		s.run(ctx, gen, cb)
	})
	s.mu.Unlock()
}

// Stop cancels any pending timer and returns the scheduler to idle. Retry
// loops in flight observe the generation bump and abandon their cycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.generation++
	s.state = StateIdle
	s.delay = 0
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) run(ctx context.Context, gen int, cb Callback) {
	attempts := 0
	for {
		if s.stale(gen) {
			return
		}
		attempts++
		err := cb(ctx)
		if err == nil {
			s.finish(gen, Event{Type: EventRefreshSuccess, Attempts: attempts})
			return
		}
		if attempts >= s.maxRetries {
			s.finish(gen, Event{Type: EventRefreshFailed, Attempts: attempts, Err: err})
			return
		}
		select {
		case <-ctx.Done():
			s.finish(gen, Event{Type: EventRefreshFailed, Attempts: attempts, Err: ctx.Err()})
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Scheduler) stale(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}

// finish closes out a cycle. Outcomes from abandoned cycles are dropped:
// a stale failure must not reach watchers after the tab re-armed.
func (s *Scheduler) finish(gen int, ev Event) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.delay = 0
	s.mu.Unlock()
	select {
	case s.events <- ev:
	default:
	}
}
