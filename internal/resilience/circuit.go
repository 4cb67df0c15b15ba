package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned for calls rejected by an open breaker.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a breaker opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. 0 disables breaking.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	Probes int

	// Counts decides which errors count as failures. Defaults to IsTransient,
	// so a model returning bad output does not trip its breaker.
	Counts func(err error) bool

	// OnChange runs on every state transition.
	OnChange func(name string, from, to BreakerState)
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = IsTransient
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Call runs fn unless the breaker is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn(ctx)
	}
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the cooldown
// of an open breaker has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.FailureThreshold <= 0 || b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.moveTo(BreakerHalfOpen)
		return nil
	}
	return eris.Wrapf(ErrBreakerOpen, "%s", b.name)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.FailureThreshold <= 0 {
		return
	}

	if err == nil || !b.cfg.Counts(err) {
		if b.state == BreakerHalfOpen {
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.moveTo(BreakerClosed)
			}
			return
		}
		b.failures = 0
		return
	}

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.moveTo(BreakerOpen)
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.moveTo(BreakerOpen)
		}
	}
}

func (b *Breaker) moveTo(to BreakerState) {
	from := b.state
	b.state = to
	b.successes = 0
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.cfg.OnChange != nil && from != to {
		b.cfg.OnChange(b.name, from, to)
	}
}

// BreakerSet lazily creates one breaker per name with shared config.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet returns an empty set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.cfg)
		s.breakers[name] = b
	}
	return b
}

// States snapshots every breaker's state.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	names := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		names = append(names, b)
	}
	s.mu.Unlock()

	out := make(map[string]BreakerState, len(names))
	for _, b := range names {
		out[b.name] = b.State()
	}
	return out
}
