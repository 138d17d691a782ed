package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/indexops/bluegreen/pkg/log"
	"github.com/indexops/bluegreen/pkg/metrics"
	"github.com/indexops/bluegreen/pkg/types"
)

// State is the circuit breaker position
type State string

const (
	StateClosed   State = "closed"    // calls pass through
	StateOpen     State = "open"      // calls fail fast
	StateHalfOpen State = "half_open" // one trial call allowed
)

// Config tunes a breaker. Zero values fall back to defaults.
type Config struct {
	// WindowSize is the number of recent calls tracked
	WindowSize int

	// FailureRatio trips the breaker when at least MinCalls outcomes are
	// recorded and the failing fraction of the window reaches it
	FailureRatio float64

	// MinCalls is the minimum recorded outcomes before the ratio applies
	MinCalls int

	// ConsecutiveFailures trips the breaker regardless of ratio
	ConsecutiveFailures int

	// Cooldown is the initial open period before a trial call is allowed;
	// it doubles on every failed trial up to MaxCooldown
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig returns the stock tuning: window of 20 calls, trip at 50%
// failures or 5 consecutive, 30s cooldown doubling to 5m.
func DefaultConfig() Config {
	return Config{
		WindowSize:          20,
		FailureRatio:        0.5,
		MinCalls:            10,
		ConsecutiveFailures: 5,
		Cooldown:            30 * time.Second,
		MaxCooldown:         5 * time.Minute,
	}
}

// Breaker is a count-based sliding window circuit breaker guarding gateway
// calls against a single target index. Safe for concurrent use.
type Breaker struct {
	target string
	cfg    Config

	mu          sync.Mutex
	state       State
	window      []bool // true = failure
	pos         int
	filled      int
	consecutive int
	openedAt    time.Time
	cooldown    time.Duration
	trialActive bool

	// clock is replaceable in tests
	clock func() time.Time
}

// New creates a breaker for target.
func New(target string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = def.MinCalls
	}
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}

	b := &Breaker{
		target:   target,
		cfg:      cfg,
		state:    StateClosed,
		window:   make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
		clock:    time.Now,
	}
	b.publishState()
	return b
}

// State returns the current state, promoting Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. In HalfOpen exactly one trial
// call is admitted; everything else fails fast with ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialActive {
			return fmt.Errorf("%w: trial call in flight for %s", types.ErrCircuitOpen, b.target)
		}
		b.trialActive = true
		return nil
	default:
		return fmt.Errorf("%w: target %s cooling down", types.ErrCircuitOpen, b.target)
	}
}

// Record feeds a call outcome into the window. Calls rejected by Allow
// must not be recorded.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil

	if b.state == StateHalfOpen {
		b.trialActive = false
		if failed {
			b.reopen()
		} else {
			b.close()
		}
		return
	}

	b.window[b.pos] = failed
	b.pos = (b.pos + 1) % b.cfg.WindowSize
	if b.filled < b.cfg.WindowSize {
		b.filled++
	}
	if failed {
		b.consecutive++
	} else {
		b.consecutive = 0
	}

	if b.state == StateClosed && b.shouldTrip() {
		b.trip()
	}
}

// Do guards op with the breaker: fail fast when open, record the outcome
// otherwise.
func (b *Breaker) Do(op func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op()
	b.Record(err)
	return err
}

// Reset closes the breaker and clears the window. Operator action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

// Target returns the index this breaker guards.
func (b *Breaker) Target() string {
	return b.target
}

// shouldTrip checks both trip conditions. Caller holds mu.
func (b *Breaker) shouldTrip() bool {
	if b.consecutive >= b.cfg.ConsecutiveFailures {
		return true
	}
	if b.filled < b.cfg.MinCalls {
		return false
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures)/float64(b.filled) >= b.cfg.FailureRatio
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock()
	metrics.BreakerTrips.WithLabelValues(b.target).Inc()
	b.publishState()
	log.Logger.Warn().
		Str("component", "breaker").
		Str("target", b.target).
		Dur("cooldown", b.cooldown).
		Msg("Circuit breaker tripped open")
}

// reopen restarts the cooldown after a failed trial, doubling it.
func (b *Breaker) reopen() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.cooldown *= 2
	if b.cooldown > b.cfg.MaxCooldown {
		b.cooldown = b.cfg.MaxCooldown
	}
	b.publishState()
	log.Logger.Warn().
		Str("component", "breaker").
		Str("target", b.target).
		Dur("cooldown", b.cooldown).
		Msg("Trial call failed, circuit breaker reopened")
}

// close resets to Closed with a fresh window and initial cooldown.
func (b *Breaker) close() {
	b.state = StateClosed
	b.window = make([]bool, b.cfg.WindowSize)
	b.pos = 0
	b.filled = 0
	b.consecutive = 0
	b.cooldown = b.cfg.Cooldown
	b.trialActive = false
	b.publishState()
	log.Logger.Info().
		Str("component", "breaker").
		Str("target", b.target).
		Msg("Circuit breaker closed")
}

// maybeHalfOpen promotes Open to HalfOpen once the cooldown elapses.
// Caller holds mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.trialActive = false
		b.publishState()
	}
}

func (b *Breaker) publishState() {
	var v float64
	switch b.state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.target).Set(v)
}
