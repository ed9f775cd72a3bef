// Package notify delivers fired reminders to registered devices. Each push
// provider sits behind its own circuit breaker so one failing provider does
// not slow the others, and every attempt is written to the delivery ledger.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// ErrCircuitOpen rejects sends while a provider's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failures and rejects sends until a
// cool-down passes, then admits exactly one trial call. The trial's outcome
// decides between closing again and another cool-down.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	clk       clock.Clock
	logger    *slog.Logger
	onChange  func(name, state string)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	trial       bool
}

func NewBreaker(name string, threshold int, coolDown time.Duration, clk clock.Clock, logger *slog.Logger, onChange func(name, state string)) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		clk:       clk,
		logger:    logger.With("breaker", name),
		onChange:  onChange,
	}
}

// Allow reports whether a call may proceed right now. Callers that get nil
// must follow up with Mark.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if b.clk.Now().Sub(b.lastFailure) < b.coolDown {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.setState(BreakerHalfOpen)
		b.trial = true
		b.logger.Info("circuit half-open, trying one call")
		return nil

	case BreakerHalfOpen:
		if b.trial {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.trial = true
		return nil

	default:
		return fmt.Errorf("%s: unknown breaker state %d", b.name, b.state)
	}
}

// Mark records the outcome of an allowed call.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.setState(BreakerClosed)
		b.failures = 0
		b.trial = false
		b.logger.Info("circuit closed, provider recovered")
	case BreakerOpen:
		// A call admitted before the trip finished late. The cool-down
		// still governs when the provider gets probed again.
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = b.clk.Now()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.setState(BreakerOpen)
			b.logger.Warn("circuit opened", "consecutive_failures", b.failures)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.trial = false
		b.logger.Warn("circuit reopened, trial call failed")
	case BreakerOpen:
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	if b.onChange != nil {
		b.onChange(b.name, s.String())
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
