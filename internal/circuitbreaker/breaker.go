// Package circuitbreaker guards the analytics pipeline against broken or implausible
// option chains coming from the market-data provider.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/model"
)

var (
	// ErrOpen is returned while the breaker refuses new chains.
	ErrOpen = errors.New("circuit breaker open")

	// ErrTripped wraps the reason a chain tripped the breaker.
	ErrTripped = errors.New("circuit breaker tripped")

	// ErrEmptyChain is returned for a chain without contracts.
	ErrEmptyChain = errors.New("no contracts provided to circuit breaker")
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, chains are rejected
	StateHalfOpen              // Testing if the provider has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Maximum plausible implied volatility (e.g. 5.0 for 500%)
	MaxImpliedVolatility float64 `json:"max_implied_volatility"`

	// Maximum relative move of the underlying between consecutive good chains (0.25 for 25%)
	MaxUnderlyingMove float64 `json:"max_underlying_move"`

	// Minimum number of contracts a chain must contain
	MinContracts int `json:"min_contracts"`

	// Maximum share of crossed quotes (bid > ask), zero disables the check
	MaxCrossedShare float64 `json:"max_crossed_share,omitempty"`
}

// DefaultThresholds are the limits used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxImpliedVolatility: 5.0,
		MaxUnderlyingMove:    0.25,
		MinContracts:         1,
		MaxCrossedShare:      0.2,
	}
}

type snapshot struct {
	underlying float64
	contracts  []model.Contract
	at         time.Time
}

// CircuitBreaker trips when a chain violates its thresholds and remembers the last
// good chain per symbol so callers can fall back to it.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time
	reason   string

	resetDelay time.Duration

	mu sync.RWMutex

	// last chain that passed, per symbol
	history map[string]snapshot

	successCount     int
	successThreshold int

	clock func() time.Time

	onTripCallback func(reason, symbol string)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
		history:          make(map[string]snapshot),
		clock:            time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of good chains needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a function called asynchronously when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason, symbol string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock replaces time.Now
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Check evaluates a chain for symbol quoted against underlying. An open circuit rejects
// every chain with ErrOpen until the reset delay has passed; a chain that violates a
// threshold trips the circuit and returns an error wrapping ErrTripped.
func (cb *CircuitBreaker) Check(symbol string, underlying float64, contracts []model.Contract) error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	if state == StateOpen {
		if cb.clock().Sub(lastTripTime) > cb.resetDelay {
			cb.transitionToHalfOpen()
		} else {
			return fmt.Errorf("%w: system protection engaged", ErrOpen)
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(contracts) == 0 {
		return fmt.Errorf("%s: %w", symbol, ErrEmptyChain)
	}

	if len(contracts) < cb.thresholds.MinContracts {
		return cb.trip(symbol, fmt.Sprintf("insufficient contract count: got %d, need %d",
			len(contracts), cb.thresholds.MinContracts))
	}

	if math.IsNaN(underlying) || math.IsInf(underlying, 0) || underlying <= 0 {
		return cb.trip(symbol, fmt.Sprintf("invalid underlying price: %v", underlying))
	}

	crossed := 0
	for _, c := range contracts {
		if cb.thresholds.MaxImpliedVolatility > 0 && c.ImpliedVolatility > cb.thresholds.MaxImpliedVolatility {
			return cb.trip(symbol, fmt.Sprintf("implied volatility exceeds maximum threshold: %s %.4f > %.4f",
				c.Symbol, c.ImpliedVolatility, cb.thresholds.MaxImpliedVolatility))
		}
		if c.Bid > c.Ask {
			crossed++
		}
	}

	if cb.thresholds.MaxCrossedShare > 0 {
		share := float64(crossed) / float64(len(contracts))
		if share > cb.thresholds.MaxCrossedShare {
			return cb.trip(symbol, fmt.Sprintf("too many crossed quotes: %.2f%% (threshold: %.2f%%)",
				share*100, cb.thresholds.MaxCrossedShare*100))
		}
	}

	if last, ok := cb.history[symbol]; ok && cb.thresholds.MaxUnderlyingMove > 0 && last.underlying > 0 {
		move := math.Abs(underlying-last.underlying) / last.underlying
		if move > cb.thresholds.MaxUnderlyingMove {
			return cb.trip(symbol, fmt.Sprintf("underlying move too drastic: %.2f%% (threshold: %.2f%%)",
				move*100, cb.thresholds.MaxUnderlyingMove*100))
		}
	}

	logrus.WithField("symbol", symbol).Debug("Circuit breaker checks passed")

	stored := make([]model.Contract, len(contracts))
	copy(stored, contracts)
	cb.history[symbol] = snapshot{underlying: underlying, contracts: stored, at: cb.clock()}

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			cb.reason = ""
			logrus.Info("Circuit breaker closed: provider has recovered")
		}
	}

	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// LastReason returns why the circuit last tripped, empty when closed.
func (cb *CircuitBreaker) LastReason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.reason = ""
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGoodChain returns a copy of the most recent chain for symbol that passed the checks,
// the underlying price it was quoted against and when it was recorded.
func (cb *CircuitBreaker) LastGoodChain(symbol string) ([]model.Contract, float64, time.Time, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	snap, ok := cb.history[symbol]
	if !ok {
		return nil, 0, time.Time{}, false
	}
	out := make([]model.Contract, len(snap.contracts))
	copy(out, snap.contracts)
	return out, snap.underlying, snap.at, true
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing provider recovery")
	}
}

// trip opens the circuit. Callers hold the write lock.
func (cb *CircuitBreaker) trip(symbol, reason string) error {
	cb.state = StateOpen
	cb.lastTrip = cb.clock()
	cb.reason = reason
	cb.successCount = 0
	logrus.WithField("symbol", symbol).Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, symbol)
	}
	return fmt.Errorf("%w: %s", ErrTripped, reason)
}
