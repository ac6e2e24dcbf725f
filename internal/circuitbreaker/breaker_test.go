package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/putdesk/internal/model"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func testThresholds() Thresholds {
	return Thresholds{
		MaxImpliedVolatility: 3.0,
		MaxUnderlyingMove:    0.2,
		MinContracts:         2,
	}
}

func chain(ivs ...float64) []model.Contract {
	out := make([]model.Contract, len(ivs))
	for i, iv := range ivs {
		out[i] = model.Contract{Symbol: "XYZ", Strike: 90 + float64(i), Bid: 1, Ask: 1.1, ImpliedVolatility: iv}
	}
	return out
}

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	cb := New(testThresholds())
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	err := cb.Check("XYZ", 100, chain(0.3, 0.35))
	assert.NoError(t, err, "Valid chain should pass checks")
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should remain closed for valid chains")
	assert.Equal(t, "closed", cb.GetState().String())
}

func TestCircuitBreaker_ImpliedVolatilityThreshold(t *testing.T) {
	cb := New(testThresholds())

	err := cb.Check("XYZ", 100, chain(0.3, 4.5))
	require.Error(t, err, "Implausible IV should trip the circuit")
	assert.ErrorIs(t, err, ErrTripped)
	assert.Equal(t, StateOpen, cb.GetState(), "Circuit should be open after trip")
	assert.Contains(t, err.Error(), "implied volatility exceeds maximum threshold")
	assert.Contains(t, cb.LastReason(), "implied volatility")
}

func TestCircuitBreaker_UnderlyingMove(t *testing.T) {
	cb := New(testThresholds())

	require.NoError(t, cb.Check("XYZ", 100, chain(0.3, 0.3)), "Baseline chain should pass")

	// other symbols are tracked separately
	require.NoError(t, cb.Check("ABC", 40, chain(0.3, 0.3)))

	err := cb.Check("XYZ", 70, chain(0.3, 0.3))
	require.Error(t, err, "Drastic underlying move should trip the circuit")
	assert.Contains(t, err.Error(), "underlying move too drastic")
}

func TestCircuitBreaker_InsufficientContracts(t *testing.T) {
	cb := New(testThresholds())

	err := cb.Check("XYZ", 100, chain(0.3))
	require.Error(t, err, "Insufficient contract count should trip the circuit")
	assert.Contains(t, err.Error(), "insufficient contract count")
}

func TestCircuitBreaker_InvalidUnderlying(t *testing.T) {
	cb := New(testThresholds())

	err := cb.Check("XYZ", 0, chain(0.3, 0.3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid underlying price")
}

func TestCircuitBreaker_CrossedQuotes(t *testing.T) {
	th := testThresholds()
	th.MaxCrossedShare = 0.25
	cb := New(th)

	c := chain(0.3, 0.3, 0.3, 0.3)
	c[0].Bid, c[0].Ask = 2, 1
	require.NoError(t, cb.Check("XYZ", 100, c), "One crossed quote in four is tolerated")

	c[1].Bid, c[1].Ask = 2, 1
	err := cb.Check("XYZ", 100, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many crossed quotes")
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
	cb := New(testThresholds()).
		WithClock(clock.Now).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2)

	require.Error(t, cb.Check("XYZ", 100, chain(0.3, 9)), "Should trip circuit with invalid chain")
	assert.Equal(t, StateOpen, cb.GetState())

	// still inside the reset delay
	clock.Advance(30 * time.Second)
	err := cb.Check("XYZ", 100, chain(0.3, 0.3))
	assert.ErrorIs(t, err, ErrOpen)

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Check("XYZ", 100, chain(0.3, 0.3)), "Valid chain should pass in half-open state")
	assert.Equal(t, StateHalfOpen, cb.GetState(), "One success is not enough to close")

	require.NoError(t, cb.Check("XYZ", 101, chain(0.3, 0.3)))
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should close after enough good chains")
	assert.Empty(t, cb.LastReason())
}

func TestCircuitBreaker_LastGoodChain(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
	cb := New(testThresholds()).WithClock(clock.Now)

	_, _, _, ok := cb.LastGoodChain("XYZ")
	assert.False(t, ok, "No chain recorded yet")

	good := chain(0.3, 0.4)
	require.NoError(t, cb.Check("XYZ", 100, good))

	// a tripping chain does not replace the fallback
	require.Error(t, cb.Check("XYZ", 100, chain(0.3, 7)))

	got, underlying, at, ok := cb.LastGoodChain("XYZ")
	require.True(t, ok)
	assert.Equal(t, good, got)
	assert.Equal(t, 100.0, underlying)
	assert.Equal(t, clock.now, at)

	// returned slice is a copy
	got[0].Strike = 1
	again, _, _, _ := cb.LastGoodChain("XYZ")
	assert.Equal(t, 90.0, again[0].Strike)
}

func TestCircuitBreaker_CallbackExecution(t *testing.T) {
	type trip struct{ reason, symbol string }
	tripped := make(chan trip, 1)

	cb := New(testThresholds()).WithTripCallback(func(reason, symbol string) {
		tripped <- trip{reason, symbol}
	})

	require.Error(t, cb.Check("XYZ", 100, chain(0.3, 8)))

	select {
	case got := <-tripped:
		assert.Equal(t, "XYZ", got.symbol)
		assert.Contains(t, got.reason, "implied volatility exceeds maximum threshold")
	case <-time.After(time.Second):
		t.Fatal("Callback should be executed when circuit trips")
	}
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb := New(testThresholds())

	require.Error(t, cb.Check("XYZ", 100, chain(0.3, 8)))
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should be closed after manual reset")
	assert.NoError(t, cb.Check("XYZ", 100, chain(0.3, 0.3)), "Valid chain should pass after manual reset")
}

func TestCircuitBreaker_EmptyChain(t *testing.T) {
	cb := New(testThresholds())

	err := cb.Check("XYZ", 100, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyChain))
	assert.Equal(t, StateClosed, cb.GetState(), "An empty chain does not trip the circuit")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
