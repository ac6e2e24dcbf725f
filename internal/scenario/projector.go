// Package scenario stress-tests short puts against hypothetical price shocks.
//
// Project finds the strikes that stay out of the money after a crash and still meet a
// return target. Sweep and ExpectedValues evaluate selected candidates across a
// probability-weighted grid of price moves.
package scenario

import (
	"errors"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/calc"
	"github.com/yourorg/putdesk/internal/model"
)

const (
	// DefaultMinSafetyBuffer is the minimum distance, in percent, between crash price and strike.
	DefaultMinSafetyBuffer = 5.0

	// DaysPerMonth converts days-to-expiration into months for the timeframe check
	DaysPerMonth = 30.0
)

// Params are the user inputs for one projection.
type Params struct {
	CurrentPrice float64 `json:"current_price"`
	// CrashPercent is the hypothetical drop, 30 for a 30% crash
	CrashPercent float64 `json:"crash_percent"`
	// TargetReturn is the minimum annualized return in percent
	TargetReturn    float64 `json:"target_return"`
	TimeframeMonths float64 `json:"timeframe_months"`
}

// CrashPrice is the underlying price after the shock.
func (p Params) CrashPrice() float64 {
	return p.CurrentPrice * (1 - p.CrashPercent/100)
}

// Validate rejects params that cannot describe a shock.
func (p Params) Validate() error {
	if err := model.RequirePositive("current_price", p.CurrentPrice); err != nil {
		return err
	}
	if math.IsNaN(p.CrashPercent) || p.CrashPercent < 0 || p.CrashPercent >= 100 {
		return model.NewValidationError("crash_percent", p.CrashPercent, "must be within [0,100)")
	}
	if math.IsNaN(p.TargetReturn) || math.IsInf(p.TargetReturn, 0) {
		return model.NewValidationError("target_return", p.TargetReturn, "must be finite")
	}
	return model.RequirePositive("timeframe_months", p.TimeframeMonths)
}

// Option configures a Projector.
type Option func(*Projector)

// WithMinSafetyBuffer overrides DefaultMinSafetyBuffer.
func WithMinSafetyBuffer(pct float64) Option {
	return func(p *Projector) {
		p.minSafetyBuffer = pct
	}
}

// Projector filters an option chain down to strikes that survive a crash.
type Projector struct {
	calc            *calc.Calculator
	minSafetyBuffer float64
}

// NewProjector creates a Projector using c for trade metrics.
func NewProjector(c *calc.Calculator, opts ...Option) *Projector {
	p := &Projector{
		calc:            c,
		minSafetyBuffer: DefaultMinSafetyBuffer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MinSafetyBuffer returns the configured minimum safety buffer in percent.
func (p *Projector) MinSafetyBuffer() float64 {
	return p.minSafetyBuffer
}

// Project returns the puts in chain whose strike lies below the crash price, whose
// expiration falls inside the timeframe, whose annualized return meets the target and
// whose safety buffer exceeds the minimum. Results are ordered by return on risk, highest first.
func (p *Projector) Project(chain []model.Contract, params Params) ([]model.ScenarioResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	crashPrice := params.CrashPrice()

	results := make([]model.ScenarioResult, 0)
	for _, ct := range chain {
		if !ct.IsPut() {
			continue
		}
		m, err := p.calc.Metrics(ct)
		if errors.Is(err, model.ErrNotViable) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if ct.Strike >= crashPrice || float64(m.DaysToExpiration)/DaysPerMonth > params.TimeframeMonths {
			continue
		}

		r := Evaluate(m, crashPrice)
		if r.AnnualizedReturn < params.TargetReturn || !(r.SafetyBuffer > p.minSafetyBuffer) {
			logrus.WithFields(logrus.Fields{
				"symbol":            ct.Symbol,
				"annualized_return": r.AnnualizedReturn,
				"safety_buffer":     r.SafetyBuffer,
			}).Debug("Contract below scenario targets")
			continue
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ReturnOnRisk > results[j].ReturnOnRisk
	})
	return results, nil
}

// Evaluate computes the shock figures for one contract against crashPrice.
func Evaluate(m model.TradeMetrics, crashPrice float64) model.ScenarioResult {
	strike := m.Contract.Strike
	maxLoss := strike*model.ContractMultiplier - m.Premium*model.ContractMultiplier

	var ror float64
	if maxLoss > 0 {
		ror = m.Premium * model.ContractMultiplier / maxLoss * 100
	}

	return model.ScenarioResult{
		Symbol:           m.Contract.Symbol,
		Strike:           strike,
		Expiration:       m.Contract.Expiration,
		Premium:          m.Premium,
		SafetyBuffer:     model.Sanitize((crashPrice - strike) / strike * 100),
		AnnualizedReturn: m.AnnualizedReturn * 100,
		WouldBeAssigned:  strike > crashPrice,
		DaysToExpiry:     m.DaysToExpiration,
		MaxLoss:          maxLoss,
		ReturnOnRisk:     model.Sanitize(ror),
		Volume:           m.Contract.Volume,
		OpenInterest:     m.Contract.OpenInterest,
	}
}
