// Package calc turns raw option quotes into trade-level metrics for selling puts.
package calc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/pricing"
)

const (
	// MinPremium is the premium at or below which a contract is not worth selling.
	MinPremium = 0.01

	// DefaultRiskFreeRate is used when no rate is configured
	DefaultRiskFreeRate = 0.045

	hoursPerDay = 24
)

// Options configures a Calculator.
type Options struct {
	// RiskFreeRate feeds the pricing model when Greeks must be derived
	RiskFreeRate float64

	// Clock returns "now". Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		RiskFreeRate: DefaultRiskFreeRate,
		Clock:        time.Now,
	}
}

// Calculator computes TradeMetrics. It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	riskFreeRate float64
	clock        func() time.Time
}

// New creates a Calculator. A nil clock falls back to time.Now.
func New(opts Options) *Calculator {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	rate := opts.RiskFreeRate
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = DefaultRiskFreeRate
	}
	return &Calculator{riskFreeRate: rate, clock: clock}
}

// Now returns the calculator's notion of the current time.
func (c *Calculator) Now() time.Time {
	return c.clock()
}

// RiskFreeRate returns the rate handed to the pricing model.
func (c *Calculator) RiskFreeRate() float64 {
	return c.riskFreeRate
}

// DaysToExpiration returns the whole calendar days until expiration, rounded up and never below 1.
func (c *Calculator) DaysToExpiration(expiration time.Time) int {
	days := math.Ceil(expiration.Sub(c.clock()).Hours() / hoursPerDay)
	if days < 1 || math.IsNaN(days) {
		return 1
	}
	return int(days)
}

// AnnualizedReturn is premium / (strike - premium) * 365 / dte, as a fraction.
// It returns 0 when strike does not exceed premium or dte is not positive.
func AnnualizedReturn(premium, strike float64, dte int) float64 {
	if strike <= premium || dte <= 0 {
		return 0
	}
	return model.Sanitize((premium / (strike - premium)) * (pricing.DaysPerYear / float64(dte)))
}

// IsViable reports whether a contract can produce a return figure:
// its quote is not crossed, its premium exceeds MinPremium and its strike exceeds its premium.
func (c *Calculator) IsViable(ct model.Contract) bool {
	if ct.Bid > ct.Ask {
		return false
	}
	premium := ct.Mid()
	if math.IsNaN(premium) || math.IsInf(premium, 0) {
		return false
	}
	return premium > MinPremium && ct.Strike > premium
}

// Metrics computes the trade metrics for selling one contract.
//
// Malformed numbers (non-positive strike, negative or non-finite quotes or spot) yield a
// *model.ValidationError. Contracts failing IsViable yield an error wrapping model.ErrNotViable.
func (c *Calculator) Metrics(ct model.Contract) (model.TradeMetrics, error) {
	if err := validateContract(ct); err != nil {
		return model.TradeMetrics{}, fmt.Errorf("%s: %w", ct.Symbol, err)
	}
	if !c.IsViable(ct) {
		return model.TradeMetrics{}, fmt.Errorf("%s (strike %.2f, premium %.4f): %w",
			ct.Symbol, ct.Strike, ct.Mid(), model.ErrNotViable)
	}

	premium := ct.Mid()
	dte := c.DaysToExpiration(ct.Expiration)

	m := model.TradeMetrics{
		Contract:         ct,
		Premium:          premium,
		DaysToExpiration: dte,
		AnnualizedReturn: AnnualizedReturn(premium, ct.Strike, dte),
		Breakeven:        ct.Strike - premium,
		MaxProfit:        premium,
		MaxLoss:          ct.Strike - premium,
	}

	m.Greeks, m.GreeksSource = c.resolveGreeks(ct, dte)
	m.ProfitProbability = math.Abs(m.Greeks.Delta)

	if canPrice(ct) {
		m.TheoreticalValue = pricing.Price(ct.UnderlyingPrice, ct.Strike,
			pricing.YearsUntil(float64(dte)), c.riskFreeRate, ct.ImpliedVolatility, optionType(ct))
		m.Edge = premium - m.TheoreticalValue
	}

	return m, nil
}

// Batch computes metrics for every viable contract, preserving input order.
// Non-viable contracts are dropped; a malformed contract aborts the batch.
func (c *Calculator) Batch(contracts []model.Contract) ([]model.TradeMetrics, error) {
	out := make([]model.TradeMetrics, 0, len(contracts))
	for _, ct := range contracts {
		m, err := c.Metrics(ct)
		if errors.Is(err, model.ErrNotViable) {
			logrus.WithFields(logrus.Fields{
				"symbol": ct.Symbol,
				"strike": ct.Strike,
				"bid":    ct.Bid,
				"ask":    ct.Ask,
			}).Debug("Dropped non-viable contract")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// resolveGreeks keeps provider-supplied Greeks and fills the missing ones from the pricing
// model when spot and implied volatility are known. Nothing is ever invented.
func (c *Calculator) resolveGreeks(ct model.Contract, dte int) (model.Greeks, model.GreeksSource) {
	g := model.Greeks{Delta: ct.Delta, Gamma: ct.Gamma, Theta: ct.Theta}
	complete := ct.Delta != 0 && ct.Gamma != 0 && ct.Theta != 0

	if !canPrice(ct) {
		if complete {
			return g, model.GreeksFromProvider
		}
		return g, model.GreeksMissing
	}

	derived := pricing.Greeks(ct.UnderlyingPrice, ct.Strike, pricing.YearsUntil(float64(dte)),
		c.riskFreeRate, ct.ImpliedVolatility, optionType(ct))
	g.Vega = derived.Vega
	g.Rho = derived.Rho

	if complete {
		return g, model.GreeksFromProvider
	}
	if g.Delta == 0 {
		g.Delta = derived.Delta
	}
	if g.Gamma == 0 {
		g.Gamma = derived.Gamma
	}
	if g.Theta == 0 {
		g.Theta = derived.Theta
	}
	return g, model.GreeksFromModel
}

func canPrice(ct model.Contract) bool {
	return ct.UnderlyingPrice > 0 && ct.ImpliedVolatility > 0 && ct.Strike > 0
}

func optionType(ct model.Contract) model.OptionType {
	if ct.IsPut() {
		return model.Put
	}
	return model.Call
}

func validateContract(ct model.Contract) error {
	if err := model.RequirePositive("strike", ct.Strike); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"bid", ct.Bid},
		{"ask", ct.Ask},
		{"implied_volatility", ct.ImpliedVolatility},
		{"underlying_price", ct.UnderlyingPrice},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return model.NewValidationError(f.name, f.v, "must be finite")
		}
		if f.v < 0 {
			return model.NewValidationError(f.name, f.v, "must not be negative")
		}
	}
	return nil
}
