// Package model defines the core data structures for the put-selling analytics engine.
package model

import (
	"time"
)

// OptionType distinguishes puts from calls.
type OptionType string

// Supported option types
const (
	Put  OptionType = "put"
	Call OptionType = "call"
)

// ContractMultiplier is the number of shares controlled by one equity option contract.
const ContractMultiplier = 100

// Contract is a single option quote as handed over by the market-data provider.
// This is the core data structure that flows through the entire application.
// A zero Greek means the provider did not supply it.
type Contract struct {
	// Symbol is the OCC option symbol, e.g. "AAPL250117P00150000"
	Symbol string `json:"symbol"`

	// Underlying is the ticker of the underlying equity
	Underlying string `json:"underlying"`

	// Type is put or call
	Type OptionType `json:"type"`

	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`

	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`

	// ImpliedVolatility is expressed as a decimal (0.25 for 25%); 0 means unknown
	ImpliedVolatility float64 `json:"implied_volatility"`

	OpenInterest int64 `json:"open_interest"`
	Volume       int64 `json:"volume"`

	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`

	UnderlyingPrice float64 `json:"underlying_price"`
}

// Mid returns the mid price between bid and ask.
func (c Contract) Mid() float64 {
	return (c.Bid + c.Ask) / 2
}

// IsPut reports whether the contract is a put. An empty type is treated as a put
// since the dashboard only sells puts.
func (c Contract) IsPut() bool {
	return c.Type == Put || c.Type == ""
}

// Greeks holds option sensitivities for one contract under one set of pricing inputs.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	// Theta is the per-calendar-day time decay
	Theta float64 `json:"theta"`
	// Vega is the price change for a one percentage point move in volatility
	Vega float64 `json:"vega"`
	// Rho is the price change for a one percentage point move in the risk-free rate
	Rho float64 `json:"rho"`
}

// GreeksSource records where the Greeks on a TradeMetrics came from.
type GreeksSource string

// Greeks sources
const (
	GreeksFromProvider GreeksSource = "provider"
	GreeksFromModel    GreeksSource = "model"
	GreeksMissing      GreeksSource = "missing"
)

// TradeMetrics are the trade-level figures for selling one put, in per-share units.
type TradeMetrics struct {
	Contract Contract `json:"contract"`

	Premium          float64 `json:"premium"`
	DaysToExpiration int     `json:"days_to_expiration"`

	// AnnualizedReturn is premium / (strike - premium) * 365 / DTE, as a fraction
	AnnualizedReturn float64 `json:"annualized_return"`

	Breakeven float64 `json:"breakeven"`
	MaxProfit float64 `json:"max_profit"`
	MaxLoss   float64 `json:"max_loss"`

	// ProfitProbability is |delta|. It is an approximation, not a lognormal probability.
	ProfitProbability float64 `json:"profit_probability"`

	Greeks       Greeks       `json:"greeks"`
	GreeksSource GreeksSource `json:"greeks_source"`

	// TheoreticalValue is the Black-Scholes value when implied volatility is known
	TheoreticalValue float64 `json:"theoretical_value"`
	Edge             float64 `json:"edge"`
}

// ComparisonMetric is one ranked candidate inside a comparison set.
type ComparisonMetric struct {
	TradeMetrics

	ProbabilityOfProfit float64 `json:"probability_of_profit"`
	ExpectedReturn      float64 `json:"expected_return"`
	RiskAdjustedReturn  float64 `json:"risk_adjusted_return"`
	CapitalEfficiency   float64 `json:"capital_efficiency"`
	LiquidityScore      float64 `json:"liquidity_score"`
	TimeDecay           float64 `json:"time_decay"`
	OverallScore        float64 `json:"overall_score"`
	Rank                int     `json:"rank"`
}

// ScenarioResult describes one contract that survives a price shock.
type ScenarioResult struct {
	Symbol     string    `json:"symbol"`
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
	Premium    float64   `json:"premium"`

	// SafetyBuffer is the percentage distance from the crash price down to the strike
	SafetyBuffer float64 `json:"safety_buffer"`

	// AnnualizedReturn is expressed in percent
	AnnualizedReturn float64 `json:"annualized_return"`

	WouldBeAssigned bool `json:"would_be_assigned"`
	DaysToExpiry    int  `json:"days_to_expiry"`

	// MaxLoss and ReturnOnRisk are per contract (x100 shares); ReturnOnRisk in percent
	MaxLoss      float64 `json:"max_loss"`
	ReturnOnRisk float64 `json:"return_on_risk"`

	Volume       int64 `json:"volume"`
	OpenInterest int64 `json:"open_interest"`
}
