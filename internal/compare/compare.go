// Package compare ranks a handful of candidate puts against each other.
//
// Each candidate gets a set of 0-100 scaled sub-scores that are rolled into one weighted
// overall score. Candidates are ranked by overall score, then by lower strike, then by
// the order they were submitted in.
package compare

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/scenario"
)

// MaxCandidates is the largest comparison set accepted.
const MaxCandidates = 3

// DefaultVolatilityFloor replaces a zero implied volatility in the volatility-scaled terms.
const DefaultVolatilityFloor = 0.01

// ErrTooManyCandidates is the cause of the ValidationError returned for oversized sets.
var ErrTooManyCandidates = errors.New("too many candidates")

// Weights are the overall-score weights. They must sum to 1.
type Weights struct {
	Return            float64 `json:"return"`
	Probability       float64 `json:"probability"`
	CapitalEfficiency float64 `json:"capital_efficiency"`
	Liquidity         float64 `json:"liquidity"`
	InverseVolatility float64 `json:"inverse_volatility"`
}

// DefaultWeights returns the 30/25/20/15/10 weighting.
func DefaultWeights() Weights {
	return Weights{
		Return:            0.30,
		Probability:       0.25,
		CapitalEfficiency: 0.20,
		Liquidity:         0.15,
		InverseVolatility: 0.10,
	}
}

func (w Weights) values() []float64 {
	return []float64{w.Return, w.Probability, w.CapitalEfficiency, w.Liquidity, w.InverseVolatility}
}

// Validate checks that every weight is finite and non-negative and that they sum to 1.
func (w Weights) Validate() error {
	v := w.values()
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
			return model.NewValidationError("weights", x, "must be finite and non-negative")
		}
	}
	if sum := floats.Sum(v); math.Abs(sum-1) > 1e-9 {
		return model.NewValidationError("weights", sum, "must sum to 1")
	}
	return nil
}

// Comparison is the full output of Compare.
type Comparison struct {
	Candidates     []model.ComparisonMetric `json:"candidates"`
	Scenarios      scenario.Grid            `json:"scenarios"`
	Sweep          []scenario.Row           `json:"sweep"`
	ExpectedValues []scenario.ExpectedValue `json:"expected_values"`
}

// Scorer computes ComparisonMetrics. It is immutable and safe for concurrent use.
type Scorer struct {
	weights  Weights
	volFloor float64
	grid     scenario.Grid
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) Option {
	return func(s *Scorer) {
		s.weights = w
	}
}

// WithVolatilityFloor overrides DefaultVolatilityFloor.
func WithVolatilityFloor(floor float64) Option {
	return func(s *Scorer) {
		s.volFloor = floor
	}
}

// WithGrid overrides the scenario grid used by Compare.
func WithGrid(g scenario.Grid) Option {
	return func(s *Scorer) {
		s.grid = g
	}
}

// NewScorer creates a Scorer and validates its configuration.
func NewScorer(opts ...Option) (*Scorer, error) {
	s := &Scorer{
		weights:  DefaultWeights(),
		volFloor: DefaultVolatilityFloor,
		grid:     scenario.DefaultGrid(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.weights.Validate(); err != nil {
		return nil, err
	}
	if err := model.RequirePositive("volatility_floor", s.volFloor); err != nil {
		return nil, err
	}
	if err := s.grid.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Weights returns the configured weights.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// CheckCount returns a ValidationError wrapping ErrTooManyCandidates when n exceeds MaxCandidates.
func CheckCount(n int) error {
	if n > MaxCandidates {
		return &model.ValidationError{
			Field:  "candidates",
			Value:  float64(n),
			Reason: fmt.Sprintf("at most %d contracts can be compared", MaxCandidates),
			Err:    ErrTooManyCandidates,
		}
	}
	return nil
}

// Score computes the comparison metrics for selected and returns them ranked.
// More than MaxCandidates candidates is a validation error and nothing is scored.
func (s *Scorer) Score(selected []model.TradeMetrics) ([]model.ComparisonMetric, error) {
	if err := CheckCount(len(selected)); err != nil {
		return nil, err
	}

	out := make([]model.ComparisonMetric, len(selected))
	for i, m := range selected {
		out[i] = s.metric(m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OverallScore != out[j].OverallScore {
			return out[i].OverallScore > out[j].OverallScore
		}
		return out[i].Contract.Strike < out[j].Contract.Strike
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// Compare ranks selected and sweeps the same candidates across the scenario grid at currentPrice.
func (s *Scorer) Compare(selected []model.TradeMetrics, currentPrice float64) (*Comparison, error) {
	ranked, err := s.Score(selected)
	if err != nil {
		return nil, err
	}

	rows, err := scenario.Sweep(selected, currentPrice, s.grid)
	if err != nil {
		return nil, err
	}

	return &Comparison{
		Candidates:     ranked,
		Scenarios:      s.grid,
		Sweep:          rows,
		ExpectedValues: scenario.ExpectedValues(rows, s.grid),
	}, nil
}

func (s *Scorer) metric(m model.TradeMetrics) model.ComparisonMetric {
	pop := math.Abs(m.Greeks.Delta) * 100
	iv := m.Contract.ImpliedVolatility
	if iv <= 0 {
		iv = s.volFloor
	}

	var capitalEfficiency float64
	if m.Contract.Strike > 0 {
		capitalEfficiency = m.Premium / m.Contract.Strike * 100
	}

	c := model.ComparisonMetric{
		TradeMetrics:        m,
		ProbabilityOfProfit: pop,
		ExpectedReturn:      pop/100*m.MaxProfit - (1-pop/100)*m.MaxLoss,
		RiskAdjustedReturn:  model.Sanitize(m.AnnualizedReturn / iv),
		CapitalEfficiency:   capitalEfficiency,
		LiquidityScore:      LiquidityScore(m.Contract.Volume, m.Contract.OpenInterest),
		TimeDecay:           math.Abs(m.Greeks.Theta) * float64(m.DaysToExpiration),
	}

	w := s.weights
	c.OverallScore = model.Sanitize(w.Return*(m.AnnualizedReturn*100) +
		w.Probability*c.ProbabilityOfProfit +
		w.CapitalEfficiency*c.CapitalEfficiency +
		w.Liquidity*c.LiquidityScore +
		w.InverseVolatility*(100/iv))
	return c
}

// LiquidityScore is min(100, 0.3*volume + 0.7*openInterest).
func LiquidityScore(volume, openInterest int64) float64 {
	return math.Min(100, (0.3*float64(volume)+0.7*float64(openInterest))/100*100)
}
