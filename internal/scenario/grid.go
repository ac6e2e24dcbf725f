package scenario

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/yourorg/putdesk/internal/model"
)

// ProbabilityTolerance is how far the grid probabilities may drift from 1.
const ProbabilityTolerance = 1e-9

// Scenario is one hypothetical move of the underlying by expiration.
type Scenario struct {
	Name string `json:"name"`
	// PriceChange is the percentage move of the underlying, -15 for a 15% drop
	PriceChange float64 `json:"price_change"`
	Probability float64 `json:"probability"`
}

// Grid is a discrete probability distribution over scenarios.
type Grid []Scenario

// DefaultGrid is the five-point bear-to-bull distribution.
func DefaultGrid() Grid {
	return Grid{
		{Name: "Bear", PriceChange: -15, Probability: 0.15},
		{Name: "Mild Bear", PriceChange: -8, Probability: 0.20},
		{Name: "Sideways", PriceChange: 0, Probability: 0.30},
		{Name: "Mild Bull", PriceChange: 8, Probability: 0.20},
		{Name: "Bull", PriceChange: 15, Probability: 0.15},
	}
}

// Probabilities returns the scenario probabilities in grid order.
func (g Grid) Probabilities() []float64 {
	p := make([]float64, len(g))
	for i, s := range g {
		p[i] = s.Probability
	}
	return p
}

// Validate checks that the grid is non-empty, every probability lies in [0,1],
// no move takes the price to or below zero, and the probabilities sum to 1.
func (g Grid) Validate() error {
	if len(g) == 0 {
		return &model.ValidationError{Field: "scenarios", Reason: "grid is empty"}
	}
	for _, s := range g {
		if math.IsNaN(s.Probability) || s.Probability < 0 || s.Probability > 1 {
			return model.NewValidationError("scenario "+s.Name+" probability", s.Probability, "must be within [0,1]")
		}
		if math.IsNaN(s.PriceChange) || math.IsInf(s.PriceChange, 0) || s.PriceChange <= -100 {
			return model.NewValidationError("scenario "+s.Name+" price change", s.PriceChange, "must be finite and above -100")
		}
	}
	sum := floats.Sum(g.Probabilities())
	if math.Abs(sum-1) > ProbabilityTolerance {
		return model.NewValidationError("scenarios", sum, fmt.Sprintf("probabilities must sum to 1 (±%g)", ProbabilityTolerance))
	}
	return nil
}

// Outcome is the per-share result of holding a short put into one scenario.
type Outcome struct {
	Scenario   string  `json:"scenario"`
	FinalPrice float64 `json:"final_price"`
	Assigned   bool    `json:"assigned"`
	PnL        float64 `json:"pnl"`
	// ROI is PnL / strike, in percent
	ROI float64 `json:"roi"`
}

// Row holds one candidate's outcomes, indexed like the grid.
type Row struct {
	Symbol   string    `json:"symbol"`
	Strike   float64   `json:"strike"`
	Premium  float64   `json:"premium"`
	Outcomes []Outcome `json:"outcomes"`
}

// ExpectedValue is the probability-weighted P&L and ROI of one candidate.
type ExpectedValue struct {
	Symbol      string  `json:"symbol"`
	Strike      float64 `json:"strike"`
	ExpectedPnL float64 `json:"expected_pnl"`
	ExpectedROI float64 `json:"expected_roi"`
}

// Settle returns the outcome of a short put at strike, sold for premium, when the
// underlying finishes at finalPrice.
func Settle(strike, premium, finalPrice float64) (pnl, roi float64, assigned bool) {
	pnl = premium
	if finalPrice < strike {
		pnl = premium - (strike - finalPrice)
		assigned = true
	}
	return pnl, model.Sanitize(pnl / strike * 100), assigned
}

// Sweep evaluates every candidate under every scenario of grid.
func Sweep(selected []model.TradeMetrics, currentPrice float64, grid Grid) ([]Row, error) {
	if err := model.RequirePositive("current_price", currentPrice); err != nil {
		return nil, err
	}
	if err := grid.Validate(); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(selected))
	for _, m := range selected {
		row := Row{
			Symbol:   m.Contract.Symbol,
			Strike:   m.Contract.Strike,
			Premium:  m.Premium,
			Outcomes: make([]Outcome, len(grid)),
		}
		for i, s := range grid {
			final := currentPrice * (1 + s.PriceChange/100)
			pnl, roi, assigned := Settle(m.Contract.Strike, m.Premium, final)
			row.Outcomes[i] = Outcome{
				Scenario:   s.Name,
				FinalPrice: final,
				Assigned:   assigned,
				PnL:        pnl,
				ROI:        roi,
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ExpectedValues aggregates each row across the grid it was swept with.
func ExpectedValues(rows []Row, grid Grid) []ExpectedValue {
	probs := grid.Probabilities()
	out := make([]ExpectedValue, 0, len(rows))
	for _, r := range rows {
		pnl := make([]float64, len(r.Outcomes))
		roi := make([]float64, len(r.Outcomes))
		for i, o := range r.Outcomes {
			pnl[i] = o.PnL
			roi[i] = o.ROI
		}
		n := len(probs)
		if len(pnl) < n {
			n = len(pnl)
		}
		out = append(out, ExpectedValue{
			Symbol:      r.Symbol,
			Strike:      r.Strike,
			ExpectedPnL: floats.Dot(pnl[:n], probs[:n]),
			ExpectedROI: floats.Dot(roi[:n], probs[:n]),
		})
	}
	return out
}
