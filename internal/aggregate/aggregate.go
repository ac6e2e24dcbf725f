// Package aggregate summarizes a batch of trade metrics into chain-level statistics.
package aggregate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/yourorg/putdesk/internal/model"
)

// DefaultTrimPercent is the share cut from each tail before the trimmed mean.
const DefaultTrimPercent = 0.10

// ChainStats describes one screened chain.
type ChainStats struct {
	Count int `json:"count"`

	// WeightedIV is the open-interest weighted implied volatility
	WeightedIV float64 `json:"weighted_iv"`

	MedianReturn      float64 `json:"median_annualized_return"`
	TrimmedMeanReturn float64 `json:"trimmed_mean_annualized_return"`
	MedianPremium     float64 `json:"median_premium"`

	MeanProfitProbability float64 `json:"mean_profit_probability"`

	TotalVolume       int64 `json:"total_volume"`
	TotalOpenInterest int64 `json:"total_open_interest"`

	MinStrike float64 `json:"min_strike"`
	MaxStrike float64 `json:"max_strike"`
}

// WeightedIV returns the open-interest weighted implied volatility of the contracts with a known IV.
// When none of them carries open interest the plain mean is used.
func WeightedIV(batch []model.TradeMetrics) float64 {
	ivs := make([]float64, 0, len(batch))
	weights := make([]float64, 0, len(batch))
	var totalOI float64

	for _, m := range batch {
		iv := m.Contract.ImpliedVolatility
		if iv <= 0 || math.IsNaN(iv) || math.IsInf(iv, 0) {
			continue
		}
		oi := float64(m.Contract.OpenInterest)
		if oi < 0 {
			oi = 0
		}
		ivs = append(ivs, iv)
		weights = append(weights, oi)
		totalOI += oi
	}

	if len(ivs) == 0 {
		return 0
	}
	if totalOI <= 0 {
		return stat.Mean(ivs, nil)
	}
	return model.Sanitize(stat.Mean(ivs, weights))
}

// Median returns the median of selector over batch, averaging the middle pair for even counts.
func Median(batch []model.TradeMetrics, selector func(model.TradeMetrics) float64) float64 {
	values := collect(batch, selector)
	if len(values) == 0 {
		return 0
	}

	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// TrimmedMean drops trimPercent of the values from each tail and averages the rest.
// Batches under three values, or a trim outside (0, 0.5), fall back to the plain mean.
func TrimmedMean(batch []model.TradeMetrics, selector func(model.TradeMetrics) float64, trimPercent float64) float64 {
	values := collect(batch, selector)
	if len(values) == 0 {
		return 0
	}
	if len(values) < 3 || trimPercent <= 0 || trimPercent >= 0.5 {
		return stat.Mean(values, nil)
	}

	sort.Float64s(values)
	trim := int(float64(len(values)) * trimPercent)
	return stat.Mean(values[trim:len(values)-trim], nil)
}

// Summarize computes ChainStats for batch.
func Summarize(batch []model.TradeMetrics) ChainStats {
	s := ChainStats{Count: len(batch)}
	if len(batch) == 0 {
		return s
	}

	annualized := func(m model.TradeMetrics) float64 { return m.AnnualizedReturn }
	premium := func(m model.TradeMetrics) float64 { return m.Premium }
	probability := func(m model.TradeMetrics) float64 { return m.ProfitProbability }

	s.WeightedIV = WeightedIV(batch)
	s.MedianReturn = Median(batch, annualized)
	s.TrimmedMeanReturn = TrimmedMean(batch, annualized, DefaultTrimPercent)
	s.MedianPremium = Median(batch, premium)
	s.MeanProfitProbability = stat.Mean(collect(batch, probability), nil)

	s.MinStrike = math.Inf(1)
	for _, m := range batch {
		s.TotalVolume += m.Contract.Volume
		s.TotalOpenInterest += m.Contract.OpenInterest
		s.MinStrike = math.Min(s.MinStrike, m.Contract.Strike)
		s.MaxStrike = math.Max(s.MaxStrike, m.Contract.Strike)
	}
	return s
}

func collect(batch []model.TradeMetrics, selector func(model.TradeMetrics) float64) []float64 {
	values := make([]float64, 0, len(batch))
	for _, m := range batch {
		v := selector(m)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}
	return values
}
