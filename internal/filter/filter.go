// Package filter narrows and orders batches of trade metrics.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/model"
)

// DeltaRange bounds put delta. It is only applied when Enabled is set.
type DeltaRange struct {
	Enabled bool    `json:"enabled"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Criteria holds the user-configurable screening bounds. All bounds are inclusive.
// A Max value of zero or less means "no upper bound".
type Criteria struct {
	// MinAnnualizedReturn is a fraction (0.15 for 15%)
	MinAnnualizedReturn float64 `json:"min_annualized_return"`

	Delta DeltaRange `json:"delta"`

	MinDaysToExpiration int `json:"min_days_to_expiration"`
	MaxDaysToExpiration int `json:"max_days_to_expiration"`

	MinPremium float64 `json:"min_premium"`
	MaxPremium float64 `json:"max_premium"`
}

// DefaultCriteria targets the usual short-put delta band and leaves every other bound open.
func DefaultCriteria() Criteria {
	return Criteria{
		Delta: DeltaRange{
			Enabled: true,
			Min:     -0.5,
			Max:     -0.3,
		},
	}
}

// Validate rejects non-finite bounds and inverted bands.
func (c Criteria) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"min_annualized_return", c.MinAnnualizedReturn},
		{"delta.min", c.Delta.Min},
		{"delta.max", c.Delta.Max},
		{"min_premium", c.MinPremium},
		{"max_premium", c.MaxPremium},
	} {
		if err := model.RequireFinite(f.name, f.v); err != nil {
			return err
		}
	}
	if c.Delta.Enabled && c.Delta.Min > c.Delta.Max {
		return model.NewValidationError("delta.min", c.Delta.Min, fmt.Sprintf("greater than delta.max %v", c.Delta.Max))
	}
	if c.MaxDaysToExpiration > 0 && c.MinDaysToExpiration > c.MaxDaysToExpiration {
		return model.NewValidationError("min_days_to_expiration", float64(c.MinDaysToExpiration), "greater than max_days_to_expiration")
	}
	if c.MaxPremium > 0 && c.MinPremium > c.MaxPremium {
		return model.NewValidationError("min_premium", c.MinPremium, "greater than max_premium")
	}
	return nil
}

// Matches reports whether m satisfies every active bound.
func (c Criteria) Matches(m model.TradeMetrics) bool {
	if m.AnnualizedReturn < c.MinAnnualizedReturn {
		return false
	}
	if c.Delta.Enabled && (m.Greeks.Delta < c.Delta.Min || m.Greeks.Delta > c.Delta.Max) {
		return false
	}
	if m.DaysToExpiration < c.MinDaysToExpiration {
		return false
	}
	if c.MaxDaysToExpiration > 0 && m.DaysToExpiration > c.MaxDaysToExpiration {
		return false
	}
	if m.Premium < c.MinPremium {
		return false
	}
	if c.MaxPremium > 0 && m.Premium > c.MaxPremium {
		return false
	}
	return true
}

// Apply returns the metrics that pass all criteria, in input order.
func Apply(batch []model.TradeMetrics, c Criteria) []model.TradeMetrics {
	out := make([]model.TradeMetrics, 0, len(batch))
	for _, m := range batch {
		if c.Matches(m) {
			out = append(out, m)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"symbol":            m.Contract.Symbol,
			"annualized_return": m.AnnualizedReturn,
			"delta":             m.Greeks.Delta,
			"dte":               m.DaysToExpiration,
		}).Debug("Filtered contract")
	}
	return out
}

// ApplyConcurrently filters large batches in parallel chunks. Output order matches Apply.
func ApplyConcurrently(batch []model.TradeMetrics, c Criteria) []model.TradeMetrics {
	if len(batch) < 100 {
		// small chains are not worth the goroutines
		return Apply(batch, c)
	}

	workerCount := 4
	chunkSize := (len(batch) + workerCount - 1) / workerCount
	results := make([][]model.TradeMetrics, workerCount)
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		if start >= len(batch) {
			break
		}
		end := start + chunkSize
		if end > len(batch) {
			end = len(batch)
		}

		wg.Add(1)
		go func(slot int, chunk []model.TradeMetrics) {
			defer wg.Done()
			results[slot] = Apply(chunk, c)
		}(i, batch[start:end])
	}
	wg.Wait()

	out := make([]model.TradeMetrics, 0, len(batch))
	for _, chunk := range results {
		out = append(out, chunk...)
	}
	return out
}

// SortKey names a field to order metrics by.
type SortKey string

// Sort keys
const (
	ByAnnualizedReturn SortKey = "annualizedReturn"
	ByPremium          SortKey = "premium"
	ByDaysToExpiration SortKey = "daysToExpiration"
	ByDelta            SortKey = "delta"
)

// Order is the sort direction.
type Order string

// Sort orders
const (
	Ascending  Order = "asc"
	Descending Order = "desc"
)

// ParseSortKey accepts the camelCase key names plus a few common aliases.
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "annualizedreturn", "annualized_return", "return":
		return ByAnnualizedReturn, nil
	case "premium":
		return ByPremium, nil
	case "daystoexpiration", "days_to_expiration", "dte":
		return ByDaysToExpiration, nil
	case "delta":
		return ByDelta, nil
	}
	return "", &model.ValidationError{Field: "sort", Reason: fmt.Sprintf("unknown sort key %q", s)}
}

// ParseOrder accepts asc/ascending and desc/descending. Empty means descending.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desc", "descending":
		return Descending, nil
	case "asc", "ascending":
		return Ascending, nil
	}
	return "", &model.ValidationError{Field: "order", Reason: fmt.Sprintf("unknown order %q", s)}
}

func (k SortKey) value(m model.TradeMetrics) float64 {
	switch k {
	case ByPremium:
		return m.Premium
	case ByDaysToExpiration:
		return float64(m.DaysToExpiration)
	case ByDelta:
		return m.Greeks.Delta
	default:
		return m.AnnualizedReturn
	}
}

// Sort returns a stably ordered copy of batch. Equal keys keep their input order
// in both directions.
func Sort(batch []model.TradeMetrics, key SortKey, order Order) []model.TradeMetrics {
	out := make([]model.TradeMetrics, len(batch))
	copy(out, batch)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := key.value(out[i]), key.value(out[j])
		if order == Ascending {
			return a < b
		}
		return a > b
	})
	return out
}
