// Package assistant turns analysis output into plain numeric summaries for the chat
// assistant and ships them to its webhook in batches.
package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/putdesk/internal/aggregate"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/scenario"
)

// Kind names the analysis a summary came from.
type Kind string

// Summary kinds
const (
	KindScreen  Kind = "screen"
	KindCompare Kind = "compare"
	KindStress  Kind = "stress"
)

// Summary is one formatted analysis result.
type Summary struct {
	Kind            Kind      `json:"kind"`
	Symbol          string    `json:"symbol"`
	UnderlyingPrice float64   `json:"underlying_price"`
	GeneratedAt     time.Time `json:"generated_at"`
	Lines           []string  `json:"lines"`
}

// Text joins the summary into a single block.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s @ %.2f\n", strings.ToUpper(string(s.Kind)), s.Symbol, s.UnderlyingPrice)
	for _, l := range s.Lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func contractLine(m model.TradeMetrics) string {
	return fmt.Sprintf("%s strike %.2f exp %s dte %d premium %.2f return %.1f%% delta %.2f pop %.0f%%",
		m.Contract.Symbol, m.Contract.Strike, m.Contract.Expiration.Format("2006-01-02"),
		m.DaysToExpiration, m.Premium, m.AnnualizedReturn*100, m.Greeks.Delta, m.ProfitProbability*100)
}

// SummarizeScreen describes a screened chain: its statistics and the first limit rows.
func SummarizeScreen(symbol string, price float64, rows []model.TradeMetrics, stats aggregate.ChainStats, limit int, at time.Time) Summary {
	s := Summary{Kind: KindScreen, Symbol: symbol, UnderlyingPrice: price, GeneratedAt: at}
	s.Lines = append(s.Lines, fmt.Sprintf("%d contracts, weighted IV %.1f%%, median return %.1f%%, median premium %.2f",
		stats.Count, stats.WeightedIV*100, stats.MedianReturn*100, stats.MedianPremium))

	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	for _, m := range rows[:limit] {
		s.Lines = append(s.Lines, contractLine(m))
	}
	return s
}

// SummarizeComparison describes ranked candidates and their expected values.
func SummarizeComparison(symbol string, price float64, c *compare.Comparison, at time.Time) Summary {
	s := Summary{Kind: KindCompare, Symbol: symbol, UnderlyingPrice: price, GeneratedAt: at}
	if c == nil {
		return s
	}
	for _, m := range c.Candidates {
		s.Lines = append(s.Lines, fmt.Sprintf("#%d score %.1f %s liquidity %.0f efficiency %.2f%% expected %.2f",
			m.Rank, m.OverallScore, contractLine(m.TradeMetrics), m.LiquidityScore, m.CapitalEfficiency, m.ExpectedReturn))
	}
	for _, ev := range c.ExpectedValues {
		s.Lines = append(s.Lines, fmt.Sprintf("%s expected P&L %.2f/share, expected ROI %.2f%%",
			ev.Symbol, ev.ExpectedPnL, ev.ExpectedROI))
	}
	return s
}

// SummarizeStress describes the strikes that survive a crash, best first.
func SummarizeStress(symbol string, p scenario.Params, results []model.ScenarioResult, limit int, at time.Time) Summary {
	s := Summary{Kind: KindStress, Symbol: symbol, UnderlyingPrice: p.CurrentPrice, GeneratedAt: at}
	s.Lines = append(s.Lines, fmt.Sprintf("crash %.0f%% to %.2f, target %.1f%%, within %.0f months: %d strikes",
		p.CrashPercent, p.CrashPrice(), p.TargetReturn, p.TimeframeMonths, len(results)))

	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}
	for _, r := range results[:limit] {
		s.Lines = append(s.Lines, fmt.Sprintf("%s strike %.2f buffer %.2f%% return %.1f%% return on risk %.2f%% max loss %.0f",
			r.Symbol, r.Strike, r.SafetyBuffer, r.AnnualizedReturn, r.ReturnOnRisk, r.MaxLoss))
	}
	return s
}
