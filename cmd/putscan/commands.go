package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/filter"
)

const commandTimeout = 2 * time.Minute

type screenOptions struct {
	minReturn  float64
	deltaMin   float64
	deltaMax   float64
	noDelta    bool
	minDTE     int
	maxDTE     int
	minPremium float64
	maxPremium float64
	sort       string
	order      string
	limit      int
}

func newScreenCmd(root *rootOptions) *cobra.Command {
	defaults := filter.DefaultCriteria()
	opts := &screenOptions{}

	cmd := &cobra.Command{
		Use:   "screen SYMBOL",
		Short: "List the puts of a symbol that pass the screening criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScreen(cmd, root, opts, args[0])
		},
	}
	cmd.SilenceUsage = true

	f := cmd.Flags()
	f.Float64Var(&opts.minReturn, "min-return", defaults.MinAnnualizedReturn, "minimum annualized return as a fraction (0.15 = 15%)")
	f.Float64Var(&opts.deltaMin, "delta-min", defaults.Delta.Min, "lowest put delta")
	f.Float64Var(&opts.deltaMax, "delta-max", defaults.Delta.Max, "highest put delta")
	f.BoolVar(&opts.noDelta, "no-delta", false, "do not filter on delta")
	f.IntVar(&opts.minDTE, "min-dte", defaults.MinDaysToExpiration, "minimum days to expiration")
	f.IntVar(&opts.maxDTE, "max-dte", defaults.MaxDaysToExpiration, "maximum days to expiration, 0 for none")
	f.Float64Var(&opts.minPremium, "min-premium", defaults.MinPremium, "minimum premium per share")
	f.Float64Var(&opts.maxPremium, "max-premium", defaults.MaxPremium, "maximum premium per share, 0 for none")
	f.StringVar(&opts.sort, "sort", string(filter.ByAnnualizedReturn), "sort key: annualizedReturn, premium, daysToExpiration or delta")
	f.StringVar(&opts.order, "order", string(filter.Descending), "sort order: asc or desc")
	f.IntVar(&opts.limit, "limit", 20, "rows to print, 0 for all")

	return cmd
}

func (o *screenOptions) request() (analysis.ScreenRequest, error) {
	req := analysis.DefaultScreenRequest()
	req.Criteria.MinAnnualizedReturn = o.minReturn
	req.Criteria.Delta.Enabled = !o.noDelta
	req.Criteria.Delta.Min = o.deltaMin
	req.Criteria.Delta.Max = o.deltaMax
	req.Criteria.MinDaysToExpiration = o.minDTE
	req.Criteria.MaxDaysToExpiration = o.maxDTE
	req.Criteria.MinPremium = o.minPremium
	req.Criteria.MaxPremium = o.maxPremium

	var err error
	if req.SortKey, err = filter.ParseSortKey(o.sort); err != nil {
		return req, err
	}
	if req.Order, err = filter.ParseOrder(o.order); err != nil {
		return req, err
	}
	return req, nil
}

func runScreen(cmd *cobra.Command, root *rootOptions, opts *screenOptions, symbol string) error {
	req, err := opts.request()
	if err != nil {
		return err
	}
	svc, err := root.service()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := svc.Screen(ctx, symbol, req)
	if err != nil {
		return fmt.Errorf("screen %s: %w", strings.ToUpper(symbol), err)
	}

	if root.jsonMode {
		return writeJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Puts for %s @ %.2f%s\n", res.Symbol, res.UnderlyingPrice, staleNote(res.Stale))
	_, _ = fmt.Fprintf(out, "%d of %d viable contracts match\n\n", len(res.Contracts), res.Viable)
	if len(res.Contracts) == 0 {
		return nil
	}

	_, _ = fmt.Fprintf(out, "%-22s  %8s  %10s  %4s  %8s  %8s  %7s\n", "Contract", "Strike", "Expiration", "DTE", "Premium", "Return", "Delta")
	_, _ = fmt.Fprintf(out, "%s\n", strings.Repeat("-", 77))
	for i, m := range res.Contracts {
		if opts.limit > 0 && i == opts.limit {
			break
		}
		_, _ = fmt.Fprintf(out, "%-22s  %8.2f  %10s  %4d  %8.2f  %7.1f%%  %7.2f\n",
			m.Contract.Symbol, m.Contract.Strike, m.Contract.Expiration.Format("2006-01-02"),
			m.DaysToExpiration, m.Premium, m.AnnualizedReturn*100, m.Greeks.Delta)
	}

	_, _ = fmt.Fprintf(out, "\nMedian return %.1f%%, median premium %.2f, weighted IV %.1f%%\n",
		res.Stats.MedianReturn*100, res.Stats.MedianPremium, res.Stats.WeightedIV*100)
	return nil
}

func newCompareCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare SYMBOL CONTRACT [CONTRACT...]",
		Short: "Rank up to three puts of a symbol against each other",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd, root, args[0], args[1:])
		},
	}
	cmd.SilenceUsage = true
	return cmd
}

func runCompare(cmd *cobra.Command, root *rootOptions, symbol string, contracts []string) error {
	svc, err := root.service()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := svc.Compare(ctx, symbol, contracts)
	if err != nil {
		return fmt.Errorf("compare %s: %w", strings.ToUpper(symbol), err)
	}

	if root.jsonMode {
		return writeJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Comparison for %s @ %.2f%s\n\n", res.Symbol, res.UnderlyingPrice, staleNote(res.Stale))
	_, _ = fmt.Fprintf(out, "%-4s  %-22s  %8s  %8s  %7s  %7s  %9s  %6s\n", "Rank", "Contract", "Strike", "Premium", "Return", "PoP", "Liquidity", "Score")
	_, _ = fmt.Fprintf(out, "%s\n", strings.Repeat("-", 86))
	for _, c := range res.Candidates {
		_, _ = fmt.Fprintf(out, "%-4d  %-22s  %8.2f  %8.2f  %6.1f%%  %6.1f%%  %9.1f  %6.1f\n",
			c.Rank, c.Contract.Symbol, c.Contract.Strike, c.Premium,
			c.AnnualizedReturn*100, c.ProbabilityOfProfit, c.LiquidityScore, c.OverallScore)
	}

	if len(res.ExpectedValues) > 0 {
		_, _ = fmt.Fprintf(out, "\nExpected value across %d scenarios\n", len(res.Scenarios))
		for _, ev := range res.ExpectedValues {
			_, _ = fmt.Fprintf(out, "  %-22s  P&L %7.2f/share  ROI %6.2f%%\n", ev.Symbol, ev.ExpectedPnL, ev.ExpectedROI)
		}
	}
	return nil
}

type stressOptions struct {
	crash  float64
	target float64
	months float64
	limit  int
}

func newStressCmd(root *rootOptions) *cobra.Command {
	opts := &stressOptions{}

	cmd := &cobra.Command{
		Use:   "stress SYMBOL",
		Short: "List the puts that stay out of the money through a market crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd, root, opts, args[0])
		},
	}
	cmd.SilenceUsage = true

	f := cmd.Flags()
	f.Float64Var(&opts.crash, "crash", 30, "crash size in percent of the current price")
	f.Float64Var(&opts.target, "target", 20, "minimum annualized return in percent")
	f.Float64Var(&opts.months, "months", 3, "latest expiration, in months from now")
	f.IntVar(&opts.limit, "limit", 20, "rows to print, 0 for all")

	return cmd
}

func runStress(cmd *cobra.Command, root *rootOptions, opts *stressOptions, symbol string) error {
	svc, err := root.service()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := svc.Stress(ctx, symbol, opts.crash, opts.target, opts.months)
	if err != nil {
		return fmt.Errorf("stress %s: %w", strings.ToUpper(symbol), err)
	}

	if root.jsonMode {
		return writeJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s crash of %.0f%% to %.2f%s\n", res.Symbol, res.Params.CrashPercent, res.CrashPrice, staleNote(res.Stale))
	if len(res.Results) == 0 {
		_, _ = fmt.Fprintln(out, "No puts meet the target return with a safe strike")
		return nil
	}

	_, _ = fmt.Fprintf(out, "\n%-22s  %8s  %10s  %4s  %8s  %7s  %8s  %9s\n", "Contract", "Strike", "Expiration", "DTE", "Premium", "Buffer", "Return", "Max loss")
	_, _ = fmt.Fprintf(out, "%s\n", strings.Repeat("-", 88))
	for i, r := range res.Results {
		if opts.limit > 0 && i == opts.limit {
			break
		}
		_, _ = fmt.Fprintf(out, "%-22s  %8.2f  %10s  %4d  %8.2f  %6.2f%%  %7.1f%%  %9.2f\n",
			r.Symbol, r.Strike, r.Expiration.Format("2006-01-02"), r.DaysToExpiry,
			r.Premium, r.SafetyBuffer, r.AnnualizedReturn, r.MaxLoss)
	}
	return nil
}
