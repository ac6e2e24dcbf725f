package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/calc"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/config"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/scenario"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	snapshot string
	asOf     string
	maxDTE   int
	jsonMode bool
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "putscan",
		Short: "Screen, compare and stress-test cash-secured puts",
		Long: `putscan runs the putdesk analytics over a live provider or a chain snapshot.

Examples:
  putscan screen XYZ --snapshot chains.json
  putscan compare XYZ XYZ240605P00090000 XYZ240605P00095000 --snapshot chains.json
  putscan stress XYZ --crash 30 --target 20 --months 2 --json`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetOutput(cmd.ErrOrStderr())
			logrus.SetLevel(logrus.WarnLevel)
			if opts.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.snapshot, "snapshot", "", "read chains from a snapshot file instead of the provider")
	flags.StringVar(&opts.asOf, "as-of", "", "evaluate as of this date (YYYY-MM-DD) instead of now")
	flags.IntVar(&opts.maxDTE, "max-expiry-days", 0, "only fetch expirations within this many days (default from MAX_DTE)")
	flags.BoolVar(&opts.jsonMode, "json", false, "print JSON instead of a table")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(
		newScreenCmd(opts),
		newCompareCmd(opts),
		newStressCmd(opts),
	)
	return cmd
}

// service builds the analytics service from the environment and the shared flags.
func (o *rootOptions) service() (*analysis.Service, error) {
	cfg := config.Load()

	clock := time.Now
	if o.asOf != "" {
		at, err := time.Parse(fetch.ExpirationLayout, o.asOf)
		if err != nil {
			return nil, fmt.Errorf("invalid --as-of %q: %w", o.asOf, err)
		}
		at = at.Add(12 * time.Hour)
		clock = func() time.Time { return at }
	}
	if o.maxDTE > 0 {
		cfg.MaxDaysToExpiration = o.maxDTE
	}

	var provider fetch.Provider
	if o.snapshot != "" {
		p, err := fetch.LoadSnapshot(o.snapshot)
		if err != nil {
			return nil, err
		}
		provider = p
	} else {
		topts := fetch.DefaultTradierOptions()
		topts.BaseURL = cfg.ProviderURL
		topts.Token = cfg.ProviderToken
		topts.RequestsPerSecond = cfg.ProviderRPS
		topts.Timeout = cfg.RequestTimeout
		provider = fetch.NewTradierClient(topts)
	}

	c := calc.New(calc.Options{RiskFreeRate: cfg.RiskFreeRate, Clock: clock})
	scorer, err := compare.NewScorer(
		compare.WithWeights(cfg.ScoreWeights),
		compare.WithVolatilityFloor(cfg.VolatilityFloor),
		compare.WithGrid(cfg.ScenarioGrid),
	)
	if err != nil {
		return nil, err
	}

	return analysis.NewService(analysis.Deps{
		Provider:            provider,
		Breaker:             circuitbreaker.New(cfg.Thresholds()).WithClock(clock),
		Calculator:          c,
		Scorer:              scorer,
		Projector:           scenario.NewProjector(c, scenario.WithMinSafetyBuffer(cfg.MinSafetyBuffer)),
		MaxDaysToExpiration: cfg.MaxDaysToExpiration,
	}), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func staleNote(stale bool) string {
	if stale {
		return " [stale]"
	}
	return ""
}
