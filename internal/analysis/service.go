// Package analysis runs the analytics engine over live chains: it fetches a symbol's
// chain, guards it with the circuit breaker and feeds the puts through the calculator,
// the filter engine, the comparison scorer and the scenario projector.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/putdesk/internal/aggregate"
	"github.com/yourorg/putdesk/internal/assistant"
	"github.com/yourorg/putdesk/internal/calc"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/filter"
	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/otel"
	"github.com/yourorg/putdesk/internal/scenario"
)

var (
	// ErrUnavailable is returned when no trustworthy chain can be served for a symbol.
	ErrUnavailable = errors.New("market data unavailable")

	// ErrContractNotFound is the cause of the validation error for an unknown contract symbol.
	ErrContractNotFound = errors.New("contract not found in chain")
)

// MaxScanSymbols bounds the number of underlyings screened in one Scan.
const MaxScanSymbols = 20

// scanConcurrency bounds the number of chains fetched at once by Scan.
const scanConcurrency = 4

// summaryRows is how many rows a published summary carries.
const summaryRows = 5

// Deps are the collaborators of a Service. Publisher may be nil.
type Deps struct {
	Provider   fetch.Provider
	Breaker    *circuitbreaker.CircuitBreaker
	Calculator *calc.Calculator
	Scorer     *compare.Scorer
	Projector  *scenario.Projector
	Publisher  *assistant.Publisher

	// MaxDaysToExpiration bounds the expirations fetched per symbol
	MaxDaysToExpiration int
}

// Service answers screen, compare and stress requests. It holds no per-request state.
type Service struct {
	fetcher   *fetch.ChainFetcher
	breaker   *circuitbreaker.CircuitBreaker
	calc      *calc.Calculator
	scorer    *compare.Scorer
	projector *scenario.Projector
	publisher *assistant.Publisher
}

// NewService wires a Service. The calculator's clock also selects expirations.
func NewService(d Deps) *Service {
	return &Service{
		fetcher:   fetch.NewChainFetcher(d.Provider, d.MaxDaysToExpiration).WithClock(d.Calculator.Now),
		breaker:   d.Breaker,
		calc:      d.Calculator,
		scorer:    d.Scorer,
		projector: d.Projector,
		publisher: d.Publisher,
	}
}

// Chain is a symbol's chain as served to the analytics engine.
type Chain struct {
	fetch.ChainSnapshot

	// Stale is set when the breaker's last good chain is served instead of a fresh one
	Stale bool `json:"stale"`
}

// ScreenRequest holds the screen inputs.
type ScreenRequest struct {
	Criteria filter.Criteria
	SortKey  filter.SortKey
	Order    filter.Order
}

// DefaultScreenRequest screens with the default criteria, best return first.
func DefaultScreenRequest() ScreenRequest {
	return ScreenRequest{
		Criteria: filter.DefaultCriteria(),
		SortKey:  filter.ByAnnualizedReturn,
		Order:    filter.Descending,
	}
}

// ScreenResult is a filtered, sorted put chain.
type ScreenResult struct {
	Symbol          string               `json:"symbol"`
	UnderlyingPrice float64              `json:"underlying_price"`
	AsOf            time.Time            `json:"as_of"`
	Stale           bool                 `json:"stale"`
	Viable          int                  `json:"viable"`
	Stats           aggregate.ChainStats `json:"stats"`
	Contracts       []model.TradeMetrics `json:"contracts"`
}

// CompareResult is a ranked comparison of chosen contracts.
type CompareResult struct {
	Symbol          string    `json:"symbol"`
	UnderlyingPrice float64   `json:"underlying_price"`
	AsOf            time.Time `json:"as_of"`
	Stale           bool      `json:"stale"`
	*compare.Comparison
}

// StressResult is the outcome of a crash projection.
type StressResult struct {
	Symbol     string                 `json:"symbol"`
	AsOf       time.Time              `json:"as_of"`
	Stale      bool                   `json:"stale"`
	Params     scenario.Params        `json:"params"`
	CrashPrice float64                `json:"crash_price"`
	Results    []model.ScenarioResult `json:"results"`
}

// Chain fetches symbol's chain and passes it through the circuit breaker. When the fetch
// fails or the breaker rejects the chain, the last good chain is served marked stale.
func (s *Service) Chain(ctx context.Context, symbol string) (chain Chain, err error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Chain{}, &model.ValidationError{Field: "symbol", Reason: "must not be empty"}
	}

	ctx, span := otel.Tracer().Start(ctx, "analysis.Chain")
	span.SetAttributes(attribute.String("symbol", symbol))
	defer func() {
		otel.RecordError(ctx, err)
		span.End()
	}()

	snap, fetchErr := s.fetcher.Fetch(ctx, symbol)
	if fetchErr == nil {
		checkErr := s.breaker.Check(symbol, snap.UnderlyingPrice, snap.Contracts)
		if checkErr == nil {
			return Chain{ChainSnapshot: snap}, nil
		}
		if errors.Is(checkErr, circuitbreaker.ErrEmptyChain) {
			return Chain{}, fmt.Errorf("%s: %w", symbol, fetch.ErrNoData)
		}
		fetchErr = fmt.Errorf("%w: %v", ErrUnavailable, checkErr)
	}

	contracts, price, at, ok := s.breaker.LastGoodChain(symbol)
	if !ok {
		return Chain{}, fetchErr
	}
	logrus.WithFields(logrus.Fields{
		"symbol": symbol,
		"as_of":  at,
	}).Warnf("Serving last good chain: %v", fetchErr)

	return Chain{
		ChainSnapshot: fetch.ChainSnapshot{
			Symbol:          symbol,
			UnderlyingPrice: price,
			Contracts:       contracts,
			FetchedAt:       at,
		},
		Stale: true,
	}, nil
}

// Screen computes trade metrics for every viable put of symbol, then filters and sorts them.
func (s *Service) Screen(ctx context.Context, symbol string, req ScreenRequest) (*ScreenResult, error) {
	if err := req.Criteria.Validate(); err != nil {
		return nil, err
	}

	chain, err := s.Chain(ctx, symbol)
	if err != nil {
		return nil, err
	}

	metrics, err := s.calc.Batch(chain.Puts())
	if err != nil {
		return nil, err
	}

	filtered := filter.ApplyConcurrently(metrics, req.Criteria)
	sorted := filter.Sort(filtered, req.SortKey, req.Order)

	res := &ScreenResult{
		Symbol:          chain.Symbol,
		UnderlyingPrice: chain.UnderlyingPrice,
		AsOf:            chain.FetchedAt,
		Stale:           chain.Stale,
		Viable:          len(metrics),
		Stats:           aggregate.Summarize(sorted),
		Contracts:       sorted,
	}

	s.publish(assistant.SummarizeScreen(res.Symbol, res.UnderlyingPrice, res.Contracts, res.Stats, summaryRows, s.calc.Now()))
	return res, nil
}

// Scan screens several symbols concurrently. Results keep the order of symbols; the
// first failure cancels the rest.
func (s *Service) Scan(ctx context.Context, symbols []string, req ScreenRequest) ([]*ScreenResult, error) {
	if len(symbols) == 0 {
		return nil, &model.ValidationError{Field: "symbols", Reason: "at least one symbol is required"}
	}
	if len(symbols) > MaxScanSymbols {
		return nil, model.NewValidationError("symbols", float64(len(symbols)),
			fmt.Sprintf("at most %d symbols per scan", MaxScanSymbols))
	}

	results := make([]*ScreenResult, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	for i, sym := range symbols {
		g.Go(func() error {
			res, err := s.Screen(gctx, sym, req)
			if err != nil {
				return fmt.Errorf("%s: %w", sym, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Compare ranks the named contracts of symbol's chain against each other and sweeps them
// across the scenario grid.
func (s *Service) Compare(ctx context.Context, symbol string, contracts []string) (*CompareResult, error) {
	if err := compare.CheckCount(len(contracts)); err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, &model.ValidationError{Field: "contracts", Reason: "at least one contract is required"}
	}

	chain, err := s.Chain(ctx, symbol)
	if err != nil {
		return nil, err
	}

	selected := make([]model.TradeMetrics, 0, len(contracts))
	for _, name := range contracts {
		ct, err := findContract(chain.Contracts, name)
		if err != nil {
			return nil, err
		}
		m, err := s.calc.Metrics(ct)
		if err != nil {
			return nil, err
		}
		selected = append(selected, m)
	}

	cmp, err := s.scorer.Compare(selected, chain.UnderlyingPrice)
	if err != nil {
		return nil, err
	}

	res := &CompareResult{
		Symbol:          chain.Symbol,
		UnderlyingPrice: chain.UnderlyingPrice,
		AsOf:            chain.FetchedAt,
		Stale:           chain.Stale,
		Comparison:      cmp,
	}
	s.publish(assistant.SummarizeComparison(res.Symbol, res.UnderlyingPrice, cmp, s.calc.Now()))
	return res, nil
}

// Stress projects symbol's puts against a crash of crashPercent from the current price.
func (s *Service) Stress(ctx context.Context, symbol string, crashPercent, targetReturn, months float64) (*StressResult, error) {
	chain, err := s.Chain(ctx, symbol)
	if err != nil {
		return nil, err
	}

	params := scenario.Params{
		CurrentPrice:    chain.UnderlyingPrice,
		CrashPercent:    crashPercent,
		TargetReturn:    targetReturn,
		TimeframeMonths: months,
	}
	results, err := s.projector.Project(chain.Puts(), params)
	if err != nil {
		return nil, err
	}

	res := &StressResult{
		Symbol:     chain.Symbol,
		AsOf:       chain.FetchedAt,
		Stale:      chain.Stale,
		Params:     params,
		CrashPrice: params.CrashPrice(),
		Results:    results,
	}
	s.publish(assistant.SummarizeStress(res.Symbol, params, results, summaryRows, s.calc.Now()))
	return res, nil
}

// Contract looks up one contract of symbol's chain, stamped with the underlying price.
func (s *Service) Contract(ctx context.Context, symbol, contract string) (model.Contract, error) {
	chain, err := s.Chain(ctx, symbol)
	if err != nil {
		return model.Contract{}, err
	}
	return findContract(chain.Contracts, contract)
}

func (s *Service) publish(sum assistant.Summary) {
	if s.publisher != nil {
		s.publisher.Add(sum)
	}
}

func findContract(contracts []model.Contract, name string) (model.Contract, error) {
	for _, c := range contracts {
		if strings.EqualFold(c.Symbol, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return model.Contract{}, &model.ValidationError{
		Field:  "contract",
		Reason: fmt.Sprintf("%q is not in the chain", name),
		Err:    ErrContractNotFound,
	}
}
