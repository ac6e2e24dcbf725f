package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/model"
)

// ChainSnapshot is every contract of one underlying across the fetched expirations.
type ChainSnapshot struct {
	Symbol          string           `json:"symbol"`
	UnderlyingPrice float64          `json:"underlying_price"`
	Contracts       []model.Contract `json:"contracts"`
	FetchedAt       time.Time        `json:"fetched_at"`

	// Expirations that were requested, and how many of them failed
	Expirations int `json:"expirations"`
	Failed      int `json:"failed"`
}

// Puts returns the put contracts of the snapshot.
func (s ChainSnapshot) Puts() []model.Contract {
	out := make([]model.Contract, 0, len(s.Contracts))
	for _, c := range s.Contracts {
		if c.IsPut() {
			out = append(out, c)
		}
	}
	return out
}

// ChainFetcher fans out one chain request per expiration and merges the results
type ChainFetcher struct {
	provider Provider
	maxDTE   int
	timeout  time.Duration
	clock    func() time.Time
}

// NewChainFetcher creates a fetcher that only requests expirations within maxDTE days.
// A maxDTE of zero or less fetches every listed expiration.
func NewChainFetcher(p Provider, maxDTE int) *ChainFetcher {
	return &ChainFetcher{
		provider: p,
		maxDTE:   maxDTE,
		timeout:  10 * time.Second,
		clock:    time.Now,
	}
}

// WithTimeout bounds each per-expiration request
func (f *ChainFetcher) WithTimeout(d time.Duration) *ChainFetcher {
	f.timeout = d
	return f
}

// WithClock sets the time source used to select expirations
func (f *ChainFetcher) WithClock(clock func() time.Time) *ChainFetcher {
	f.clock = clock
	return f
}

// Fetch retrieves the underlying price and the chains of every eligible expiration.
// Individual expirations may fail; Fetch only fails when all of them do.
func (f *ChainFetcher) Fetch(ctx context.Context, symbol string) (ChainSnapshot, error) {
	price, err := f.provider.Quote(ctx, symbol)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("quote %s: %w", symbol, err)
	}

	expirations, err := f.provider.Expirations(ctx, symbol)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("expirations %s: %w", symbol, err)
	}
	expirations = f.eligible(expirations)
	if len(expirations) == 0 {
		return ChainSnapshot{}, fmt.Errorf("%s within %d days: %w", symbol, f.maxDTE, ErrNoData)
	}

	var wg sync.WaitGroup
	resultCh := make(chan struct {
		expiration time.Time
		contracts  []model.Contract
		err        error
	}, len(expirations))

	for _, exp := range expirations {
		wg.Add(1)
		go func(exp time.Time) {
			defer wg.Done()

			reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			contracts, err := f.provider.Chain(reqCtx, symbol, exp)
			resultCh <- struct {
				expiration time.Time
				contracts  []model.Contract
				err        error
			}{exp, contracts, err}
		}(exp)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	snap := ChainSnapshot{
		Symbol:          symbol,
		UnderlyingPrice: price,
		FetchedAt:       f.clock(),
		Expirations:     len(expirations),
	}
	var firstErr error
	for result := range resultCh {
		if result.err != nil {
			snap.Failed++
			if firstErr == nil {
				firstErr = result.err
			}
			logrus.WithFields(logrus.Fields{
				"symbol":     symbol,
				"expiration": result.expiration.Format(ExpirationLayout),
			}).Warnf("Error fetching chain: %v", result.err)
			continue
		}
		snap.Contracts = append(snap.Contracts, result.contracts...)
	}

	if snap.Failed == len(expirations) {
		return ChainSnapshot{}, fmt.Errorf("all %d expirations failed for %s: %w", len(expirations), symbol, firstErr)
	}

	sortContracts(snap.Contracts)
	WithUnderlyingPrice(snap.Contracts, price)

	logrus.Infof("Fetched %s chain from %d/%d expirations, total contracts: %d",
		symbol, len(expirations)-snap.Failed, len(expirations), len(snap.Contracts))

	return snap, nil
}

func (f *ChainFetcher) eligible(expirations []time.Time) []time.Time {
	now := f.clock()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	out := make([]time.Time, 0, len(expirations))
	for _, exp := range expirations {
		if exp.Before(today) {
			continue
		}
		if f.maxDTE > 0 && exp.Sub(today) > time.Duration(f.maxDTE)*24*time.Hour {
			continue
		}
		out = append(out, exp)
	}
	return out
}

// sortContracts orders contracts by expiration, then strike, then type, then symbol.
func sortContracts(contracts []model.Contract) {
	sort.SliceStable(contracts, func(i, j int) bool {
		a, b := contracts[i], contracts[j]
		if !a.Expiration.Equal(b.Expiration) {
			return a.Expiration.Before(b.Expiration)
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		if a.Type != b.Type {
			return a.Type > b.Type
		}
		return a.Symbol < b.Symbol
	})
}
