package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/putdesk/internal/model"
)

// Snapshot is the on-disk format of a recorded set of chains.
type Snapshot struct {
	Chains []ChainSnapshot `json:"chains"`
}

// StaticProvider serves quotes and chains from a Snapshot. It is used for offline
// analysis and tests.
type StaticProvider struct {
	chains map[string]ChainSnapshot
}

// NewStaticProvider indexes the snapshot by upper-cased symbol. Malformed rows are dropped.
func NewStaticProvider(s Snapshot) *StaticProvider {
	p := &StaticProvider{chains: make(map[string]ChainSnapshot, len(s.Chains))}
	for _, c := range s.Chains {
		c.Symbol = strings.ToUpper(c.Symbol)
		c.Contracts = Normalize(c.Contracts)
		p.chains[c.Symbol] = c
	}
	return p
}

// LoadSnapshot reads a snapshot file and returns a provider over it
func LoadSnapshot(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("error decoding snapshot %s: %w", path, err)
	}
	return NewStaticProvider(s), nil
}

// Symbols lists the underlyings in the snapshot, sorted.
func (p *StaticProvider) Symbols() []string {
	out := make([]string, 0, len(p.chains))
	for s := range p.chains {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (p *StaticProvider) lookup(symbol string) (ChainSnapshot, error) {
	c, ok := p.chains[strings.ToUpper(symbol)]
	if !ok {
		return ChainSnapshot{}, fmt.Errorf("%s: %w", symbol, ErrNotFound)
	}
	return c, nil
}

// Quote returns the recorded underlying price.
func (p *StaticProvider) Quote(_ context.Context, symbol string) (float64, error) {
	c, err := p.lookup(symbol)
	if err != nil {
		return 0, err
	}
	if c.UnderlyingPrice <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	return c.UnderlyingPrice, nil
}

// Expirations returns the distinct recorded expirations in ascending order.
func (p *StaticProvider) Expirations(_ context.Context, symbol string) ([]time.Time, error) {
	c, err := p.lookup(symbol)
	if err != nil {
		return nil, err
	}
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, ct := range c.Contracts {
		exp := ct.Expiration.UTC()
		if !seen[exp] {
			seen[exp] = true
			out = append(out, exp)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s expirations: %w", symbol, ErrNoData)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Chain returns a copy of the recorded contracts expiring on the given date.
func (p *StaticProvider) Chain(_ context.Context, symbol string, expiration time.Time) ([]model.Contract, error) {
	c, err := p.lookup(symbol)
	if err != nil {
		return nil, err
	}
	var out []model.Contract
	for _, ct := range c.Contracts {
		if ct.Expiration.Equal(expiration) {
			out = append(out, ct)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s chain: %w", symbol, expiration.Format(ExpirationLayout), ErrNoData)
	}
	return out, nil
}
