package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/putdesk/internal/model"
)

var today = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

func day(offset int) time.Time {
	return time.Date(2024, 6, 3+offset, 0, 0, 0, 0, time.UTC)
}

// fakeProvider counts calls and fails chains for the listed expirations.
type fakeProvider struct {
	mu          sync.Mutex
	price       float64
	expirations []time.Time
	failing     map[time.Time]bool
	calls       map[string]int
}

func newFakeProvider(price float64, exps ...time.Time) *fakeProvider {
	return &fakeProvider{price: price, expirations: exps, failing: map[time.Time]bool{}, calls: map[string]int{}}
}

func (f *fakeProvider) count(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
}

func (f *fakeProvider) Calls(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeProvider) Quote(_ context.Context, symbol string) (float64, error) {
	f.count("quote")
	if symbol == "MISSING" {
		return 0, ErrNotFound
	}
	return f.price, nil
}

func (f *fakeProvider) Expirations(context.Context, string) ([]time.Time, error) {
	f.count("expirations")
	return f.expirations, nil
}

func (f *fakeProvider) Chain(_ context.Context, symbol string, exp time.Time) ([]model.Contract, error) {
	f.count("chain")
	if f.failing[exp] {
		return nil, errors.New("boom")
	}
	return []model.Contract{
		{Symbol: symbol + "-C100", Type: model.Call, Strike: 100, Bid: 1, Ask: 1.2, Expiration: exp},
		{Symbol: symbol + "-P110", Type: model.Put, Strike: 110, Bid: 1, Ask: 1.2, Expiration: exp},
		{Symbol: symbol + "-P90", Type: model.Put, Strike: 90, Bid: 1, Ask: 1.2, Expiration: exp},
	}, nil
}

func TestChainFetcher_MergesAndSorts(t *testing.T) {
	p := newFakeProvider(100, day(14), day(-1), day(7), day(90))
	f := NewChainFetcher(p, 30).WithClock(func() time.Time { return today })

	snap, err := f.Fetch(context.Background(), "XYZ")
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Expirations, "past and far expirations are skipped")
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, today, snap.FetchedAt)
	assert.Equal(t, 2, p.Calls("chain"))
	require.Len(t, snap.Contracts, 6)

	var symbols []string
	for _, c := range snap.Contracts[:3] {
		symbols = append(symbols, c.Symbol)
		assert.Equal(t, day(7), c.Expiration)
		assert.Equal(t, 100.0, c.UnderlyingPrice)
	}
	assert.Equal(t, []string{"XYZ-P90", "XYZ-C100", "XYZ-P110"}, symbols)
	assert.Equal(t, day(14), snap.Contracts[5].Expiration)

	assert.Len(t, snap.Puts(), 4)
}

func TestChainFetcher_PartialFailure(t *testing.T) {
	p := newFakeProvider(100, day(7), day(14))
	p.failing[day(7)] = true
	f := NewChainFetcher(p, 0).WithClock(func() time.Time { return today })

	snap, err := f.Fetch(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Failed)
	assert.Len(t, snap.Contracts, 3)
}

func TestChainFetcher_AllFail(t *testing.T) {
	p := newFakeProvider(100, day(7), day(14))
	p.failing[day(7)] = true
	p.failing[day(14)] = true
	f := NewChainFetcher(p, 0).WithClock(func() time.Time { return today })

	_, err := f.Fetch(context.Background(), "XYZ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 expirations failed")
}

func TestChainFetcher_NoEligibleExpirations(t *testing.T) {
	p := newFakeProvider(100, day(90))
	f := NewChainFetcher(p, 30).WithClock(func() time.Time { return today })

	_, err := f.Fetch(context.Background(), "XYZ")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestChainFetcher_QuoteFailure(t *testing.T) {
	p := newFakeProvider(100, day(7))
	_, err := NewChainFetcher(p, 0).Fetch(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, p.Calls("expirations"))
}

func TestCachedProvider(t *testing.T) {
	now := today
	clock := func() time.Time { return now }
	p := newFakeProvider(100, day(7))
	cached := NewCachedProvider(p, CacheTTLs{Quote: time.Minute, Chain: 5 * time.Minute, Expirations: time.Hour}, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cached.Quote(ctx, "xyz")
		require.NoError(t, err)
		_, err = cached.Chain(ctx, "XYZ", day(7))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.Calls("quote"))
	assert.Equal(t, 1, p.Calls("chain"))

	now = now.Add(2 * time.Minute)
	_, _ = cached.Quote(ctx, "XYZ")
	_, _ = cached.Chain(ctx, "XYZ", day(7))
	assert.Equal(t, 2, p.Calls("quote"), "quote expired")
	assert.Equal(t, 1, p.Calls("chain"), "chain still fresh")

	got, _ := cached.Chain(ctx, "XYZ", day(7))
	got[0].Bid = 99
	again, _ := cached.Chain(ctx, "XYZ", day(7))
	assert.Equal(t, 1.0, again[0].Bid, "callers get a copy")

	_, _ = cached.Expirations(ctx, "XYZ")
	assert.Equal(t, 3, cached.Invalidate("xyz"))
	_, _ = cached.Quote(ctx, "XYZ")
	assert.Equal(t, 3, p.Calls("quote"))
}

func TestCachedProvider_ErrorsNotCached(t *testing.T) {
	p := newFakeProvider(100, day(7))
	cached := NewCachedProvider(p, DefaultCacheTTLs(), nil)

	for i := 0; i < 2; i++ {
		_, err := cached.Quote(context.Background(), "MISSING")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 2, p.Calls("quote"))
}

func TestStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.json")
	snapshot := `{"chains":[{"symbol":"xyz","underlying_price":100,"contracts":[
		{"symbol":"XYZ1","type":"put","strike":90,"bid":1,"ask":1.2,"expiration":"2024-06-21T00:00:00Z"},
		{"symbol":"XYZ2","type":"put","strike":95,"bid":2,"ask":2.2,"expiration":"2024-06-14T00:00:00Z"},
		{"symbol":"XYZ3","type":"put","strike":-5,"bid":2,"ask":2.2,"expiration":"2024-06-14T00:00:00Z"}
	]}]}`
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o600))

	p, err := LoadSnapshot(path)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, []string{"XYZ"}, p.Symbols())

	price, err := p.Quote(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)

	exps, err := p.Expirations(ctx, "xyz")
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(11), day(18)}, exps)

	chain, err := p.Chain(ctx, "XYZ", day(11))
	require.NoError(t, err)
	require.Len(t, chain, 1, "malformed row dropped")
	assert.Equal(t, "XYZ2", chain[0].Symbol)

	_, err = p.Quote(ctx, "ABC")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = LoadSnapshot(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
