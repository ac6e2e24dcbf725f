package fetch

import (
	"context"
	"strings"
	"time"

	"github.com/yourorg/putdesk/internal/cache"
	"github.com/yourorg/putdesk/internal/model"
)

// CacheTTLs sets how long each kind of provider answer stays fresh.
type CacheTTLs struct {
	Quote       time.Duration
	Chain       time.Duration
	Expirations time.Duration
}

// DefaultCacheTTLs returns the standard freshness windows.
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Quote:       cache.TTLQuote,
		Chain:       cache.TTLChain,
		Expirations: cache.TTLExpirations,
	}
}

// CachedProvider wraps a Provider with injected TTL stores. Errors are never cached.
type CachedProvider struct {
	next        Provider
	ttls        CacheTTLs
	quotes      *cache.TTLStore[float64]
	expirations *cache.TTLStore[[]time.Time]
	chains      *cache.TTLStore[[]model.Contract]
}

// NewCachedProvider creates a caching wrapper around next. A nil clock uses time.Now.
func NewCachedProvider(next Provider, ttls CacheTTLs, clock func() time.Time) *CachedProvider {
	return &CachedProvider{
		next:        next,
		ttls:        ttls,
		quotes:      cache.NewTTLStore[float64](clock),
		expirations: cache.NewTTLStore[[]time.Time](clock),
		chains:      cache.NewTTLStore[[]model.Contract](clock),
	}
}

func quoteKey(symbol string) string { return "quote:" + strings.ToUpper(symbol) }

func expirationsKey(symbol string) string { return "expirations:" + strings.ToUpper(symbol) }

func chainKey(symbol string, expiration time.Time) string {
	return "chain:" + strings.ToUpper(symbol) + ":" + expiration.Format(ExpirationLayout)
}

// Quote returns a cached quote or asks the wrapped provider.
func (p *CachedProvider) Quote(ctx context.Context, symbol string) (float64, error) {
	key := quoteKey(symbol)
	if v, ok := p.quotes.Get(key); ok {
		return v, nil
	}
	v, err := p.next.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p.quotes.Set(key, v, p.ttls.Quote)
	return v, nil
}

// Expirations returns cached expirations or asks the wrapped provider.
func (p *CachedProvider) Expirations(ctx context.Context, symbol string) ([]time.Time, error) {
	key := expirationsKey(symbol)
	if v, ok := p.expirations.Get(key); ok {
		return append([]time.Time(nil), v...), nil
	}
	v, err := p.next.Expirations(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.expirations.Set(key, append([]time.Time(nil), v...), p.ttls.Expirations)
	return v, nil
}

// Chain returns a cached chain or asks the wrapped provider. Callers get their own copy.
func (p *CachedProvider) Chain(ctx context.Context, symbol string, expiration time.Time) ([]model.Contract, error) {
	key := chainKey(symbol, expiration)
	if v, ok := p.chains.Get(key); ok {
		return append([]model.Contract(nil), v...), nil
	}
	v, err := p.next.Chain(ctx, symbol, expiration)
	if err != nil {
		return nil, err
	}
	p.chains.Set(key, append([]model.Contract(nil), v...), p.ttls.Chain)
	return v, nil
}

// Invalidate drops every cached answer for symbol and reports how many entries went.
func (p *CachedProvider) Invalidate(symbol string) int {
	sym := strings.ToUpper(symbol)
	n := p.chains.DeleteByPrefix("chain:" + sym + ":")
	if _, ok := p.quotes.Get(quoteKey(sym)); ok {
		n++
	}
	p.quotes.Delete(quoteKey(sym))
	if _, ok := p.expirations.Get(expirationsKey(sym)); ok {
		n++
	}
	p.expirations.Delete(expirationsKey(sym))
	return n
}

// Purge removes every expired entry.
func (p *CachedProvider) Purge() int {
	return p.quotes.Purge() + p.expirations.Purge() + p.chains.Purge()
}
