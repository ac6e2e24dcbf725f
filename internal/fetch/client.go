// Package fetch provides market-data provider clients that hand option chains to the analytics core.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/model"
)

// ExpirationLayout is the calendar-date format used by providers for expirations.
const ExpirationLayout = "2006-01-02"

var (
	// ErrNotFound is returned when the provider knows nothing about a symbol.
	ErrNotFound = errors.New("symbol not found")

	// ErrNoData is returned when the provider answered without usable rows.
	ErrNoData = errors.New("no data returned from provider")
)

// Provider defines the interface that all market-data clients must implement
type Provider interface {
	// Quote returns the last price of the underlying
	Quote(ctx context.Context, symbol string) (float64, error)

	// Expirations lists the option expiration dates of the underlying
	Expirations(ctx context.Context, symbol string) ([]time.Time, error)

	// Chain returns the contracts of one expiration. UnderlyingPrice is left unset.
	Chain(ctx context.Context, symbol string, expiration time.Time) ([]model.Contract, error)
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: status %d, body: %s", e.Provider, e.StatusCode, e.Body)
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// ParseExpiration parses a provider expiration date. Expirations are calendar dates in UTC.
func ParseExpiration(s string) (time.Time, error) {
	return time.ParseInLocation(ExpirationLayout, strings.TrimSpace(s), time.UTC)
}

// Normalize drops rows the analytics core must never see: non-positive or non-finite
// strikes, negative or crossed quotes, and non-finite greeks or volatility. The surviving
// rows keep their order.
func Normalize(contracts []model.Contract) []model.Contract {
	out := make([]model.Contract, 0, len(contracts))
	for _, c := range contracts {
		if reason := malformed(c); reason != "" {
			logrus.WithFields(logrus.Fields{
				"symbol": c.Symbol,
				"strike": c.Strike,
				"reason": reason,
			}).Debug("Dropped malformed quote")
			continue
		}
		out = append(out, c)
	}
	return out
}

func malformed(c model.Contract) string {
	for _, v := range []float64{c.Strike, c.Bid, c.Ask, c.ImpliedVolatility, c.Delta, c.Gamma, c.Theta} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "non-finite value"
		}
	}
	switch {
	case c.Strike <= 0:
		return "non-positive strike"
	case c.Bid < 0 || c.Ask < 0:
		return "negative quote"
	case c.Bid > c.Ask && c.Ask > 0:
		return "crossed quote"
	case c.ImpliedVolatility < 0:
		return "negative implied volatility"
	case c.OpenInterest < 0 || c.Volume < 0:
		return "negative volume or open interest"
	case c.Expiration.IsZero():
		return "missing expiration"
	}
	return ""
}

// WithUnderlyingPrice stamps price onto every contract.
func WithUnderlyingPrice(contracts []model.Contract, price float64) []model.Contract {
	for i := range contracts {
		contracts[i].UnderlyingPrice = price
	}
	return contracts
}
