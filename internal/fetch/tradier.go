package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/otel"
)

// TradierOptions configures a TradierClient.
type TradierOptions struct {
	BaseURL string
	Token   string

	// RequestsPerSecond throttles outbound calls; zero or less disables throttling
	RequestsPerSecond float64

	Timeout  time.Duration
	RetryMax int
}

// DefaultTradierOptions returns options for the Tradier sandbox.
func DefaultTradierOptions() TradierOptions {
	return TradierOptions{
		BaseURL:           "https://sandbox.tradier.com/v1",
		RequestsPerSecond: 2,
		Timeout:           10 * time.Second,
		RetryMax:          3,
	}
}

// TradierClient implements Provider against the Tradier brokerage market-data API
type TradierClient struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
}

// NewTradierClient creates a new Tradier API client
func NewTradierClient(opts TradierOptions) *TradierClient {
	rc := newRetryClient(opts.Timeout)
	rc.RetryMax = opts.RetryMax

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &TradierClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: rc,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Quote retrieves the last price of symbol.
func (c *TradierClient) Quote(ctx context.Context, symbol string) (float64, error) {
	var response struct {
		Quotes struct {
			Quote     json.RawMessage `json:"quote"`
			Unmatched json.RawMessage `json:"unmatched_symbols"`
		} `json:"quotes"`
	}
	if err := c.get(ctx, "/markets/quotes", url.Values{"symbols": {symbol}}, &response); err != nil {
		return 0, err
	}

	quotes, err := oneOrMany[tradierQuote](response.Quotes.Quote)
	if err != nil {
		return 0, fmt.Errorf("error decoding quote: %w", err)
	}
	for _, q := range quotes {
		if !strings.EqualFold(q.Symbol, symbol) {
			continue
		}
		if p := q.price(); p > 0 {
			return p, nil
		}
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	return 0, fmt.Errorf("%s: %w", symbol, ErrNotFound)
}

// Expirations retrieves the listed expiration dates of symbol, in ascending order.
func (c *TradierClient) Expirations(ctx context.Context, symbol string) ([]time.Time, error) {
	var response struct {
		Expirations *struct {
			Date json.RawMessage `json:"date"`
		} `json:"expirations"`
	}
	if err := c.get(ctx, "/markets/options/expirations", url.Values{"symbol": {symbol}}, &response); err != nil {
		return nil, err
	}
	if response.Expirations == nil {
		return nil, fmt.Errorf("%s expirations: %w", symbol, ErrNotFound)
	}

	dates, err := oneOrMany[string](response.Expirations.Date)
	if err != nil {
		return nil, fmt.Errorf("error decoding expirations: %w", err)
	}

	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		t, err := ParseExpiration(d)
		if err != nil {
			logrus.WithField("date", d).Warn("Skipping unparseable expiration")
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s expirations: %w", symbol, ErrNoData)
	}
	return out, nil
}

// Chain retrieves the option chain of symbol for one expiration, greeks included.
func (c *TradierClient) Chain(ctx context.Context, symbol string, expiration time.Time) ([]model.Contract, error) {
	var response struct {
		Options *struct {
			Option json.RawMessage `json:"option"`
		} `json:"options"`
	}
	q := url.Values{
		"symbol":     {symbol},
		"expiration": {expiration.Format(ExpirationLayout)},
		"greeks":     {"true"},
	}
	if err := c.get(ctx, "/markets/options/chains", q, &response); err != nil {
		return nil, err
	}
	if response.Options == nil {
		return nil, fmt.Errorf("%s %s chain: %w", symbol, expiration.Format(ExpirationLayout), ErrNoData)
	}

	rows, err := oneOrMany[tradierOption](response.Options.Option)
	if err != nil {
		return nil, fmt.Errorf("error decoding chain: %w", err)
	}

	contracts := make([]model.Contract, 0, len(rows))
	for _, r := range rows {
		contracts = append(contracts, r.contract(expiration))
	}

	logrus.Debugf("Received %d contracts for %s %s", len(contracts), symbol, expiration.Format(ExpirationLayout))
	return Normalize(contracts), nil
}

func (c *TradierClient) get(ctx context.Context, path string, query url.Values, out any) (err error) {
	ctx, span := otel.Tracer().Start(ctx, "tradier "+path)
	span.SetAttributes(attribute.String("provider.path", path))
	defer func() {
		otel.RecordError(ctx, err)
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching %s from Tradier: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Provider: "Tradier", StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

type tradierQuote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Close  float64 `json:"close"`
}

func (q tradierQuote) price() float64 {
	switch {
	case q.Last > 0:
		return q.Last
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	default:
		return q.Close
	}
}

type tradierOption struct {
	Symbol         string  `json:"symbol"`
	Underlying     string  `json:"underlying"`
	Strike         float64 `json:"strike"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	ExpirationDate string  `json:"expiration_date"`
	OptionType     string  `json:"option_type"`
	Greeks         *struct {
		Delta  float64 `json:"delta"`
		Gamma  float64 `json:"gamma"`
		Theta  float64 `json:"theta"`
		MidIv  float64 `json:"mid_iv"`
		SmvVol float64 `json:"smv_vol"`
	} `json:"greeks"`
}

func (o tradierOption) contract(expiration time.Time) model.Contract {
	c := model.Contract{
		Symbol:       o.Symbol,
		Underlying:   o.Underlying,
		Type:         model.OptionType(strings.ToLower(o.OptionType)),
		Strike:       o.Strike,
		Expiration:   expiration,
		Bid:          o.Bid,
		Ask:          o.Ask,
		OpenInterest: o.OpenInterest,
		Volume:       o.Volume,
	}
	if t, err := ParseExpiration(o.ExpirationDate); err == nil {
		c.Expiration = t
	}
	if o.Greeks != nil {
		c.Delta = o.Greeks.Delta
		c.Gamma = o.Greeks.Gamma
		c.Theta = o.Greeks.Theta
		c.ImpliedVolatility = o.Greeks.MidIv
		if c.ImpliedVolatility <= 0 {
			c.ImpliedVolatility = o.Greeks.SmvVol
		}
	}
	return c
}

// oneOrMany decodes a JSON value that is either a single T, an array of T, or null.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
