package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/calc"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/config"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/portfolio"
	"github.com/yourorg/putdesk/internal/scenario"
)

var now = time.Date(2024, 5, 6, 14, 30, 0, 0, time.UTC)

func put(symbol string, strike, bid, ask, delta float64) model.Contract {
	return model.Contract{
		Symbol:            symbol,
		Underlying:        "XYZ",
		Type:              model.Put,
		Strike:            strike,
		Expiration:        time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC),
		Bid:               bid,
		Ask:               ask,
		ImpliedVolatility: 0.3,
		OpenInterest:      500,
		Volume:            50,
		Delta:             delta,
		Gamma:             0.02,
		Theta:             -0.03,
	}
}

func testSnapshot() fetch.Snapshot {
	return fetch.Snapshot{Chains: []fetch.ChainSnapshot{{
		Symbol:          "XYZ",
		UnderlyingPrice: 100,
		Contracts: []model.Contract{
			put("XYZ240605P00040000", 40, 0, 0.01, -0.01),
			put("XYZ240605P00065000", 65, 1.2, 1.2, -0.05),
			put("XYZ240605P00090000", 90, 1.9, 2.1, -0.32),
			put("XYZ240605P00095000", 95, 3.4, 3.6, -0.45),
			put("XYZ240605P00099000", 99, 5.0, 5.2, -0.55),
		},
	}}}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	clock := func() time.Time { return now }

	cached := fetch.NewCachedProvider(fetch.NewStaticProvider(testSnapshot()), fetch.DefaultCacheTTLs(), clock)
	c := calc.New(calc.Options{RiskFreeRate: 0.045, Clock: clock})
	scorer, err := compare.NewScorer()
	require.NoError(t, err)
	breaker := circuitbreaker.New(circuitbreaker.DefaultThresholds()).WithClock(clock)

	service := analysis.NewService(analysis.Deps{
		Provider:            cached,
		Breaker:             breaker,
		Calculator:          c,
		Scorer:              scorer,
		Projector:           scenario.NewProjector(c),
		MaxDaysToExpiration: 60,
	})

	return NewServer(cfg, Deps{
		Service: service,
		Breaker: breaker,
		Book:    portfolio.NewBook(decimal.NewFromInt(100000), clock),
		Cache:   cached,
	})
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "OK", body["status"])
}

func TestScreenEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodGet, "/api/v1/options/xyz/screen", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res analysis.ScreenResult
	decode(t, rec, &res)
	assert.Equal(t, "XYZ", res.Symbol)
	require.Len(t, res.Contracts, 2)
	assert.Equal(t, "XYZ240605P00095000", res.Contracts[0].Contract.Symbol)
	assert.Equal(t, "XYZ240605P00090000", res.Contracts[1].Contract.Symbol)

	rec = do(t, s, http.MethodGet, "/api/v1/options/XYZ/screen?deltaFilter=false&minPremium=1.5&sort=premium&order=asc", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &res)
	require.Len(t, res.Contracts, 3)
	assert.Equal(t, "XYZ240605P00090000", res.Contracts[0].Contract.Symbol)
}

func TestScreenEndpoint_Errors(t *testing.T) {
	s := newTestServer(t, config.Config{})

	tests := []struct {
		name string
		path string
		code int
	}{
		{"bad number", "/api/v1/options/XYZ/screen?minReturn=abc", http.StatusBadRequest},
		{"nan bounds", "/api/v1/options/XYZ/screen?minReturn=NaN&deltaMin=NaN", http.StatusBadRequest},
		{"infinite premium", "/api/v1/options/XYZ/screen?maxPremium=Inf", http.StatusBadRequest},
		{"nan crash", "/api/v1/options/XYZ/stress?crash=NaN", http.StatusBadRequest},
		{"inverted delta band", "/api/v1/options/XYZ/screen?deltaMin=-0.1&deltaMax=-0.5", http.StatusBadRequest},
		{"bad sort key", "/api/v1/options/XYZ/screen?sort=gamma", http.StatusBadRequest},
		{"unknown symbol", "/api/v1/options/NOPE/screen", http.StatusNotFound},
		{"scan without symbols", "/api/v1/screen", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())

			var body ErrorResponse
			decode(t, rec, &body)
			assert.Equal(t, "error", body.Status)
			assert.Equal(t, tt.code, body.StatusCode)
		})
	}
}

func TestScanEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodGet, "/api/v1/screen?symbols=XYZ,%20xyz", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Results []analysis.ScreenResult `json:"results"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Results, 2)
}

func TestCompareEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodPost, "/api/v1/options/XYZ/compare", compareRequest{
		Contracts: []string{"XYZ240605P00090000", "XYZ240605P00095000"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res analysis.CompareResult
	decode(t, rec, &res)
	require.NotNil(t, res.Comparison)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, 1, res.Candidates[0].Rank)

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{"too many", compareRequest{Contracts: []string{"a", "b", "c", "d"}}, http.StatusBadRequest},
		{"empty", compareRequest{}, http.StatusBadRequest},
		{"unknown contract", compareRequest{Contracts: []string{"XYZ240605P00123000"}}, http.StatusBadRequest},
		{"not viable", compareRequest{Contracts: []string{"XYZ240605P00040000"}}, http.StatusUnprocessableEntity},
		{"unknown field", map[string]string{"foo": "bar"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/options/XYZ/compare", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestStressEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodGet, "/api/v1/options/XYZ/stress?crash=30&target=20&months=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res analysis.StressResult
	decode(t, rec, &res)
	assert.InDelta(t, 70.0, res.CrashPrice, 1e-9)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "XYZ240605P00065000", res.Results[0].Symbol)

	rec = do(t, s, http.MethodGet, "/api/v1/options/XYZ/stress?crash=150", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := do(t, s, http.MethodPost, "/api/v1/positions", openRequest{
		Symbol:   "XYZ",
		Contract: "XYZ240605P00090000",
		Count:    2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var pos portfolio.Position
	decode(t, rec, &pos)
	assert.Equal(t, portfolio.StatusOpen, pos.Status)
	assert.True(t, pos.Premium.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(18000)))

	var account portfolio.Account
	decode(t, do(t, s, http.MethodGet, "/api/v1/account", nil), &account)
	assert.True(t, account.Cash.Equal(decimal.NewFromInt(100400)))
	assert.True(t, account.Reserved.Equal(decimal.NewFromInt(18000)))
	assert.Equal(t, 1, account.OpenPositions)

	rec = do(t, s, http.MethodPost, "/api/v1/positions/"+pos.ID.String()+"/close", settleRequest{Price: 0.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &pos)
	assert.Equal(t, portfolio.StatusClosed, pos.Status)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(300)))

	rec = do(t, s, http.MethodPost, "/api/v1/positions/"+pos.ID.String()+"/close", settleRequest{Price: 0.5})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var list struct {
		Positions []portfolio.Position `json:"positions"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/v1/positions", nil), &list)
	assert.Len(t, list.Positions, 1)
}

func TestPositionErrors(t *testing.T) {
	s := newTestServer(t, config.Config{})

	tests := []struct {
		name string
		path string
		body interface{}
		code int
	}{
		{"bad id", "/api/v1/positions/nope/close", settleRequest{}, http.StatusBadRequest},
		{"unknown id", "/api/v1/positions/7d444840-9dc0-11d1-b245-5ffdce74fad2/expire", settleRequest{Price: 80}, http.StatusNotFound},
		{"unaffordable", "/api/v1/positions", openRequest{Symbol: "XYZ", Contract: "XYZ240605P00099000", Count: 20}, http.StatusBadRequest},
		{"unknown contract", "/api/v1/positions", openRequest{Symbol: "XYZ", Contract: "XYZ240605P00111000"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestCircuitEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/options/XYZ/chain", nil).Code)

	var body map[string]interface{}
	rec := do(t, s, http.MethodGet, "/circuit?symbol=xyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, "closed", body["state"])
	assert.EqualValues(t, 5, body["last_good_contracts"])

	rec = do(t, s, http.MethodPost, "/circuit?action=reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, "Circuit breaker reset", body["message"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/circuit?action=explode", nil).Code)
}

func TestRefreshEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/options/XYZ/screen", nil).Code)

	var body map[string]interface{}
	decode(t, do(t, s, http.MethodPost, "/api/v1/options/XYZ/refresh", nil), &body)
	assert.Equal(t, "XYZ", body["symbol"])
	assert.EqualValues(t, 3, body["removed"], "quote, expirations and one chain")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, config.Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/account", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/api/v1/account", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code, "probes are not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{})

	do(t, s, http.MethodGet, "/api/v1/options/XYZ/screen", nil)
	do(t, s, http.MethodPost, "/api/v1/options/XYZ/compare", compareRequest{Contracts: []string{"XYZ240605P00090000"}})

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `putdesk_requests_total{route="/api/v1/options/{symbol}/screen",status="200"} 1`)
	assert.Contains(t, out, `putdesk_screened_contracts{symbol="XYZ"} 2`)
	assert.Contains(t, out, "putdesk_comparisons_total 1")
	assert.Contains(t, out, "putdesk_circuit_breaker_state 0")
	assert.True(t, strings.Contains(out, "go_goroutines"))
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{SnapshotFile: "chains.json", MaxDaysToExpiration: 60})

	var body map[string]interface{}
	decode(t, do(t, s, http.MethodGet, "/status", nil), &body)
	assert.Equal(t, "operational", body["status"])
	assert.Equal(t, "closed", body["circuit_state"])
	assert.NotContains(t, body, "assistant")

	cfg := body["configuration"].(map[string]interface{})
	assert.Equal(t, "snapshot:chains.json", cfg["provider"])
}
