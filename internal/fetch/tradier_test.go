package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/putdesk/internal/model"
)

const chainBody = `{"options":{"option":[
 {"symbol":"XYZ240621P00065000","underlying":"XYZ","strike":65,"bid":1.1,"ask":1.3,"volume":120,"open_interest":900,
  "expiration_date":"2024-06-21","option_type":"put",
  "greeks":{"delta":-0.21,"gamma":0.03,"theta":-0.04,"mid_iv":0.32,"smv_vol":0.31}},
 {"symbol":"XYZ240621P00070000","underlying":"XYZ","strike":70,"bid":2.0,"ask":2.2,"volume":80,"open_interest":400,
  "expiration_date":"2024-06-21","option_type":"put",
  "greeks":{"delta":-0.33,"gamma":0.04,"theta":-0.05,"mid_iv":0,"smv_vol":0.29}},
 {"symbol":"XYZ240621P00072000","underlying":"XYZ","strike":72,"bid":3.0,"ask":2.0,"volume":1,"open_interest":1,
  "expiration_date":"2024-06-21","option_type":"put","greeks":null}
]}}`

func newTestTradier(t *testing.T, handler http.Handler) *TradierClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := DefaultTradierOptions()
	opts.BaseURL = srv.URL + "/"
	opts.Token = "secret"
	opts.RequestsPerSecond = 0
	opts.RetryMax = 0
	return NewTradierClient(opts)
}

func TestTradier_Chain(t *testing.T) {
	var gotAuth, gotQuery string
	client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/markets/options/chains", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chainBody))
	}))

	exp := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	contracts, err := client.Chain(context.Background(), "XYZ", exp)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, gotQuery, "greeks=true")
	assert.Contains(t, gotQuery, "expiration=2024-06-21")

	require.Len(t, contracts, 2, "crossed quote is dropped")
	first := contracts[0]
	assert.Equal(t, "XYZ240621P00065000", first.Symbol)
	assert.Equal(t, model.Put, first.Type)
	assert.Equal(t, 65.0, first.Strike)
	assert.Equal(t, exp, first.Expiration)
	assert.Equal(t, int64(900), first.OpenInterest)
	assert.Equal(t, -0.21, first.Delta)
	assert.Equal(t, 0.32, first.ImpliedVolatility)
	assert.Equal(t, 0.29, contracts[1].ImpliedVolatility, "falls back to smv_vol")
}

func TestTradier_ChainSingleObject(t *testing.T) {
	client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"options":{"option":{"symbol":"XYZ240621P00065000","strike":65,"bid":1,"ask":1.2,
			"expiration_date":"2024-06-21","option_type":"put"}}}`))
	}))

	contracts, err := client.Chain(context.Background(), "XYZ", time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Zero(t, contracts[0].Delta)
}

func TestTradier_ChainNull(t *testing.T) {
	client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"options":null}`))
	}))

	_, err := client.Chain(context.Background(), "XYZ", time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestTradier_Expirations(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr error
	}{
		{"many", `{"expirations":{"date":["2024-06-14","2024-06-21","bogus"]}}`, 2, nil},
		{"single", `{"expirations":{"date":"2024-06-21"}}`, 1, nil},
		{"unknown symbol", `{"expirations":null}`, 0, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "XYZ", r.URL.Query().Get("symbol"))
				_, _ = w.Write([]byte(tt.body))
			}))

			got, err := client.Expirations(context.Background(), "XYZ")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
			assert.Equal(t, time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), got[len(got)-1])
		})
	}
}

func TestTradier_Quote(t *testing.T) {
	client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbols") {
		case "XYZ":
			_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"XYZ","last":101.5,"bid":101.4,"ask":101.6}}}`))
		case "NOLAST":
			_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"NOLAST","last":0,"bid":10,"ask":12}}}`))
		default:
			_, _ = w.Write([]byte(`{"quotes":{"unmatched_symbols":{"symbol":"NOPE"}}}`))
		}
	}))

	price, err := client.Quote(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 101.5, price)

	price, err = client.Quote(context.Background(), "NOLAST")
	require.NoError(t, err)
	assert.Equal(t, 11.0, price)

	_, err = client.Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTradier_StatusError(t *testing.T) {
	client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))

	_, err := client.Quote(context.Background(), "XYZ")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "upstream down")
}

func TestTradier_ContextCanceled(t *testing.T) {
	client := newTestTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Quote(ctx, "XYZ")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	exp := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	good := model.Contract{Symbol: "OK", Strike: 50, Bid: 1, Ask: 1.1, Expiration: exp}

	bad := []model.Contract{
		{Symbol: "ZERO", Strike: 0, Bid: 1, Ask: 1.1, Expiration: exp},
		{Symbol: "NEG", Strike: 50, Bid: -1, Ask: 1.1, Expiration: exp},
		{Symbol: "CROSSED", Strike: 50, Bid: 2, Ask: 1, Expiration: exp},
		{Symbol: "NOEXP", Strike: 50, Bid: 1, Ask: 1.1},
		{Symbol: "NEGIV", Strike: 50, Bid: 1, Ask: 1.1, ImpliedVolatility: -0.2, Expiration: exp},
	}

	got := Normalize(append([]model.Contract{good}, bad...))
	require.Len(t, got, 1)
	assert.Equal(t, "OK", got[0].Symbol)

	noAsk := model.Contract{Symbol: "NOASK", Strike: 50, Bid: 1, Expiration: exp}
	assert.Len(t, Normalize([]model.Contract{noAsk}), 1, "a missing ask is not a crossed quote")
}

func TestParseExpiration(t *testing.T) {
	got, err := ParseExpiration(" 2024-06-21 ")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseExpiration("21/06/2024")
	assert.Error(t, err)
}
