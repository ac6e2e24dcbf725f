package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/model"
)

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
	}
}

func writeSnapshot(t *testing.T) string {
	t.Helper()
	snap := fetch.Snapshot{Chains: []fetch.ChainSnapshot{{
		Symbol:          "XYZ",
		UnderlyingPrice: 100,
		Contracts: []model.Contract{
			put("XYZ240605P00065000", 65, 1.2, 1.2, -0.05),
			put("XYZ240605P00090000", 90, 1.9, 2.1, -0.32),
			put("XYZ240605P00095000", 95, 3.4, 3.6, -0.45),
			put("XYZ240605P00099000", 99, 5.0, 5.2, -0.55),
		},
	}}}

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "chains.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScreenCommand(t *testing.T) {
	snap := writeSnapshot(t)

	out, err := run(t, "screen", "xyz", "--snapshot", snap, "--as-of", "2024-05-06")
	require.NoError(t, err)
	assert.Contains(t, out, "Puts for XYZ @ 100.00")
	assert.Contains(t, out, "2 of 4 viable contracts match")
	assert.Contains(t, out, "XYZ240605P00095000")
	assert.NotContains(t, out, "XYZ240605P00099000")

	out, err = run(t, "screen", "XYZ", "--snapshot", snap, "--as-of", "2024-05-06", "--no-delta", "--sort", "premium", "--order", "asc", "--json")
	require.NoError(t, err)

	var res analysis.ScreenResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Contracts, 4)
	assert.Equal(t, "XYZ240605P00065000", res.Contracts[0].Contract.Symbol)
}

func TestCompareCommand(t *testing.T) {
	snap := writeSnapshot(t)

	out, err := run(t, "compare", "XYZ", "XYZ240605P00090000", "XYZ240605P00095000", "--snapshot", snap, "--as-of", "2024-05-06", "--json")
	require.NoError(t, err)

	var res analysis.CompareResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Comparison)
	assert.Len(t, res.Candidates, 2)
	assert.Len(t, res.ExpectedValues, 2)

	out, err = run(t, "compare", "XYZ", "XYZ240605P00090000", "--snapshot", snap, "--as-of", "2024-05-06")
	require.NoError(t, err)
	assert.Contains(t, out, "Comparison for XYZ @ 100.00")
	assert.Contains(t, out, "Expected value across 5 scenarios")
}

func TestStressCommand(t *testing.T) {
	snap := writeSnapshot(t)

	out, err := run(t, "stress", "XYZ", "--snapshot", snap, "--as-of", "2024-05-06", "--crash", "30", "--target", "20", "--months", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "XYZ crash of 30% to 70.00")
	assert.Contains(t, out, "XYZ240605P00065000")
	assert.NotContains(t, out, "XYZ240605P00090000")

	out, err = run(t, "stress", "XYZ", "--snapshot", snap, "--as-of", "2024-05-06", "--crash", "30", "--target", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "No puts meet the target return")
}

func TestCommandErrors(t *testing.T) {
	snap := writeSnapshot(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad as-of", []string{"screen", "XYZ", "--snapshot", snap, "--as-of", "May 6"}},
		{"missing snapshot", []string{"screen", "XYZ", "--snapshot", filepath.Join(t.TempDir(), "nope.json")}},
		{"unknown symbol", []string{"screen", "ABC", "--snapshot", snap, "--as-of", "2024-05-06"}},
		{"bad sort key", []string{"screen", "XYZ", "--snapshot", snap, "--sort", "gamma"}},
		{"too many contracts", []string{"compare", "XYZ", "a", "b", "c", "d", "--snapshot", snap}},
		{"crash out of range", []string{"stress", "XYZ", "--snapshot", snap, "--as-of", "2024-05-06", "--crash", "120"}},
		{"missing symbol", []string{"stress"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
