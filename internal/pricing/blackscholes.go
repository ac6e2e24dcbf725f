// Package pricing implements European Black-Scholes pricing and Greeks.
//
// Every function here is pure and never panics or returns NaN/Inf: boundary inputs
// (expired contracts, zero volatility, non-positive spot) degrade to documented values.
package pricing

import (
	"math"

	"github.com/yourorg/putdesk/internal/model"
)

// VolatilityFloor replaces a non-positive volatility before any division by sigma.
const VolatilityFloor = 0.01

// DaysPerYear converts annual theta into per-calendar-day decay.
const DaysPerYear = 365.0

// Abramowitz-Stegun 26.2.17 coefficients, |error| < 7.5e-8
const (
	asP  = 0.2316419
	asB1 = 0.319381530
	asB2 = -0.356563782
	asB3 = 1.781477937
	asB4 = -1.821255978
	asB5 = 1.330274429
)

// NormCDF is the standard normal cumulative distribution via the Abramowitz-Stegun
// rational approximation.
func NormCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x < 0 {
		return 1 - NormCDF(-x)
	}
	k := 1 / (1 + asP*x)
	poly := k * (asB1 + k*(asB2+k*(asB3+k*(asB4+k*asB5))))
	return 1 - NormPDF(x)*poly
}

// NormPDF is the standard normal probability density.
func NormPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// Validate rejects spot or strike values the model cannot price.
func Validate(spot, strike float64) error {
	if err := model.RequirePositive("spot", spot); err != nil {
		return err
	}
	return model.RequirePositive("strike", strike)
}

// Greeks returns delta, gamma, theta (per day), vega and rho (per percentage point)
// for a European option.
//
// At or past expiry the option is treated as its payoff: call delta is 1 when spot > strike,
// put delta is -1 when spot < strike, otherwise 0, and every other Greek is 0.
func Greeks(spot, strike, timeToExpiryYears, riskFreeRate, volatility float64, optionType model.OptionType) model.Greeks {
	if Validate(spot, strike) != nil {
		return model.Greeks{}
	}
	isCall := optionType == model.Call

	if !(timeToExpiryYears > 0) {
		return expiryGreeks(spot, strike, isCall)
	}
	sigma := floorVolatility(volatility)
	r := riskFreeRate
	if math.IsNaN(r) || math.IsInf(r, 0) {
		r = 0
	}

	T := timeToExpiryYears
	sqrtT := math.Sqrt(T)
	d1, d2 := d1d2(spot, strike, T, r, sigma)
	pdf := NormPDF(d1)
	discount := math.Exp(-r * T)

	g := model.Greeks{
		Gamma: pdf / (spot * sigma * sqrtT),
		Vega:  spot * pdf * sqrtT / 100,
	}

	decay := -(spot * pdf * sigma) / (2 * sqrtT)
	if isCall {
		g.Delta = NormCDF(d1)
		g.Theta = (decay - r*strike*discount*NormCDF(d2)) / DaysPerYear
		g.Rho = strike * T * discount * NormCDF(d2) / 100
	} else {
		g.Delta = NormCDF(d1) - 1
		g.Theta = (decay + r*strike*discount*NormCDF(-d2)) / DaysPerYear
		g.Rho = -strike * T * discount * NormCDF(-d2) / 100
	}

	return sanitize(g)
}

// Price returns the Black-Scholes value of a European option. Expired options are
// worth their intrinsic value.
func Price(spot, strike, timeToExpiryYears, riskFreeRate, volatility float64, optionType model.OptionType) float64 {
	if Validate(spot, strike) != nil {
		return 0
	}
	isCall := optionType == model.Call
	if !(timeToExpiryYears > 0) {
		if isCall {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}

	sigma := floorVolatility(volatility)
	T := timeToExpiryYears
	d1, d2 := d1d2(spot, strike, T, riskFreeRate, sigma)
	discount := math.Exp(-riskFreeRate * T)

	var price float64
	if isCall {
		price = spot*NormCDF(d1) - strike*discount*NormCDF(d2)
	} else {
		price = strike*discount*NormCDF(-d2) - spot*NormCDF(-d1)
	}
	return model.Sanitize(price)
}

// YearsUntil converts a day count into a year fraction on a 365-day basis.
func YearsUntil(days float64) float64 {
	return days / DaysPerYear
}

func d1d2(spot, strike, T, r, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(spot/strike) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

func expiryGreeks(spot, strike float64, isCall bool) model.Greeks {
	switch {
	case isCall && spot > strike:
		return model.Greeks{Delta: 1}
	case !isCall && spot < strike:
		return model.Greeks{Delta: -1}
	default:
		return model.Greeks{}
	}
}

func floorVolatility(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return VolatilityFloor
	}
	return v
}

func sanitize(g model.Greeks) model.Greeks {
	return model.Greeks{
		Delta: model.Sanitize(g.Delta),
		Gamma: model.Sanitize(g.Gamma),
		Theta: model.Sanitize(g.Theta),
		Vega:  model.Sanitize(g.Vega),
		Rho:   model.Sanitize(g.Rho),
	}
}
