package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/analysis"
	"github.com/yourorg/putdesk/internal/circuitbreaker"
	"github.com/yourorg/putdesk/internal/compare"
	"github.com/yourorg/putdesk/internal/fetch"
	"github.com/yourorg/putdesk/internal/filter"
	"github.com/yourorg/putdesk/internal/model"
	"github.com/yourorg/putdesk/internal/portfolio"
)

// Stress defaults used when a query parameter is omitted
const (
	defaultCrashPercent = 30
	defaultTargetReturn = 20
	defaultMonths       = 3
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// handleHealth is a liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":        "operational",
		"uptime":        time.Since(s.startTime).String(),
		"version":       version,
		"circuit_state": s.deps.Breaker.GetState().String(),
		"account":       s.deps.Book.Account(),
		"configuration": map[string]interface{}{
			"provider":          providerName(s.config),
			"max_dte":           s.config.MaxDaysToExpiration,
			"risk_free_rate":    s.config.RiskFreeRate,
			"min_safety_buffer": s.config.MinSafetyBuffer,
			"score_weights":     s.config.ScoreWeights,
		},
	}
	if s.deps.Publisher != nil {
		status["assistant"] = s.deps.Publisher.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and controlling the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}

	if r.Method == http.MethodPost {
		if action := r.URL.Query().Get("action"); action != "reset" {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown action %q", action))
			return
		}
		s.deps.Breaker.Reset()
		response["message"] = "Circuit breaker reset"
		logrus.Info("Circuit breaker reset via API")
	}

	response["state"] = s.deps.Breaker.GetState().String()
	if reason := s.deps.Breaker.LastReason(); reason != "" {
		response["last_reason"] = reason
	}

	if symbol := strings.ToUpper(r.URL.Query().Get("symbol")); symbol != "" {
		if contracts, price, at, ok := s.deps.Breaker.LastGoodChain(symbol); ok {
			response["last_good_contracts"] = len(contracts)
			response["last_good_price"] = price
			response["last_good_timestamp"] = at.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleChain returns the raw chain that screening starts from
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.deps.Service.Chain(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// handleScreen filters and sorts a symbol's puts
func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	req, err := parseScreenRequest(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	symbol := chi.URLParam(r, "symbol")
	res, err := s.deps.Service.Screen(r.Context(), symbol, req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.metrics.screenedContracts.WithLabelValues(res.Symbol).Set(float64(len(res.Contracts)))
	writeJSON(w, http.StatusOK, res)
}

// handleScan screens a comma-separated list of symbols
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	req, err := parseScreenRequest(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	var symbols []string
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}

	results, err := s.deps.Service.Scan(r.Context(), symbols, req)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	for _, res := range results {
		s.metrics.screenedContracts.WithLabelValues(res.Symbol).Set(float64(len(res.Contracts)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

type compareRequest struct {
	Contracts []string `json:"contracts"`
}

// handleCompare ranks up to three contracts of a symbol against each other
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body compareRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Service.Compare(r.Context(), chi.URLParam(r, "symbol"), body.Contracts)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.metrics.comparisonsCounter.Inc()
	writeJSON(w, http.StatusOK, res)
}

// handleStress projects a symbol's puts against a market crash
func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	crash, err := queryFloat(q.Get("crash"), "crash", defaultCrashPercent)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	target, err := queryFloat(q.Get("target"), "target", defaultTargetReturn)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	months, err := queryFloat(q.Get("months"), "months", defaultMonths)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	res, err := s.deps.Service.Stress(r.Context(), chi.URLParam(r, "symbol"), crash, target, months)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRefresh drops the cached provider data of a symbol
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	removed := 0
	if s.deps.Cache != nil {
		removed = s.deps.Cache.Invalidate(symbol)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"removed": removed,
	})
}

// handleListPositions lists every position in the paper account
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": s.deps.Book.Positions(),
	})
}

type openRequest struct {
	Symbol   string `json:"symbol"`
	Contract string `json:"contract"`
	Count    int    `json:"count"`
}

// handleOpenPosition sells puts at the current mid price
func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var body openRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Count == 0 {
		body.Count = 1
	}

	ct, err := s.deps.Service.Contract(r.Context(), body.Symbol, body.Contract)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	pos, err := s.deps.Book.Open(ct, body.Count)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

type settleRequest struct {
	Price float64 `json:"price"`
}

// handleClosePosition buys a position back at the given per-share price
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	s.settlePosition(w, r, s.deps.Book.Close)
}

// handleExpirePosition settles a position at expiration against the final underlying price
func (s *Server) handleExpirePosition(w http.ResponseWriter, r *http.Request) {
	s.settlePosition(w, r, s.deps.Book.Expire)
}

func (s *Server) settlePosition(w http.ResponseWriter, r *http.Request, settle func(uuid.UUID, float64) (portfolio.Position, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid position ID")
		return
	}

	var body settleRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := settle(id, body.Price)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// handleAccount reports the paper account balances
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Book.Account())
}

// parseScreenRequest reads the screen criteria from the query string. Omitted values keep
// the defaults; minReturn is a fraction.
func parseScreenRequest(r *http.Request) (analysis.ScreenRequest, error) {
	q := r.URL.Query()
	req := analysis.DefaultScreenRequest()
	c := &req.Criteria

	var err error
	if c.MinAnnualizedReturn, err = queryFloat(q.Get("minReturn"), "minReturn", c.MinAnnualizedReturn); err != nil {
		return req, err
	}
	if v := q.Get("deltaFilter"); v != "" {
		if c.Delta.Enabled, err = strconv.ParseBool(v); err != nil {
			return req, &model.ValidationError{Field: "deltaFilter", Reason: "must be true or false"}
		}
	}
	if c.Delta.Min, err = queryFloat(q.Get("deltaMin"), "deltaMin", c.Delta.Min); err != nil {
		return req, err
	}
	if c.Delta.Max, err = queryFloat(q.Get("deltaMax"), "deltaMax", c.Delta.Max); err != nil {
		return req, err
	}
	if c.MinDaysToExpiration, err = queryInt(q.Get("minDte"), "minDte", c.MinDaysToExpiration); err != nil {
		return req, err
	}
	if c.MaxDaysToExpiration, err = queryInt(q.Get("maxDte"), "maxDte", c.MaxDaysToExpiration); err != nil {
		return req, err
	}
	if c.MinPremium, err = queryFloat(q.Get("minPremium"), "minPremium", c.MinPremium); err != nil {
		return req, err
	}
	if c.MaxPremium, err = queryFloat(q.Get("maxPremium"), "maxPremium", c.MaxPremium); err != nil {
		return req, err
	}
	if req.SortKey, err = filter.ParseSortKey(q.Get("sort")); err != nil {
		return req, err
	}
	if req.Order, err = filter.ParseOrder(q.Get("order")); err != nil {
		return req, err
	}
	return req, nil
}

func queryFloat(raw, field string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &model.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", raw)}
	}
	if err := model.RequireFinite(field, v); err != nil {
		return 0, err
	}
	return v, nil
}

func queryInt(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &model.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not an integer", raw)}
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// statusFor maps a service error onto an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, compare.ErrTooManyCandidates), model.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, portfolio.ErrPositionNotFound), errors.Is(err, fetch.ErrNotFound), errors.Is(err, fetch.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, portfolio.ErrPositionClosed):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotViable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, analysis.ErrUnavailable), errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// serviceError writes err with the status it maps to and counts provider failures
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	code := statusFor(err)

	var se *fetch.StatusError
	switch {
	case errors.As(err, &se):
		s.metrics.providerErrors.WithLabelValues("status_" + strconv.Itoa(se.StatusCode)).Inc()
	case code == http.StatusBadGateway:
		s.metrics.providerErrors.WithLabelValues("transport").Inc()
	case code == http.StatusGatewayTimeout:
		s.metrics.providerErrors.WithLabelValues("timeout").Inc()
	}

	s.errorResponse(w, code, err.Error())
}

// errorResponse sends a formatted error response
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Warn(errorMsg)
	} else {
		logrus.Debug(errorMsg)
	}

	writeJSON(w, statusCode, ErrorResponse{
		StatusCode: statusCode,
		Status:     "error",
		Error:      errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Error encoding response: %v", err)
	}
}
