// Package portfolio keeps the paper account: cash-secured short put positions opened from
// analysed contracts, with cash and collateral held in decimal arithmetic.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/putdesk/internal/model"
)

var (
	// ErrPositionNotFound is returned for an unknown position ID.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPositionClosed is returned when closing a position twice.
	ErrPositionClosed = errors.New("position already closed")

	// ErrInsufficientCash is wrapped by the validation error for an unaffordable open.
	ErrInsufficientCash = errors.New("insufficient cash")
)

var multiplier = decimal.NewFromInt(model.ContractMultiplier)

// Status of a position
type Status string

// Position statuses
const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusAssigned Status = "assigned"
	StatusExpired  Status = "expired"
)

// Position is one short put held in the paper account.
type Position struct {
	ID       uuid.UUID      `json:"id"`
	Contract model.Contract `json:"contract"`
	Count    int            `json:"count"`
	Status   Status         `json:"status"`

	// Premium is the per-share credit received at open
	Premium decimal.Decimal `json:"premium"`

	// Collateral is strike x 100 x count, reserved while the position is open
	Collateral decimal.Decimal `json:"collateral"`

	OpenedAt time.Time `json:"opened_at"`

	ClosePrice  decimal.Decimal `json:"close_price"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Credit is the total premium collected at open.
func (p Position) Credit() decimal.Decimal {
	return p.Premium.Mul(multiplier).Mul(decimal.NewFromInt(int64(p.Count)))
}

// Account summarizes the paper account.
type Account struct {
	InitialCash   decimal.Decimal `json:"initial_cash"`
	Cash          decimal.Decimal `json:"cash"`
	Reserved      decimal.Decimal `json:"reserved"`
	Available     decimal.Decimal `json:"available"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenPositions int             `json:"open_positions"`
}

// Book is the in-memory paper account. It is safe for concurrent use.
type Book struct {
	mu sync.RWMutex

	initialCash decimal.Decimal
	cash        decimal.Decimal
	reserved    decimal.Decimal
	realized    decimal.Decimal

	positions map[uuid.UUID]*Position

	clock func() time.Time
	newID func() uuid.UUID
}

// NewBook creates an account funded with initialCash. A nil clock uses time.Now.
func NewBook(initialCash decimal.Decimal, clock func() time.Time) *Book {
	if clock == nil {
		clock = time.Now
	}
	return &Book{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[uuid.UUID]*Position),
		clock:       clock,
		newID:       uuid.New,
	}
}

// ParseCash parses a decimal amount such as "100000" or "25000.50".
func ParseCash(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid cash amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, model.NewValidationError("initial_cash", d.InexactFloat64(), "must not be negative")
	}
	return d, nil
}

// Open sells count contracts at their mid price. The premium is credited to cash and
// the collateral is reserved.
func (b *Book) Open(ct model.Contract, count int) (Position, error) {
	if count <= 0 {
		return Position{}, model.NewValidationError("count", float64(count), "must be positive")
	}
	if !ct.IsPut() {
		return Position{}, &model.ValidationError{Field: "type", Reason: "only puts can be sold"}
	}
	if err := model.RequirePositive("strike", ct.Strike); err != nil {
		return Position{}, err
	}
	premium := ct.Mid()
	if math.IsNaN(premium) || math.IsInf(premium, 0) || premium <= 0 {
		return Position{}, model.NewValidationError("premium", premium, "must be positive")
	}

	n := decimal.NewFromInt(int64(count))
	prem := decimal.NewFromFloat(premium).Round(4)
	collateral := decimal.NewFromFloat(ct.Strike).Mul(multiplier).Mul(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.cash.Sub(b.reserved)
	if available.LessThan(collateral) {
		return Position{}, &model.ValidationError{
			Field:  "count",
			Value:  float64(count),
			Reason: fmt.Sprintf("collateral %s exceeds available cash %s", collateral.StringFixed(2), available.StringFixed(2)),
			Err:    ErrInsufficientCash,
		}
	}

	pos := &Position{
		ID:         b.newID(),
		Contract:   ct,
		Count:      count,
		Status:     StatusOpen,
		Premium:    prem,
		Collateral: collateral,
		OpenedAt:   b.clock(),
	}
	b.cash = b.cash.Add(pos.Credit())
	b.reserved = b.reserved.Add(collateral)
	b.positions[pos.ID] = pos

	logrus.WithFields(logrus.Fields{
		"id":     pos.ID,
		"symbol": ct.Symbol,
		"count":  count,
		"credit": pos.Credit().StringFixed(2),
	}).Info("Opened paper position")

	return *pos, nil
}

// Close buys the position back at price per share and releases its collateral.
func (b *Book) Close(id uuid.UUID, price float64) (Position, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return Position{}, model.NewValidationError("price", price, "must be a non-negative number")
	}
	return b.settle(id, decimal.NewFromFloat(price), StatusClosed)
}

// Expire settles the position at expiration against the underlying's final price. A put
// finishing in the money is assigned at its intrinsic value; otherwise it expires worthless.
func (b *Book) Expire(id uuid.UUID, finalPrice float64) (Position, error) {
	if math.IsNaN(finalPrice) || math.IsInf(finalPrice, 0) || finalPrice < 0 {
		return Position{}, model.NewValidationError("final_price", finalPrice, "must be a non-negative number")
	}

	b.mu.RLock()
	pos, ok := b.positions[id]
	var strike float64
	if ok {
		strike = pos.Contract.Strike
	}
	b.mu.RUnlock()
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", id, ErrPositionNotFound)
	}

	if finalPrice >= strike {
		return b.settle(id, decimal.Zero, StatusExpired)
	}
	return b.settle(id, decimal.NewFromFloat(strike-finalPrice), StatusAssigned)
}

func (b *Book) settle(id uuid.UUID, price decimal.Decimal, status Status) (Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", id, ErrPositionNotFound)
	}
	if pos.Status != StatusOpen {
		return Position{}, fmt.Errorf("%s: %w", id, ErrPositionClosed)
	}

	n := decimal.NewFromInt(int64(pos.Count))
	cost := price.Mul(multiplier).Mul(n)

	pos.Status = status
	pos.ClosePrice = price
	pos.ClosedAt = b.clock()
	pos.RealizedPnL = pos.Credit().Sub(cost)

	b.cash = b.cash.Sub(cost)
	b.reserved = b.reserved.Sub(pos.Collateral)
	b.realized = b.realized.Add(pos.RealizedPnL)

	logrus.WithFields(logrus.Fields{
		"id":     id,
		"status": status,
		"pnl":    pos.RealizedPnL.StringFixed(2),
	}).Info("Settled paper position")

	return *pos, nil
}

// Get returns one position by ID.
func (b *Book) Get(id uuid.UUID) (Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", id, ErrPositionNotFound)
	}
	return *pos, nil
}

// Positions returns all positions, oldest first.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Account returns the account balances.
func (b *Book) Account() Account {
	b.mu.RLock()
	defer b.mu.RUnlock()

	open := 0
	for _, p := range b.positions {
		if p.Status == StatusOpen {
			open++
		}
	}
	return Account{
		InitialCash:   b.initialCash,
		Cash:          b.cash,
		Reserved:      b.reserved,
		Available:     b.cash.Sub(b.reserved),
		RealizedPnL:   b.realized,
		OpenPositions: open,
	}
}
