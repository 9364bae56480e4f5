package market

import (
	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single executed trade. Immutable once created.
type Trade struct {
	ID    uint64          `json:"id"`
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Side  Side            `json:"side"`
	// Timestamp is the execution time in milliseconds since epoch.
	Timestamp int64 `json:"ts"`
}

// Before orders trades by timestamp, ties broken by id.
func (t Trade) Before(o Trade) bool {
	if t.Timestamp != o.Timestamp {
		return t.Timestamp < o.Timestamp
	}
	return t.ID < o.ID
}

// Value is the quote value of the trade (price * qty).
func (t Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Qty)
}

// Validate checks the trade against domain invariants.
func (t Trade) Validate() error {
	if !t.Price.IsPositive() {
		return Invariantf("trade", "non-positive price %s (id %d)", t.Price, t.ID)
	}
	if !t.Qty.IsPositive() {
		return Invariantf("trade", "non-positive qty %s (id %d)", t.Qty, t.ID)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return Invariantf("trade", "unknown side %q (id %d)", t.Side, t.ID)
	}
	return nil
}
