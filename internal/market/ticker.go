package market

import (
	"github.com/shopspring/decimal"
)

// Ticker is the latest market summary. It is replaced wholesale on every
// update, never merged.
type Ticker struct {
	LastPrice decimal.Decimal `json:"last_price"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	// Change24hPct is the percentage move against the 24h-ago reference.
	Change24hPct float64         `json:"change_24h_pct"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	Timestamp    int64           `json:"ts"`
}

// Direction classifies the 24h move for display purposes.
func (t Ticker) Direction() Direction {
	switch {
	case t.Change24hPct > 0:
		return DirectionUp
	case t.Change24hPct < 0:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// Validate checks the ticker against domain invariants.
func (t Ticker) Validate() error {
	if !t.LastPrice.IsPositive() {
		return Invariantf("ticker", "non-positive last price %s", t.LastPrice)
	}
	if t.Volume24h.IsNegative() {
		return Invariantf("ticker", "negative 24h volume %s", t.Volume24h)
	}
	if !t.BestBid.IsZero() && !t.BestAsk.IsZero() && t.BestBid.Cmp(t.BestAsk) > 0 {
		return Invariantf("ticker", "crossed quote: bid %s above ask %s", t.BestBid, t.BestAsk)
	}
	return nil
}

// Direction is a display classification of a price move.
type Direction int

const (
	DirectionFlat Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "flat"
	}
}

// Arrow is the terminal glyph for the direction.
func (d Direction) Arrow() string {
	switch d {
	case DirectionUp:
		return "▲"
	case DirectionDown:
		return "▼"
	default:
		return "●"
	}
}
