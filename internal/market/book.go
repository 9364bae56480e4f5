package market

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BookSide distinguishes the two sides of the order book.
type BookSide string

const (
	BidSide BookSide = "bid"
	AskSide BookSide = "ask"
)

// BookLevel is one price level. A zero quantity in a delta removes the level.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// BookDelta is a sequence-numbered batch of level changes. Sequence numbers
// increase by exactly one per applied delta; anything else is a gap.
type BookDelta struct {
	Seq       uint64      `json:"seq"`
	Bids      []BookLevel `json:"bids,omitempty"`
	Asks      []BookLevel `json:"asks,omitempty"`
	Timestamp int64       `json:"ts"`
}

// Validate checks the delta payload against domain invariants. Sequence
// continuity is checked at apply time, not here.
func (d BookDelta) Validate() error {
	for _, side := range []struct {
		name   BookSide
		levels []BookLevel
	}{{BidSide, d.Bids}, {AskSide, d.Asks}} {
		seen := make(map[string]struct{}, len(side.levels))
		for _, lvl := range side.levels {
			if lvl.Qty.IsNegative() {
				return Invariantf("book_delta", "negative qty %s at %s on %s side (seq %d)",
					lvl.Qty, lvl.Price, side.name, d.Seq)
			}
			if !lvl.Price.IsPositive() {
				return Invariantf("book_delta", "non-positive price %s on %s side (seq %d)",
					lvl.Price, side.name, d.Seq)
			}
			key := lvl.Price.String()
			if _, dup := seen[key]; dup {
				return Invariantf("book_delta", "duplicate price %s on %s side (seq %d)",
					lvl.Price, side.name, d.Seq)
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

// OrderBook is a full order book: bids descending by price, asks ascending.
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
	Seq  uint64      `json:"seq"`
}

// WithDelta returns a new book with the delta applied. The receiver is never
// mutated, so a failed apply leaves no partial state behind. A non-contiguous
// sequence number yields a *SequenceGapError.
func (b OrderBook) WithDelta(d BookDelta) (OrderBook, error) {
	if d.Seq != b.Seq+1 {
		return OrderBook{}, &SequenceGapError{Want: b.Seq + 1, Got: d.Seq}
	}
	if err := d.Validate(); err != nil {
		return OrderBook{}, err
	}
	return OrderBook{
		Bids: applyLevels(b.Bids, d.Bids, true),
		Asks: applyLevels(b.Asks, d.Asks, false),
		Seq:  d.Seq,
	}, nil
}

// applyLevels merges changes into a sorted side. desc selects bid ordering
// (highest price first); asks use ascending order.
func applyLevels(levels, changes []BookLevel, desc bool) []BookLevel {
	out := make([]BookLevel, len(levels))
	copy(out, levels)

	for _, ch := range changes {
		i := sort.Search(len(out), func(i int) bool {
			if desc {
				return out[i].Price.Cmp(ch.Price) <= 0
			}
			return out[i].Price.Cmp(ch.Price) >= 0
		})
		exists := i < len(out) && out[i].Price.Equal(ch.Price)

		switch {
		case exists && ch.Qty.IsZero():
			out = append(out[:i], out[i+1:]...)
		case exists:
			out[i].Qty = ch.Qty
		case ch.Qty.IsZero():
			// removal of an absent level is a no-op
		default:
			out = append(out, BookLevel{})
			copy(out[i+1:], out[i:])
			out[i] = ch
		}
	}
	return out
}

// BestBid returns the highest bid level.
func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Spread is best ask minus best bid.
func (b OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Mid is the midpoint between best bid and best ask.
func (b OrderBook) Mid() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Imbalance is (bidQty - askQty) / (bidQty + askQty) over all levels,
// in [-1, 1]. Zero for an empty book.
func (b OrderBook) Imbalance() float64 {
	bidQty, askQty := decimal.Zero, decimal.Zero
	for _, lvl := range b.Bids {
		bidQty = bidQty.Add(lvl.Qty)
	}
	for _, lvl := range b.Asks {
		askQty = askQty.Add(lvl.Qty)
	}
	total := bidQty.Add(askQty)
	if total.IsZero() {
		return 0
	}
	f, _ := bidQty.Sub(askQty).Div(total).Float64()
	return f
}

// Top returns up to k levels from each side, best first.
func (b OrderBook) Top(k int) (bids, asks []BookLevel) {
	bids = cloneLevels(b.Bids, k)
	asks = cloneLevels(b.Asks, k)
	return bids, asks
}

func cloneLevels(levels []BookLevel, k int) []BookLevel {
	if k > len(levels) {
		k = len(levels)
	}
	out := make([]BookLevel, k)
	copy(out, levels[:k])
	return out
}

// Validate checks ordering and uniqueness of both sides.
func (b OrderBook) Validate() error {
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price.Cmp(b.Bids[i-1].Price) >= 0 {
			return Invariantf("order_book", "bids not strictly descending at index %d (seq %d)", i, b.Seq)
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price.Cmp(b.Asks[i-1].Price) <= 0 {
			return Invariantf("order_book", "asks not strictly ascending at index %d (seq %d)", i, b.Seq)
		}
	}
	for _, lvl := range b.Bids {
		if lvl.Qty.IsNegative() {
			return Invariantf("order_book", "negative bid qty at %s (seq %d)", lvl.Price, b.Seq)
		}
	}
	for _, lvl := range b.Asks {
		if lvl.Qty.IsNegative() {
			return Invariantf("order_book", "negative ask qty at %s (seq %d)", lvl.Price, b.Seq)
		}
	}
	return nil
}
