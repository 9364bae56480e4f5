package market

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func lvl(price, qty string) BookLevel {
	return BookLevel{
		Price: decimal.RequireFromString(price),
		Qty:   decimal.RequireFromString(qty),
	}
}

// go test -v --run TestBookApplyDelta
func TestBookApplyDelta(t *testing.T) {
	book := OrderBook{}

	next, err := book.WithDelta(BookDelta{
		Seq:  1,
		Bids: []BookLevel{lvl("50000", "0.5"), lvl("49990", "1.2")},
		Asks: []BookLevel{lvl("50010", "0.3"), lvl("50020", "2.0")},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", next.Seq)
	}
	if best, _ := next.BestBid(); !best.Price.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("unexpected best bid: %s", best.Price)
	}
	if best, _ := next.BestAsk(); !best.Price.Equal(decimal.RequireFromString("50010")) {
		t.Errorf("unexpected best ask: %s", best.Price)
	}

	// Zero qty removes the level.
	next, err = next.WithDelta(BookDelta{
		Seq:  2,
		Bids: []BookLevel{lvl("50000", "0")},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if best, _ := next.BestBid(); !best.Price.Equal(decimal.RequireFromString("49990")) {
		t.Errorf("best bid should drop to 49990, got %s", best.Price)
	}
	if err := next.Validate(); err != nil {
		t.Errorf("book invalid after removal: %v", err)
	}
}

func TestBookSequenceGap(t *testing.T) {
	book := OrderBook{Seq: 5}

	_, err := book.WithDelta(BookDelta{Seq: 7, Bids: []BookLevel{lvl("100", "1")}})
	var gap *SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected SequenceGapError, got %v", err)
	}
	if gap.Want != 6 || gap.Got != 7 {
		t.Errorf("unexpected gap detail: want %d got %d", gap.Want, gap.Got)
	}
}

func TestBookRejectsNegativeQty(t *testing.T) {
	book := OrderBook{}
	_, err := book.WithDelta(BookDelta{Seq: 1, Bids: []BookLevel{lvl("100", "-1")}})
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
}

func TestBookRejectsDuplicatePriceInDelta(t *testing.T) {
	book := OrderBook{}
	_, err := book.WithDelta(BookDelta{
		Seq:  1,
		Asks: []BookLevel{lvl("100", "1"), lvl("100", "2")},
	})
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
}

// Random delta sequences with contiguous seq numbers must never produce a
// book with negative or duplicate-price levels.
func TestBookRandomDeltasKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	book := OrderBook{}

	for seq := uint64(1); seq <= 500; seq++ {
		delta := BookDelta{Seq: seq}
		usedBid := map[int]bool{}
		usedAsk := map[int]bool{}
		for i := 0; i < 1+rng.Intn(4); i++ {
			p := 49900 + rng.Intn(100)
			if usedBid[p] {
				continue
			}
			usedBid[p] = true
			qty := decimal.NewFromFloat(float64(rng.Intn(3))) // 0 removes
			delta.Bids = append(delta.Bids, BookLevel{Price: decimal.NewFromInt(int64(p)), Qty: qty})
		}
		for i := 0; i < 1+rng.Intn(4); i++ {
			p := 50000 + rng.Intn(100)
			if usedAsk[p] {
				continue
			}
			usedAsk[p] = true
			qty := decimal.NewFromFloat(float64(rng.Intn(3)))
			delta.Asks = append(delta.Asks, BookLevel{Price: decimal.NewFromInt(int64(p)), Qty: qty})
		}

		next, err := book.WithDelta(delta)
		if err != nil {
			t.Fatalf("seq %d: apply failed: %v", seq, err)
		}
		if err := next.Validate(); err != nil {
			t.Fatalf("seq %d: invariant broken: %v", seq, err)
		}
		book = next
	}
}

func TestBookDerived(t *testing.T) {
	book := OrderBook{
		Bids: []BookLevel{lvl("50000", "2"), lvl("49990", "1")},
		Asks: []BookLevel{lvl("50010", "1"), lvl("50020", "1")},
		Seq:  1,
	}

	spread, ok := book.Spread()
	if !ok || !spread.Equal(decimal.RequireFromString("10")) {
		t.Errorf("unexpected spread: %s", spread)
	}
	mid, ok := book.Mid()
	if !ok || !mid.Equal(decimal.RequireFromString("50005")) {
		t.Errorf("unexpected mid: %s", mid)
	}
	if imb := book.Imbalance(); imb <= 0 {
		t.Errorf("expected positive imbalance with heavier bids, got %f", imb)
	}

	bids, asks := book.Top(1)
	if len(bids) != 1 || len(asks) != 1 {
		t.Fatalf("expected 1 level each side, got %d/%d", len(bids), len(asks))
	}
	// Top returns copies; mutating them must not touch the book.
	bids[0].Qty = decimal.Zero
	if book.Bids[0].Qty.IsZero() {
		t.Error("Top leaked a reference into the book")
	}
}
