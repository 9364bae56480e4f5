package market

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// go test -v --run TestCandleFoldBounds
func TestCandleFoldBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	start := int64(1_700_000_000_000)
	candle := NewCandle(start, time.Minute, decimal.NewFromInt(50000))

	for i := 0; i < 1000; i++ {
		price := decimal.NewFromFloat(50000 * (1 + (rng.Float64()-0.5)*0.01)).Round(2)
		trade := Trade{
			ID:        uint64(i + 1),
			Price:     price,
			Qty:       decimal.NewFromFloat(rng.Float64() + 0.001).Round(6),
			Side:      SideBuy,
			Timestamp: start + int64(i),
		}
		if err := candle.Fold(trade); err != nil {
			t.Fatalf("fold failed: %v", err)
		}
		if err := candle.Validate(); err != nil {
			t.Fatalf("trade %d broke OHLC bounds: %v", i, err)
		}
	}
	if candle.Trades != 1000 {
		t.Errorf("expected 1000 folded trades, got %d", candle.Trades)
	}
}

func TestCandleVolumeAccumulates(t *testing.T) {
	candle := NewCandle(0, time.Minute, decimal.NewFromInt(100))
	qtys := []string{"0.1", "0.25", "0.05"}
	for i, q := range qtys {
		err := candle.Fold(Trade{
			ID: uint64(i + 1), Price: decimal.NewFromInt(100),
			Qty: decimal.RequireFromString(q), Side: SideSell, Timestamp: int64(i),
		})
		if err != nil {
			t.Fatalf("fold failed: %v", err)
		}
	}
	if !candle.Volume.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("expected volume 0.4, got %s", candle.Volume)
	}
}

func TestFoldIntoSealedCandleIsDefect(t *testing.T) {
	candle := NewCandle(0, time.Minute, decimal.NewFromInt(100))
	candle.Seal()
	err := candle.Fold(Trade{ID: 1, Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1), Side: SideBuy})
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
}

func TestIntervalStart(t *testing.T) {
	// 90s past the epoch truncates to the 60s boundary for 1m candles.
	if got := IntervalStart(90_000, time.Minute); got != 60_000 {
		t.Errorf("expected 60000, got %d", got)
	}
	candle := NewCandle(90_000, time.Minute, decimal.NewFromInt(1))
	if !candle.Contains(119_999) {
		t.Error("candle should contain the last millisecond of its interval")
	}
	if candle.Contains(120_000) {
		t.Error("candle should not contain the next interval's open")
	}
}

func TestCandlePattern(t *testing.T) {
	doji := Candle{
		Open:  decimal.RequireFromString("100.0"),
		Close: decimal.RequireFromString("100.1"),
		High:  decimal.RequireFromString("105"),
		Low:   decimal.RequireFromString("95"),
	}
	if got := doji.Pattern(); got != "doji" {
		t.Errorf("expected doji, got %q", got)
	}

	hammer := Candle{
		Open:  decimal.RequireFromString("100"),
		Close: decimal.RequireFromString("101"),
		High:  decimal.RequireFromString("101.2"),
		Low:   decimal.RequireFromString("95"),
	}
	if got := hammer.Pattern(); got != "hammer" {
		t.Errorf("expected hammer, got %q", got)
	}
}
