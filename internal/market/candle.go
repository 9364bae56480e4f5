package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV interval. Exactly one open candle exists at a time;
// a candle is frozen once sealed.
type Candle struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	// Start is the interval open time in milliseconds since epoch.
	Start    int64         `json:"start"`
	Interval time.Duration `json:"interval"`
	Trades   int           `json:"trades"`
	Closed   bool          `json:"closed"`
}

// IntervalStart truncates ts (millis) to the interval boundary.
func IntervalStart(ts int64, interval time.Duration) int64 {
	ms := interval.Milliseconds()
	return (ts / ms) * ms
}

// NewCandle opens a candle at the interval containing ts, seeded with the
// opening price.
func NewCandle(ts int64, interval time.Duration, open decimal.Decimal) Candle {
	return Candle{
		Open:     open,
		High:     open,
		Low:      open,
		Close:    open,
		Volume:   decimal.Zero,
		Start:    IntervalStart(ts, interval),
		Interval: interval,
	}
}

// Contains reports whether ts falls inside this candle's interval.
func (c Candle) Contains(ts int64) bool {
	return ts >= c.Start && ts < c.Start+c.Interval.Milliseconds()
}

// Fold merges a trade into the open candle. Folding into a sealed candle is
// a defect.
func (c *Candle) Fold(t Trade) error {
	if c.Closed {
		return Invariantf("candle", "fold into sealed candle (start %d, trade %d)", c.Start, t.ID)
	}
	if t.Price.Cmp(c.High) > 0 {
		c.High = t.Price
	}
	if t.Price.Cmp(c.Low) < 0 {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume = c.Volume.Add(t.Qty)
	c.Trades++
	return nil
}

// Seal freezes the candle at the end of its interval.
func (c *Candle) Seal() {
	c.Closed = true
}

// Bullish reports whether the candle closed at or above its open.
func (c Candle) Bullish() bool {
	return c.Close.Cmp(c.Open) >= 0
}

// Body is the absolute open-close distance.
func (c Candle) Body() decimal.Decimal {
	return c.Close.Sub(c.Open).Abs()
}

// Range is high minus low.
func (c Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}

// Change is close minus open.
func (c Candle) Change() decimal.Decimal {
	return c.Close.Sub(c.Open)
}

// ChangePct is the percentage change from open to close.
func (c Candle) ChangePct() float64 {
	if c.Open.IsZero() {
		return 0
	}
	f, _ := c.Change().Div(c.Open).Float64()
	return f * 100
}

// Pattern names a basic single-candle pattern, or "" when none applies.
// Doji: body under 10% of range. Hammer: long lower shadow, small upper.
func (c Candle) Pattern() string {
	rng := c.Range()
	if rng.IsZero() {
		return ""
	}
	body := c.Body()
	ratio, _ := body.Div(rng).Float64()
	if ratio < 0.1 {
		return "doji"
	}

	bodyTop := decimal.Max(c.Open, c.Close)
	bodyBottom := decimal.Min(c.Open, c.Close)
	upper := c.High.Sub(bodyTop)
	lower := bodyBottom.Sub(c.Low)

	twice := body.Mul(decimal.NewFromInt(2))
	half := body.Div(decimal.NewFromInt(2))
	if lower.Cmp(twice) > 0 && upper.Cmp(half) < 0 {
		return "hammer"
	}
	if upper.Cmp(twice) > 0 && lower.Cmp(half) < 0 {
		return "inverted_hammer"
	}
	return ""
}

// Validate checks the OHLC bounds: low <= {open, close} <= high, and a
// non-negative volume.
func (c Candle) Validate() error {
	if c.Low.Cmp(c.Open) > 0 || c.Low.Cmp(c.Close) > 0 {
		return Invariantf("candle", "low %s above open %s or close %s (start %d)",
			c.Low, c.Open, c.Close, c.Start)
	}
	if c.High.Cmp(c.Open) < 0 || c.High.Cmp(c.Close) < 0 {
		return Invariantf("candle", "high %s below open %s or close %s (start %d)",
			c.High, c.Open, c.Close, c.Start)
	}
	if c.Volume.IsNegative() {
		return Invariantf("candle", "negative volume %s (start %d)", c.Volume, c.Start)
	}
	if c.Interval <= 0 {
		return Invariantf("candle", "non-positive interval %s (start %d)", c.Interval, c.Start)
	}
	return nil
}
