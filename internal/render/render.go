// Package render paints the dashboard to a terminal. It pulls from the
// store on its own cadence: each tick asks for the diff since the last
// paint and repaints only when something changed, so the screen never
// depends on network timing.
package render

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketdash/internal/market"
	"marketdash/internal/store"
)

const clearScreen = "\x1b[2J\x1b[H"

// Config controls the paint cadence and how much of each view is shown.
type Config struct {
	PaintInterval time.Duration
	TradeRows     int
	BookLevels    int
	CandleCols    int
}

func (c *Config) setDefaults() {
	if c.PaintInterval <= 0 {
		c.PaintInterval = 250 * time.Millisecond
	}
	if c.TradeRows <= 0 {
		c.TradeRows = 10
	}
	if c.BookLevels <= 0 {
		c.BookLevels = 5
	}
	if c.CandleCols <= 0 {
		c.CandleCols = 40
	}
}

// Renderer owns one output stream and one read token.
type Renderer struct {
	cfg   Config
	store *store.Store
	out   io.Writer
	log   *zap.Logger

	token     uint64
	lastState market.ConnState
	painted   bool
}

func New(cfg Config, st *store.Store, out io.Writer, log *zap.Logger) *Renderer {
	cfg.setDefaults()
	return &Renderer{cfg: cfg, store: st, out: out, log: log, lastState: market.ConnState(-1)}
}

// Run paints until the context dies.
func (r *Renderer) Run(ctx context.Context) error {
	tick := time.NewTicker(r.cfg.PaintInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			r.Paint()
		}
	}
}

// Paint repaints if anything changed since the previous paint. Connectivity
// changes repaint too, so a reconnecting banner appears over otherwise
// still data.
func (r *Renderer) Paint() {
	diff, token := r.store.DiffSince(r.token)
	if r.painted && diff.Empty() && diff.ConnState == r.lastState {
		return
	}
	r.token = token
	r.lastState = diff.ConnState
	r.painted = true

	if _, err := io.WriteString(r.out, clearScreen+r.frame(diff.ConnState)); err != nil {
		r.log.Warn("paint failed", zap.Error(err))
	}
}

// frame builds the whole screen from the memoized store views.
func (r *Renderer) frame(state market.ConnState) string {
	var b strings.Builder

	if state != market.ConnSubscribed {
		fmt.Fprintf(&b, "** %s — showing last known data **\n\n", strings.ToUpper(state.String()))
	}

	if tk, ok := r.store.CurrentTicker(); ok {
		dir := tk.Direction()
		fmt.Fprintf(&b, "BTC-USD  %s %s  24h %+0.2f%%  vol %s\n",
			tk.LastPrice.StringFixed(2), dir.Arrow(), tk.Change24hPct, tk.Volume24h.StringFixed(4))
		fmt.Fprintf(&b, "bid %s / ask %s  range %s - %s\n",
			tk.BestBid.StringFixed(2), tk.BestAsk.StringFixed(2),
			tk.Low24h.StringFixed(2), tk.High24h.StringFixed(2))
	} else {
		b.WriteString("BTC-USD  waiting for data\n")
	}
	fmt.Fprintf(&b, "vwap %s  buys %0.0f%%\n\n",
		r.store.VWAP().StringFixed(2), r.store.BuyRatio()*100)

	r.writeBook(&b)
	r.writeCandles(&b)
	r.writeTrades(&b)
	return b.String()
}

func (r *Renderer) writeBook(b *strings.Builder) {
	bids, asks := r.store.TopLevels()
	n := r.cfg.BookLevels
	b.WriteString("        BID            |            ASK\n")
	for i := 0; i < n; i++ {
		var left, right string
		if i < len(bids) {
			left = fmt.Sprintf("%10s @ %-10s", bids[i].Qty.StringFixed(4), bids[i].Price.StringFixed(2))
		} else {
			left = strings.Repeat(" ", 23)
		}
		if i < len(asks) {
			right = fmt.Sprintf("%10s @ %-10s", asks[i].Qty.StringFixed(4), asks[i].Price.StringFixed(2))
		}
		fmt.Fprintf(b, "%s | %s\n", left, right)
	}
	b.WriteByte('\n')
}

// writeCandles draws one glyph per candle, newest at the right edge.
func (r *Renderer) writeCandles(b *strings.Builder) {
	candles := r.store.Candles()
	if len(candles) > r.cfg.CandleCols {
		candles = candles[len(candles)-r.cfg.CandleCols:]
	}
	if len(candles) == 0 {
		return
	}
	for _, c := range candles {
		switch {
		case !c.Closed:
			b.WriteByte('?')
		case c.Bullish():
			b.WriteByte('+')
		default:
			b.WriteByte('-')
		}
	}
	last := candles[len(candles)-1]
	if p := last.Pattern(); p != "" {
		fmt.Fprintf(b, "  [%s]", p)
	}
	b.WriteString("\n\n")
}

func (r *Renderer) writeTrades(b *strings.Builder) {
	trades := r.store.Trades()
	if len(trades) > r.cfg.TradeRows {
		trades = trades[:r.cfg.TradeRows]
	}
	for _, t := range trades {
		ts := time.UnixMilli(t.Timestamp).Format("15:04:05.000")
		fmt.Fprintf(b, "%s  %-4s %10s @ %s\n", ts, t.Side, t.Qty.StringFixed(4), t.Price.StringFixed(2))
	}
}
