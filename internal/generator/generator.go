// Package generator produces a continuous, self-consistent stream of
// synthetic market events: trades from a bounded random walk, order-book
// deltas for the liquidity the trades consume, candle folds, and ticker
// summaries. It has no external failure surface; if it ever emits data that
// violates a domain invariant, that is a defect and the run loop halts.
package generator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketdash/internal/market"
)

const minuteBuckets = 24 * 60

// Config controls the stochastic process.
type Config struct {
	InitialPrice     float64
	Volatility       float64 // per-tick random component, fraction of price
	MeanReversion    float64 // pull toward the anchor price, per tick
	TickInterval     time.Duration
	CandleInterval   time.Duration
	BookLevels       int     // levels per side
	LevelSpacing     float64 // distance between levels, fraction of mid
	SpreadFrac       float64 // bid/ask spread, fraction of mid
	MaxTradesPerTick int
	PriceFloor       float64
}

func (c *Config) setDefaults() {
	if c.InitialPrice <= 0 {
		c.InitialPrice = 50000
	}
	if c.Volatility <= 0 {
		c.Volatility = 0.0005
	}
	if c.MeanReversion <= 0 {
		c.MeanReversion = 0.001
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.CandleInterval <= 0 {
		c.CandleInterval = time.Minute
	}
	if c.BookLevels <= 0 {
		c.BookLevels = 20
	}
	if c.LevelSpacing <= 0 {
		c.LevelSpacing = 0.0002
	}
	if c.SpreadFrac <= 0 {
		c.SpreadFrac = 0.0002
	}
	if c.MaxTradesPerTick <= 0 {
		c.MaxTradesPerTick = 3
	}
	if c.PriceFloor <= 0 {
		c.PriceFloor = 1000
	}
}

// Generator holds the walk state, the synthetic book, the open candle and
// rolling 24h stats. It is not safe for concurrent use; Run drives it from a
// single goroutine.
type Generator struct {
	cfg Config
	log *zap.Logger
	rng *rand.Rand

	price  float64
	anchor float64
	trend  float64

	book        market.OrderBook
	candle      market.Candle
	hasCandle   bool
	nextTradeID uint64

	// 24h rolling volume in per-minute arena buckets.
	volBuckets [minuteBuckets]decimal.Decimal
	vol24      decimal.Decimal
	curMinute  int64
	ref24      float64 // reference price for the 24h change
	high24     float64
	low24      float64
}

func New(cfg Config, log *zap.Logger) *Generator {
	cfg.setDefaults()
	return &Generator{
		cfg:    cfg,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		price:  cfg.InitialPrice,
		anchor: cfg.InitialPrice,
		vol24:  decimal.Zero,
		ref24:  cfg.InitialPrice,
		high24: cfg.InitialPrice,
		low24:  cfg.InitialPrice,
	}
}

// Run drives Advance on the configured cadence, handing every event to
// publish. publish must not block; the broadcast hub guarantees that. An
// invariant violation stops the loop and is returned.
func (g *Generator) Run(ctx context.Context, publish func(market.Event)) error {
	g.log.Info("generator started",
		zap.Float64("initial_price", g.cfg.InitialPrice),
		zap.Duration("tick_interval", g.cfg.TickInterval))

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info("generator stopped")
			return nil
		case now := <-ticker.C:
			events, err := g.Advance(now)
			if err != nil {
				g.log.Error("generator produced invalid data", zap.Error(err))
				return err
			}
			for _, ev := range events {
				publish(ev)
			}
		}
	}
}

// Advance runs one tick of the process and returns the ordered events it
// produced: trades, then the book delta, then candle folds, then the ticker.
func (g *Generator) Advance(now time.Time) ([]market.Event, error) {
	nowMs := now.UnixMilli()
	g.walk()

	var events []market.Event

	trades := g.generateTrades(nowMs)
	for _, t := range trades {
		events = append(events, market.TradeEvent(t))
	}

	if delta, ok, err := g.updateBook(trades, nowMs); err != nil {
		return nil, err
	} else if ok {
		events = append(events, market.DeltaEvent(delta))
	}

	candleEvents, err := g.foldCandles(trades, nowMs)
	if err != nil {
		return nil, err
	}
	events = append(events, candleEvents...)

	g.rollVolume(nowMs, trades)
	events = append(events, market.TickerEvent(g.ticker(nowMs)))

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// walk advances the mid price: mean reversion toward the anchor, a drift
// regime that re-rolls with 1% probability, and a bounded random component.
func (g *Generator) walk() {
	if g.rng.Float64() < 0.01 {
		g.trend = (g.rng.Float64() - 0.5) * 2
	}
	drift := g.trend * 0.0001
	reversion := g.cfg.MeanReversion * (g.anchor - g.price) / g.anchor
	random := (g.rng.Float64() - 0.5) * 2 * g.cfg.Volatility

	g.price *= 1 + drift + reversion + random
	g.price = math.Max(g.price, g.cfg.PriceFloor)
	if g.price > g.high24 {
		g.high24 = g.price
	}
	if g.price < g.low24 {
		g.low24 = g.price
	}
}

func (g *Generator) generateTrades(nowMs int64) []market.Trade {
	n := g.rng.Intn(g.cfg.MaxTradesPerTick + 1)
	trades := make([]market.Trade, 0, n)
	halfSpread := g.price * g.cfg.SpreadFrac / 2

	for i := 0; i < n; i++ {
		side := market.SideSell
		if g.rng.Intn(2) == 0 {
			side = market.SideBuy
		}
		// Executions land inside the spread around mid.
		px := g.price + (g.rng.Float64()-0.5)*2*halfSpread
		qty := math.Min(math.Exp(g.rng.NormFloat64())*0.1, 10)

		g.nextTradeID++
		trades = append(trades, market.Trade{
			ID:        g.nextTradeID,
			Price:     decimal.NewFromFloat(px).Round(2),
			Qty:       decimal.NewFromFloat(qty).Round(6),
			Side:      side,
			Timestamp: nowMs,
		})
	}
	return trades
}

// updateBook rebuilds the synthetic liquidity ladder around the new mid,
// carries quantities for surviving levels, consumes the liquidity matched by
// this tick's trades, and emits one delta for everything that changed.
func (g *Generator) updateBook(trades []market.Trade, nowMs int64) (market.BookDelta, bool, error) {
	bestBid := decimal.NewFromFloat(g.price * (1 - g.cfg.SpreadFrac/2)).Round(2)
	bestAsk := decimal.NewFromFloat(g.price * (1 + g.cfg.SpreadFrac/2)).Round(2)
	if bestAsk.Cmp(bestBid) <= 0 {
		bestAsk = bestBid.Add(decimal.New(1, -2))
	}
	step := decimal.NewFromFloat(g.price * g.cfg.LevelSpacing).Round(2)
	if !step.IsPositive() {
		step = decimal.New(1, -2)
	}

	current := make(map[string]decimal.Decimal, len(g.book.Bids)+len(g.book.Asks))
	for _, lvl := range g.book.Bids {
		current["b"+lvl.Price.String()] = lvl.Qty
	}
	for _, lvl := range g.book.Asks {
		current["a"+lvl.Price.String()] = lvl.Qty
	}

	desiredBids := g.ladder(bestBid, step.Neg(), "b", current)
	desiredAsks := g.ladder(bestAsk, step, "a", current)
	g.consume(trades, desiredBids, desiredAsks)

	delta := market.BookDelta{Seq: g.book.Seq + 1, Timestamp: nowMs}
	delta.Bids = sideChanges(g.book.Bids, desiredBids)
	delta.Asks = sideChanges(g.book.Asks, desiredAsks)
	if len(delta.Bids) == 0 && len(delta.Asks) == 0 {
		return market.BookDelta{}, false, nil
	}

	next, err := g.book.WithDelta(delta)
	if err != nil {
		return market.BookDelta{}, false, err
	}
	if err := next.Validate(); err != nil {
		return market.BookDelta{}, false, err
	}
	g.book = next
	return delta, true, nil
}

// ladder builds the desired level map for one side, starting at the touch and
// stepping away from mid. Surviving prices keep their quantity, with an
// occasional re-roll so depth keeps moving.
func (g *Generator) ladder(touch, step decimal.Decimal, prefix string, current map[string]decimal.Decimal) map[string]decimal.Decimal {
	desired := make(map[string]decimal.Decimal, g.cfg.BookLevels)
	price := touch
	for i := 0; i < g.cfg.BookLevels; i++ {
		key := price.String()
		if _, dup := desired[key]; !dup {
			qty, held := current[prefix+key]
			if !held || g.rng.Float64() < 0.15 {
				qty = decimal.NewFromFloat(g.rng.Float64()*2 + 0.1).Round(6)
			}
			desired[key] = qty
		}
		price = price.Add(step)
		if !price.IsPositive() {
			break
		}
	}
	return desired
}

// consume removes the liquidity matched by this tick's trades: buys eat the
// best asks, sells eat the best bids.
func (g *Generator) consume(trades []market.Trade, bids, asks map[string]decimal.Decimal) {
	for _, t := range trades {
		side := asks
		if t.Side == market.SideSell {
			side = bids
		}
		best, ok := bestKey(side, t.Side == market.SideSell)
		if !ok {
			continue
		}
		left := side[best].Sub(t.Qty)
		if left.IsPositive() {
			side[best] = left
		} else {
			delete(side, best)
		}
	}
}

// bestKey returns the price key closest to mid: highest for bids, lowest for
// asks.
func bestKey(side map[string]decimal.Decimal, highest bool) (string, bool) {
	var best decimal.Decimal
	var bestS string
	for k := range side {
		p, err := decimal.NewFromString(k)
		if err != nil {
			continue
		}
		if bestS == "" || (highest && p.Cmp(best) > 0) || (!highest && p.Cmp(best) < 0) {
			best, bestS = p, k
		}
	}
	return bestS, bestS != ""
}

// sideChanges diffs the held side against the desired map: removals for
// vanished prices, updates for changed quantities.
func sideChanges(held []market.BookLevel, desired map[string]decimal.Decimal) []market.BookLevel {
	var changes []market.BookLevel
	heldAt := make(map[string]decimal.Decimal, len(held))
	for _, lvl := range held {
		heldAt[lvl.Price.String()] = lvl.Qty
		if _, keep := desired[lvl.Price.String()]; !keep {
			changes = append(changes, market.BookLevel{Price: lvl.Price, Qty: decimal.Zero})
		}
	}
	for key, qty := range desired {
		if prev, ok := heldAt[key]; !ok || !prev.Equal(qty) {
			changes = append(changes, market.BookLevel{Price: decimal.RequireFromString(key), Qty: qty})
		}
	}
	return changes
}

// foldCandles rolls the open candle over interval boundaries and folds this
// tick's trades into it, emitting a candle event per fold and a close/open
// pair at each boundary.
func (g *Generator) foldCandles(trades []market.Trade, nowMs int64) ([]market.Event, error) {
	var events []market.Event

	if !g.hasCandle {
		g.candle = market.NewCandle(nowMs, g.cfg.CandleInterval, decimal.NewFromFloat(g.price).Round(2))
		g.hasCandle = true
		events = append(events, market.CandleEvent(g.candle))
	}

	if !g.candle.Contains(nowMs) {
		g.candle.Seal()
		events = append(events, market.CandleEvent(g.candle))
		g.candle = market.NewCandle(nowMs, g.cfg.CandleInterval, g.candle.Close)
		events = append(events, market.CandleEvent(g.candle))
	}

	for _, t := range trades {
		if err := g.candle.Fold(t); err != nil {
			return nil, err
		}
		events = append(events, market.CandleEvent(g.candle))
	}
	return events, nil
}

// rollVolume maintains the 24h volume window in fixed minute buckets.
func (g *Generator) rollVolume(nowMs int64, trades []market.Trade) {
	minute := nowMs / 60_000
	if g.curMinute == 0 {
		g.curMinute = minute
	}
	steps := minute - g.curMinute
	if steps > minuteBuckets {
		steps = minuteBuckets
	}
	for i := int64(1); i <= steps; i++ {
		idx := (g.curMinute + i) % minuteBuckets
		g.vol24 = g.vol24.Sub(g.volBuckets[idx])
		g.volBuckets[idx] = decimal.Zero
	}
	g.curMinute = minute

	idx := minute % minuteBuckets
	for _, t := range trades {
		g.volBuckets[idx] = g.volBuckets[idx].Add(t.Qty)
		g.vol24 = g.vol24.Add(t.Qty)
	}
}

func (g *Generator) ticker(nowMs int64) market.Ticker {
	tk := market.Ticker{
		LastPrice: decimal.NewFromFloat(g.price).Round(2),
		High24h:   decimal.NewFromFloat(g.high24).Round(2),
		Low24h:    decimal.NewFromFloat(g.low24).Round(2),
		Volume24h: g.vol24,
		Timestamp: nowMs,
	}
	if bid, ok := g.book.BestBid(); ok {
		tk.BestBid = bid.Price
	}
	if ask, ok := g.book.BestAsk(); ok {
		tk.BestAsk = ask.Price
	}
	if g.ref24 > 0 {
		tk.Change24hPct = (g.price - g.ref24) / g.ref24 * 100
	}
	return tk
}
