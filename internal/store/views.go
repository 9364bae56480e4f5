package store

import (
	"sync"

	"github.com/shopspring/decimal"

	"marketdash/internal/market"
)

// memoCache holds the lazily recomputed derived views. It is guarded by
// its own mutex so a read that only refreshes a memo does not need the
// store's write lock; callers always hold at least s.mu.RLock, so the
// underlying state cannot change mid-refresh.
type memoCache struct {
	mu    sync.Mutex
	dirty [viewCount]bool

	trades   []market.Trade
	bids     []market.BookLevel
	asks     []market.BookLevel
	candles  []market.Candle
	vwap     decimal.Decimal
	buyRatio float64
}

// Trades returns the retained trades, newest first. The slice is a copy.
func (s *Store) Trades() []market.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.dirty[viewTrades] {
		s.memo.trades = append(s.memo.trades[:0], s.trades...)
		s.memo.dirty[viewTrades] = false
	}
	return append([]market.Trade(nil), s.memo.trades...)
}

// TopLevels returns the top book levels per side: bids descending, asks
// ascending. Both slices are copies.
func (s *Store) TopLevels() (bids, asks []market.BookLevel) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.dirty[viewBook] {
		s.memo.bids, s.memo.asks = s.book.Top(s.cfg.TopLevels)
		s.memo.dirty[viewBook] = false
	}
	return append([]market.BookLevel(nil), s.memo.bids...),
		append([]market.BookLevel(nil), s.memo.asks...)
}

// Candles returns the closed candles oldest first, with the open candle
// appended last when present.
func (s *Store) Candles() []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.dirty[viewCandles] {
		s.memo.candles = append(s.memo.candles[:0], s.candles...)
		if s.hasOpen {
			s.memo.candles = append(s.memo.candles, s.open)
		}
		s.memo.dirty[viewCandles] = false
	}
	return append([]market.Candle(nil), s.memo.candles...)
}

// OpenCandle returns the in-progress candle, if any.
func (s *Store) OpenCandle() (market.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open, s.hasOpen
}

// CurrentTicker returns the latest ticker, if one has been seen.
func (s *Store) CurrentTicker() (market.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticker, s.hasTicker
}

// VWAP is the volume-weighted average price over the newest trades in the
// compute window. Zero when no trades are retained.
func (s *Store) VWAP() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.dirty[viewVWAP] {
		s.memo.vwap = s.computeVWAP()
		s.memo.dirty[viewVWAP] = false
	}
	return s.memo.vwap
}

func (s *Store) computeVWAP() decimal.Decimal {
	n := len(s.trades)
	if n > s.cfg.ComputeWindow {
		n = s.cfg.ComputeWindow
	}
	if n == 0 {
		return decimal.Zero
	}
	var notional, volume decimal.Decimal
	for _, t := range s.trades[:n] {
		notional = notional.Add(t.Value())
		volume = volume.Add(t.Qty)
	}
	if volume.IsZero() {
		return decimal.Zero
	}
	return notional.Div(volume)
}

// BuyRatio is the fraction of buy-side trades over the compute window.
// 0.5 when no trades are retained.
func (s *Store) BuyRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.dirty[viewBuyRatio] {
		s.memo.buyRatio = s.computeBuyRatio()
		s.memo.dirty[viewBuyRatio] = false
	}
	return s.memo.buyRatio
}

func (s *Store) computeBuyRatio() float64 {
	n := len(s.trades)
	if n > s.cfg.ComputeWindow {
		n = s.cfg.ComputeWindow
	}
	if n == 0 {
		return 0.5
	}
	buys := 0
	for _, t := range s.trades[:n] {
		if t.Side == market.SideBuy {
			buys++
		}
	}
	return float64(buys) / float64(n)
}
