package store

import "marketdash/internal/market"

// LevelChange is one price level that changed on one side of the book. A
// zero quantity means the level was removed.
type LevelChange struct {
	Side  market.BookSide
	Level market.BookLevel
}

// BookChanges describes what happened to the book since a read token. When
// Full is set the per-level log no longer covers the token and Bids/Asks
// carry a complete top-of-book refresh; otherwise Changed lists individual
// level updates in apply order.
type BookChanges struct {
	Full    bool
	Bids    []market.BookLevel
	Asks    []market.BookLevel
	Changed []LevelChange
}

// CandlePatch carries candle changes: the current open candle (when it
// changed) and any candles that closed.
type CandlePatch struct {
	Open   *market.Candle
	Closed []market.Candle // oldest first
}

// Diff is everything that changed between two read tokens. Nil sub-patches
// mean "unchanged". ConnState is always populated.
type Diff struct {
	NewTrades []market.Trade // newest first
	Book      *BookChanges
	Candles   *CandlePatch
	Ticker    *market.Ticker
	ConnState market.ConnState
}

// Empty reports whether the diff carries no market-data changes.
func (d Diff) Empty() bool {
	return len(d.NewTrades) == 0 && d.Book == nil && d.Candles == nil && d.Ticker == nil
}

// DiffSince returns the changes accumulated after the given read token and
// a new token covering them. Token zero yields the complete current state.
// Calling again with the returned token and no intervening writes yields an
// empty diff. The diff is internally consistent: it is computed under the
// same read lock writers exclude, so it can never expose a half-applied
// event.
func (s *Store) DiffSince(token uint64) (Diff, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := Diff{ConnState: s.connState}

	// Trades are newest first with monotone version stamps, so changes
	// form a prefix.
	for i, v := range s.tradeVers {
		if v <= token {
			break
		}
		d.NewTrades = append(d.NewTrades, s.trades[i])
	}

	if s.bookVer > token {
		bc := &BookChanges{}
		if token < s.bookFullVer {
			bc.Full = true
			bc.Bids, bc.Asks = s.book.Top(s.cfg.TopLevels)
		} else {
			for _, e := range s.levelLog {
				if e.ver > token {
					bc.Changed = append(bc.Changed, e.ch)
				}
			}
		}
		d.Book = bc
	}

	var cp CandlePatch
	if s.hasOpen && s.openVer > token {
		o := s.open
		cp.Open = &o
	}
	for i, v := range s.candleVers {
		if v > token {
			cp.Closed = append(cp.Closed, s.candles[i])
		}
	}
	if cp.Open != nil || len(cp.Closed) > 0 {
		d.Candles = &cp
	}

	if s.hasTicker && s.tickerVer > token {
		tk := s.ticker
		d.Ticker = &tk
	}

	return d, s.version
}
