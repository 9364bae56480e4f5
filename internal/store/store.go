// Package store holds the client's authoritative market state. Events are
// applied strictly in arrival order by a single writer; derived views are
// memoized behind dirty flags and recomputed lazily on read. Renderers pull
// incremental diffs keyed by a read token, so paint cadence is decoupled
// from network cadence.
package store

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"marketdash/internal/market"
	"marketdash/internal/protocol"
)

// ErrResyncRequired signals that the book lost sequence continuity and the
// transport must fetch a fresh snapshot (by reconnecting).
var ErrResyncRequired = errors.New("resynchronization required")

// levelLogCap bounds the per-level change log; readers whose token predates
// the log get a full top-of-book refresh instead.
const levelLogCap = 512

// Config sizes the retained windows.
type Config struct {
	MaxTrades     int // trade ring
	MaxCandles    int // closed candle ring
	TopLevels     int // book levels per side exposed to readers
	ComputeWindow int // trades feeding VWAP and buy-ratio
}

func (c *Config) setDefaults() {
	if c.MaxTrades <= 0 {
		c.MaxTrades = 100
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = 200
	}
	if c.TopLevels <= 0 {
		c.TopLevels = 10
	}
	if c.ComputeWindow <= 0 {
		c.ComputeWindow = 50
	}
}

type view int

const (
	viewTrades view = iota
	viewBook
	viewCandles
	viewTicker
	viewVWAP
	viewBuyRatio
	viewCount
)

type levelLogEntry struct {
	ver uint64
	ch  LevelChange
}

// Store is the reactive state container. Apply and ApplySnapshot are
// writes; everything else may run concurrently with other reads.
type Store struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	version uint64

	trades    []market.Trade // newest first
	tradeVers []uint64
	seen      map[uint64]struct{}

	book         market.OrderBook
	bookValid    bool
	resyncNeeded bool
	bookVer      uint64
	bookFullVer  uint64 // tokens older than this get a full book refresh
	levelLog     []levelLogEntry

	candles    []market.Candle // closed, oldest first
	candleVers []uint64
	open       market.Candle
	hasOpen    bool
	openVer    uint64

	ticker    market.Ticker
	hasTicker bool
	tickerVer uint64

	connState market.ConnState

	memo memoCache
}

func New(cfg Config, log *zap.Logger) *Store {
	cfg.setDefaults()
	s := &Store{
		cfg:  cfg,
		log:  log,
		seen: make(map[uint64]struct{}),
	}
	for v := view(0); v < viewCount; v++ {
		s.memo.dirty[v] = true
	}
	return s
}

// Apply folds one event into the state. Re-applying a trade already inside
// the dedup window is a no-op. A book delta that skips sequence numbers
// discards the book, flags resync, and returns ErrResyncRequired exactly
// once; an InvariantError is returned untouched and must halt the caller.
func (s *Store) Apply(ev market.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Kind {
	case market.EventTrade:
		return s.applyTrade(*ev.Trade)
	case market.EventBookDelta:
		return s.applyDelta(*ev.Delta)
	case market.EventCandle:
		s.applyCandle(*ev.Candle)
		return nil
	case market.EventTicker:
		s.applyTicker(*ev.Ticker)
		return nil
	default:
		return market.Invariantf("store", "unknown event kind %q", ev.Kind)
	}
}

func (s *Store) applyTrade(t market.Trade) error {
	if _, dup := s.seen[t.ID]; dup {
		return nil
	}
	s.version++

	s.trades = append([]market.Trade{t}, s.trades...)
	s.tradeVers = append([]uint64{s.version}, s.tradeVers...)
	s.seen[t.ID] = struct{}{}
	if len(s.trades) > s.cfg.MaxTrades {
		evicted := s.trades[len(s.trades)-1]
		delete(s.seen, evicted.ID)
		s.trades = s.trades[:len(s.trades)-1]
		s.tradeVers = s.tradeVers[:len(s.tradeVers)-1]
	}
	s.markDirty(viewTrades, viewVWAP, viewBuyRatio)

	// The open candle tracks every trade in its interval; the generator's
	// own candle events later confirm the same values.
	if s.hasOpen && s.open.Contains(t.Timestamp) {
		if err := s.open.Fold(t); err != nil {
			return err
		}
		s.openVer = s.version
		s.markDirty(viewCandles)
	}
	return nil
}

func (s *Store) applyDelta(d market.BookDelta) error {
	if !s.bookValid {
		// Already awaiting a snapshot; one resync request is enough.
		return nil
	}
	if d.Seq <= s.book.Seq {
		// Replay of an already-applied delta (snapshot overlap). No-op.
		return nil
	}
	if d.Seq != s.book.Seq+1 {
		last := s.book.Seq
		s.version++
		s.book = market.OrderBook{}
		s.bookValid = false
		s.resyncNeeded = true
		s.bookVer = s.version
		s.bookFullVer = s.version
		s.levelLog = nil
		s.markDirty(viewBook)
		return fmt.Errorf("book delta seq %d does not follow %d: %w",
			d.Seq, last, ErrResyncRequired)
	}

	next, err := s.book.WithDelta(d)
	if err != nil {
		return err
	}
	s.version++
	s.book = next
	s.bookVer = s.version
	for _, lvl := range d.Bids {
		s.logLevel(LevelChange{Side: market.BidSide, Level: lvl})
	}
	for _, lvl := range d.Asks {
		s.logLevel(LevelChange{Side: market.AskSide, Level: lvl})
	}
	s.markDirty(viewBook)
	return nil
}

func (s *Store) logLevel(ch LevelChange) {
	if len(s.levelLog) >= levelLogCap {
		s.levelLog = s.levelLog[:0]
		s.bookFullVer = s.version
		return
	}
	s.levelLog = append(s.levelLog, levelLogEntry{ver: s.version, ch: ch})
}

func (s *Store) applyCandle(c market.Candle) {
	s.version++
	if c.Closed {
		if n := len(s.candles); n > 0 && s.candles[n-1].Start == c.Start {
			s.candles[n-1] = c
			s.candleVers[n-1] = s.version
		} else {
			s.candles = append(s.candles, c)
			s.candleVers = append(s.candleVers, s.version)
			if len(s.candles) > s.cfg.MaxCandles {
				s.candles = s.candles[1:]
				s.candleVers = s.candleVers[1:]
			}
		}
		if s.hasOpen && s.open.Start == c.Start {
			s.hasOpen = false
		}
	} else {
		s.open = c
		s.hasOpen = true
		s.openVer = s.version
	}
	s.markDirty(viewCandles)
}

func (s *Store) applyTicker(tk market.Ticker) {
	s.version++
	s.ticker = tk
	s.hasTicker = true
	s.tickerVer = s.version
	s.markDirty(viewTicker)
}

// ApplySnapshot replaces the whole state atomically with respect to
// readers. It also clears any pending resync flag: the snapshot is the
// resynchronization.
func (s *Store) ApplySnapshot(snap protocol.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	v := s.version

	n := len(snap.Trades)
	if n > s.cfg.MaxTrades {
		n = s.cfg.MaxTrades
	}
	s.trades = make([]market.Trade, n)
	copy(s.trades, snap.Trades[:n])
	s.tradeVers = make([]uint64, n)
	s.seen = make(map[uint64]struct{}, n)
	for i := range s.trades {
		s.tradeVers[i] = v
		s.seen[s.trades[i].ID] = struct{}{}
	}

	s.book = snap.Book
	s.bookValid = true
	s.resyncNeeded = false
	s.bookVer = v
	s.bookFullVer = v
	s.levelLog = nil

	m := len(snap.Candles)
	if m > s.cfg.MaxCandles {
		snap.Candles = snap.Candles[m-s.cfg.MaxCandles:]
		m = s.cfg.MaxCandles
	}
	s.candles = make([]market.Candle, m)
	copy(s.candles, snap.Candles)
	s.candleVers = make([]uint64, m)
	for i := range s.candleVers {
		s.candleVers[i] = v
	}
	if snap.OpenCandle != nil {
		s.open = *snap.OpenCandle
		s.hasOpen = true
	} else {
		s.hasOpen = false
	}
	s.openVer = v

	if snap.Ticker != nil {
		s.ticker = *snap.Ticker
		s.hasTicker = true
	} else {
		s.hasTicker = false
	}
	s.tickerVer = v

	s.markDirty(viewTrades, viewBook, viewCandles, viewTicker, viewVWAP, viewBuyRatio)
	s.log.Debug("snapshot applied",
		zap.Int("trades", n), zap.Int("candles", m), zap.Uint64("book_seq", s.book.Seq))
}

// SetConnState records the transport's connectivity. The last-known market
// data stays readable while disconnected (stale but consistent).
func (s *Store) SetConnState(st market.ConnState) {
	s.mu.Lock()
	s.connState = st
	s.mu.Unlock()
}

// ConnState reports the last transport state.
func (s *Store) ConnState() market.ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// ResyncNeeded reports whether the book is waiting for a snapshot.
func (s *Store) ResyncNeeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resyncNeeded
}

func (s *Store) markDirty(views ...view) {
	s.memo.mu.Lock()
	for _, v := range views {
		s.memo.dirty[v] = true
	}
	s.memo.mu.Unlock()
}
