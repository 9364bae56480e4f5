// Package hub fans generated events out to every connected subscriber. The
// publisher never blocks: each subscriber owns a fixed-capacity ring, and a
// subscriber that falls behind loses its oldest buffered events and is
// resynchronized with an explicit discontinuity marker plus a fresh snapshot.
package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"marketdash/internal/market"
	"marketdash/internal/metrics"
	"marketdash/internal/protocol"
)

// Config sizes the per-subscriber queue and the retained snapshot state.
type Config struct {
	QueueSize       int
	SnapshotTrades  int
	SnapshotCandles int
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SnapshotTrades <= 0 {
		c.SnapshotTrades = 100
	}
	if c.SnapshotCandles <= 0 {
		c.SnapshotCandles = 200
	}
}

// Hub is the broadcast transport. Publish runs on the generator's lane while
// Subscribe and Subscription.Close are called from per-connection lanes.
type Hub struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	// Retained feed state for snapshots.
	stateMu   sync.Mutex
	book      market.OrderBook
	open      market.Candle
	hasOpen   bool
	candles   []market.Candle // closed, oldest first
	trades    []market.Trade  // newest first
	ticker    market.Ticker
	hasTicker bool
}

func New(cfg Config, log *zap.Logger) *Hub {
	cfg.setDefaults()
	return &Hub{
		cfg:  cfg,
		log:  log,
		subs: make(map[uint64]*Subscription),
	}
}

// Publish folds the event into the retained state and enqueues it for every
// subscriber. It never blocks on a slow consumer.
func (h *Hub) Publish(ev market.Event) {
	h.retain(ev)
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	h.mu.RLock()
	for _, s := range h.subs {
		s.enqueue(ev)
	}
	h.mu.RUnlock()
}

func (h *Hub) retain(ev market.Event) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	switch ev.Kind {
	case market.EventTrade:
		h.trades = append([]market.Trade{*ev.Trade}, h.trades...)
		if len(h.trades) > h.cfg.SnapshotTrades {
			h.trades = h.trades[:h.cfg.SnapshotTrades]
		}
	case market.EventBookDelta:
		next, err := h.book.WithDelta(*ev.Delta)
		if err != nil {
			// The generator is the only producer; a bad delta here is a
			// defect upstream, not something to repair.
			h.log.Error("retained book rejected delta", zap.Error(err))
			return
		}
		h.book = next
	case market.EventCandle:
		if ev.Candle.Closed {
			if n := len(h.candles); n > 0 && h.candles[n-1].Start == ev.Candle.Start {
				h.candles[n-1] = *ev.Candle
			} else {
				h.candles = append(h.candles, *ev.Candle)
				if len(h.candles) > h.cfg.SnapshotCandles {
					h.candles = h.candles[1:]
				}
			}
			if h.hasOpen && h.open.Start == ev.Candle.Start {
				h.hasOpen = false
			}
		} else {
			h.open = *ev.Candle
			h.hasOpen = true
		}
	case market.EventTicker:
		h.ticker = *ev.Ticker
		h.hasTicker = true
	}
}

// snapshot copies the retained state into a wire payload.
func (h *Hub) snapshot() protocol.Snapshot {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	snap := protocol.Snapshot{
		Book:    h.book,
		Candles: make([]market.Candle, len(h.candles)),
		Trades:  make([]market.Trade, len(h.trades)),
	}
	copy(snap.Candles, h.candles)
	copy(snap.Trades, h.trades)
	if h.hasOpen {
		open := h.open
		snap.OpenCandle = &open
	}
	if h.hasTicker {
		tk := h.ticker
		snap.Ticker = &tk
	}
	return snap
}

// Subscribe registers a consumer. Its frame stream starts with a full-state
// snapshot, then the live events.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:      h,
		ring:     make([]market.Event, 0, h.cfg.QueueSize),
		needSnap: true,
		signal:   make(chan struct{}, 1),
		out:      make(chan protocol.Frame, 1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	h.log.Debug("subscriber joined", zap.Uint64("id", s.id))

	go s.pump()
	// Kick the pump so the snapshot goes out before any event arrives.
	s.wake()
	return s
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		metrics.Subscribers.Dec()
		h.log.Debug("subscriber left", zap.Uint64("id", id))
	}
}

// SubscriberCount reports the registry size.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Subscription is one consumer's handle on the broadcast stream.
type Subscription struct {
	id  uint64
	hub *Hub

	mu       sync.Mutex
	ring     []market.Event
	dropped  uint64
	needSnap bool
	closed   bool

	signal    chan struct{}
	out       chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Frames yields the subscriber's ordered frame stream. Frame sequence
// numbers are stamped by the connection writer, not here.
func (s *Subscription) Frames() <-chan protocol.Frame { return s.out }

// Close releases the subscription. Safe to call from any goroutine, multiple
// times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.hub.unsubscribe(s.id)
	})
}

// enqueue runs on the publisher's lane. With the ring full, the oldest
// buffered event is dropped and the drop is recorded for resync signaling.
func (s *Subscription) enqueue(ev market.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) == cap(s.ring) {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
		s.dropped++
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump drains the ring into the out channel. A blocked consumer only stalls
// the pump; the ring keeps absorbing (and, when full, dropping) upstream.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			needSnap := s.needSnap
			dropped := s.dropped
			var batch []market.Event
			if dropped > 0 {
				// The backlog is discontinuous: throw it away and restart
				// the consumer from a fresh snapshot.
				s.ring = s.ring[:0]
				s.dropped = 0
			} else if len(s.ring) > 0 {
				batch = make([]market.Event, len(s.ring))
				copy(batch, s.ring)
				s.ring = s.ring[:0]
			}
			s.needSnap = false
			s.mu.Unlock()

			if dropped > 0 {
				metrics.DroppedFrames.Add(float64(dropped))
				s.hub.log.Warn("subscriber overflowed, resyncing",
					zap.Uint64("id", s.id), zap.Uint64("dropped", dropped))
				frame, err := protocol.NewFrame(protocol.FrameResync, nowMillis(), protocol.Resync{Dropped: dropped})
				if err != nil {
					s.hub.log.Error("resync frame build failed", zap.Error(err))
					return
				}
				if !s.send(frame) || !s.sendSnapshot() {
					return
				}
				continue
			}

			if needSnap {
				if !s.sendSnapshot() {
					return
				}
			}
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				frame, err := protocol.FromEvent(ev, nowMillis())
				if err != nil {
					s.hub.log.Error("frame build failed", zap.Error(err))
					continue
				}
				if !s.send(frame) {
					return
				}
			}
		}
	}
}

func (s *Subscription) sendSnapshot() bool {
	frame, err := protocol.NewFrame(protocol.FrameSnapshot, nowMillis(), s.hub.snapshot())
	if err != nil {
		s.hub.log.Error("snapshot frame build failed", zap.Error(err))
		return false
	}
	metrics.Snapshots.Inc()
	return s.send(frame)
}

func (s *Subscription) send(f protocol.Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
