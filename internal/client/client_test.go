package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketdash/internal/market"
	"marketdash/internal/protocol"
)

// recordingSink captures everything the client hands to the store.
type recordingSink struct {
	mu        sync.Mutex
	snapshots int
	events    []market.Event
	states    []market.ConnState
	applyErr  error
}

func (r *recordingSink) ApplySnapshot(protocol.Snapshot) {
	r.mu.Lock()
	r.snapshots++
	r.mu.Unlock()
}

func (r *recordingSink) Apply(ev market.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) SetConnState(st market.ConnState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recordingSink) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots
}

func (r *recordingSink) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var upgrader = websocket.Upgrader{}

// serve runs a websocket endpoint whose per-connection behavior is the given
// handler. The handler receives the connection after the subscribe op has
// been consumed and the snapshot sent.
func serve(t *testing.T, session func(conn *websocket.Conn, seq *uint64)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)

		// Handshake: wait for the subscribe op, then the snapshot.
		_, raw, err := conn.ReadMessage()
		if err != nil || protocol.SniffOp(raw) != protocol.OpSubscribe {
			return
		}
		var seq uint64
		sendFrame(t, conn, protocol.FrameSnapshot, &seq, protocol.Snapshot{
			Book: market.OrderBook{Seq: 1},
		})
		if session != nil {
			session(conn, &seq)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ protocol.FrameType, seq *uint64, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(typ, time.Now().UnixMilli(), payload)
	if err != nil {
		t.Errorf("build %s frame: %v", typ, err)
		return
	}
	*seq++
	f.Seq = *seq
	raw, err := f.Encode()
	if err != nil {
		t.Errorf("encode %s frame: %v", typ, err)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 50 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}
}

// go test -v --run TestSubscribeAppliesSnapshotThenEvents
func TestSubscribeAppliesSnapshotThenEvents(t *testing.T) {
	srv, _ := serve(t, func(conn *websocket.Conn, seq *uint64) {
		sendFrame(t, conn, protocol.FrameTrade, seq, market.Trade{
			ID: 1, Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(1),
			Side: market.SideBuy, Timestamp: time.Now().UnixMilli(),
		})
		time.Sleep(time.Second)
	})

	sink := &recordingSink{}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, 2*time.Second, func() bool { return c.State() == market.ConnSubscribed },
		"client never reached subscribed")
	waitFor(t, 2*time.Second, func() bool { return sink.eventCount() >= 1 },
		"trade after snapshot never applied")
	if sink.snapshotCount() != 1 {
		t.Errorf("snapshots applied = %d, expected 1", sink.snapshotCount())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].Kind != market.EventTrade || sink.events[0].Trade.ID != 1 {
		t.Errorf("first event = %+v, expected trade 1", sink.events[0])
	}
}

// go test -v --run TestHeartbeatTimeoutReconnects
func TestHeartbeatTimeoutReconnects(t *testing.T) {
	// The server goes silent after the snapshot; the watchdog (2x the
	// heartbeat interval) must drop the connection and the client must dial
	// again after backing off.
	srv, dials := serve(t, func(conn *websocket.Conn, seq *uint64) {
		time.Sleep(2 * time.Second)
	})

	sink := &recordingSink{}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, 3*time.Second, func() bool { return dials.Load() >= 2 },
		"client never reconnected after heartbeat silence")
	waitFor(t, 2*time.Second, func() bool { return sink.snapshotCount() >= 2 },
		"reconnect did not resync from a fresh snapshot")
}

// go test -v --run TestHeartbeatsKeepSessionAlive
func TestHeartbeatsKeepSessionAlive(t *testing.T) {
	srv, dials := serve(t, func(conn *websocket.Conn, seq *uint64) {
		// Drain acks so the read side stays live.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for i := 0; i < 20; i++ {
			sendFrame(t, conn, protocol.FrameHeartbeat, seq, protocol.Heartbeat{
				Ts: time.Now().UnixMilli(),
			})
			time.Sleep(40 * time.Millisecond)
		}
	})

	sink := &recordingSink{}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, 2*time.Second, func() bool { return c.LastHeartbeat() > 0 },
		"no heartbeat recorded")
	// Heartbeats at 40ms against a 100ms watchdog: one session covers the
	// whole observation window.
	time.Sleep(300 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("dial count = %d, expected a single live session", got)
	}
}

// go test -v --run TestFrameSeqGapReconnects
func TestFrameSeqGapReconnects(t *testing.T) {
	srv, dials := serve(t, func(conn *websocket.Conn, seq *uint64) {
		*seq += 3 // jump the stream sequence past the snapshot
		sendFrame(t, conn, protocol.FrameTrade, seq, market.Trade{
			ID: 2, Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(1),
			Side: market.SideBuy, Timestamp: time.Now().UnixMilli(),
		})
		time.Sleep(time.Second)
	})

	sink := &recordingSink{}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, 3*time.Second, func() bool { return dials.Load() >= 2 },
		"seq gap did not force a reconnect")
	if sink.eventCount() != 0 {
		t.Errorf("gapped trade was applied anyway (%d events)", sink.eventCount())
	}
}

// go test -v --run TestMalformedFrameReconnects
func TestMalformedFrameReconnects(t *testing.T) {
	srv, dials := serve(t, func(conn *websocket.Conn, seq *uint64) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery","seq":2}`))
		time.Sleep(time.Second)
	})

	sink := &recordingSink{}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, 3*time.Second, func() bool { return dials.Load() >= 2 },
		"malformed frame did not force a reconnect")
}

// go test -v --run TestInvariantViolationHalts
func TestInvariantViolationHalts(t *testing.T) {
	srv, dials := serve(t, func(conn *websocket.Conn, seq *uint64) {
		sendFrame(t, conn, protocol.FrameTrade, seq, market.Trade{
			ID: 1, Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(1),
			Side: market.SideBuy, Timestamp: time.Now().UnixMilli(),
		})
		time.Sleep(time.Second)
	})

	sink := &recordingSink{applyErr: market.Invariantf("store", "corrupt state")}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	err := c.Run(context.Background())

	var inv *market.InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("Run returned %v, expected an invariant error", err)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("client reconnected %d times after an invariant violation", got-1)
	}
	if c.State() != market.ConnDisconnected {
		t.Errorf("halted client state = %v, expected disconnected", c.State())
	}
}

// go test -v --run TestCloseStopsPromptly
func TestCloseStopsPromptly(t *testing.T) {
	srv, _ := serve(t, func(conn *websocket.Conn, seq *uint64) {
		time.Sleep(2 * time.Second)
	})

	sink := &recordingSink{}
	c := New(testConfig(wsURL(srv)), sink, zap.NewNop())
	c.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return c.State() == market.ConnSubscribed },
		"client never subscribed")

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return within a second")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after Close = %v, expected nil", err)
	}
	if c.State() != market.ConnDisconnected {
		t.Errorf("state after Close = %v", c.State())
	}
}

// go test -v --run TestCloseDuringBackoffWait
func TestCloseDuringBackoffWait(t *testing.T) {
	// Nothing listens here, so the client sits in its reconnect timer.
	sink := &recordingSink{}
	cfg := testConfig("ws://127.0.0.1:1/feed")
	cfg.BackoffBase = 10 * time.Second
	cfg.DialTimeout = 100 * time.Millisecond
	c := New(cfg, sink, zap.NewNop())
	c.Start(context.Background())

	time.Sleep(300 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the reconnect timer")
	}
}

// go test -v --run TestBackoffSchedule
func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 0)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d delay = %v, expected %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("delay after reset = %v, expected base", got)
	}
}

// go test -v --run TestBackoffJitterBounds
func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0.2)
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of base", d)
		}
	}
}
