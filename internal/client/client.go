// Package client maintains the dashboard's connection to the feed server:
// dial, subscribe, decode, heartbeat watchdog, and reconnect with exponential
// backoff. Reconnecting doubles as resynchronization, because the subscribe
// handshake always starts with a fresh snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketdash/internal/market"
	"marketdash/internal/protocol"
)

// Sink receives decoded feed data. The reactive store implements it.
type Sink interface {
	ApplySnapshot(protocol.Snapshot)
	Apply(market.Event) error
	SetConnState(market.ConnState)
}

// Config controls the connection behavior.
type Config struct {
	URL string
	// HeartbeatInterval is the server's heartbeat cadence. The watchdog
	// drops the connection after 2x this interval without any frame.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffJitter     float64
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.2
	}
}

// Client is the per-connection manager. One Client serves one store.
type Client struct {
	cfg  Config
	sink Sink
	log  *zap.Logger

	state         atomic.Int32
	lastHeartbeat atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

func New(cfg Config, sink Sink, log *zap.Logger) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:  cfg,
		sink: sink,
		log:  log,
		done: make(chan struct{}),
	}
	c.state.Store(int32(market.ConnDisconnected))
	return c
}

// State reports the connection FSM state.
func (c *Client) State() market.ConnState {
	return market.ConnState(c.state.Load())
}

// LastHeartbeat returns the server timestamp of the most recent heartbeat.
func (c *Client) LastHeartbeat() int64 {
	return c.lastHeartbeat.Load()
}

// Start launches the connection loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go func() {
			defer close(c.done)
			c.runErr = c.run(runCtx)
		}()
	})
}

// Close stops the loop: any in-flight reconnect timer is cancelled and the
// underlying connection closed before Close returns. Safe from any
// goroutine, idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

// Err reports why the loop stopped. Nil after a plain Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.runErr
	default:
		return nil
	}
}

// Run is the blocking form of Start, for errgroup use.
func (c *Client) Run(ctx context.Context) error {
	c.Start(ctx)
	<-c.done
	return c.runErr
}

func (c *Client) run(ctx context.Context) error {
	defer c.setState(market.ConnDisconnected)

	backoff := NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax, c.cfg.BackoffJitter)
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(market.ConnConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.setState(market.ConnDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			c.log.Warn("dial failed", zap.String("url", c.cfg.URL),
				zap.Duration("retry_in", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		err = c.session(ctx, conn, backoff)
		_ = conn.Close()
		c.setState(market.ConnDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		var inv *market.InvariantError
		if errors.As(err, &inv) {
			// Corrupt data is a defect, not a connectivity problem. Halt
			// instead of painting an inconsistent chart.
			c.log.Error("halting on invariant violation", zap.Error(err))
			return err
		}

		delay := backoff.Next()
		c.log.Warn("connection lost", zap.Duration("retry_in", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// session runs one connection: subscribe, then decode frames until the
// connection dies, the watchdog fires, or the stream turns bad. The returned
// error classifies the failure for the reconnect loop.
func (c *Client) session(ctx context.Context, conn *websocket.Conn, backoff *Backoff) error {
	// Deterministic cancellation: tearing down the context closes the
	// socket, which unblocks the read below.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := c.write(conn, protocol.OpSubscribe); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	watchdog := 2 * c.cfg.HeartbeatInterval
	subscribed := false
	var lastSeq uint64
	seqSeen := false

	for {
		if err := conn.SetReadDeadline(time.Now().Add(watchdog)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			// Malformed frames are not retried in place; the reconnect
			// resyncs from a fresh snapshot.
			return err
		}
		if seqSeen && frame.Seq != lastSeq+1 {
			return &market.ProtocolError{
				Reason: fmt.Sprintf("connection frame gap: %d -> %d", lastSeq, frame.Seq),
			}
		}
		lastSeq, seqSeen = frame.Seq, true

		switch frame.Type {
		case protocol.FrameHeartbeat:
			c.lastHeartbeat.Store(frame.Ts)
			if err := c.write(conn, protocol.OpHeartbeatAck); err != nil {
				return fmt.Errorf("heartbeat ack: %w", err)
			}

		case protocol.FrameResync:
			var r protocol.Resync
			if err := frame.Payload(&r); err != nil {
				return err
			}
			// The server drops a snapshot right behind this marker; nothing
			// to do but note the discontinuity.
			c.log.Info("stream discontinuity", zap.Uint64("dropped", r.Dropped))

		case protocol.FrameSnapshot:
			var snap protocol.Snapshot
			if err := frame.Payload(&snap); err != nil {
				return err
			}
			c.sink.ApplySnapshot(snap)
			if !subscribed {
				subscribed = true
				backoff.Reset()
				c.setState(market.ConnSubscribed)
				c.log.Info("subscribed", zap.String("url", c.cfg.URL))
			}

		default:
			if !subscribed {
				// The hub sends the snapshot first; anything earlier is
				// noise from a racing writer and carries no state we can
				// anchor to yet.
				continue
			}
			ev, err := frame.Event()
			if err != nil {
				return err
			}
			if err := c.sink.Apply(ev); err != nil {
				return fmt.Errorf("apply %s: %w", ev.Kind, err)
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, op string) error {
	raw, err := protocol.EncodeOp(op, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) setState(st market.ConnState) {
	if market.ConnState(c.state.Swap(int32(st))) != st {
		c.sink.SetConnState(st)
		c.log.Debug("connection state", zap.String("state", st.String()))
	}
}

// sleep waits for d or until the context dies. The reconnect timer is
// stopped either way.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
