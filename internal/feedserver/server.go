// Package feedserver exposes the hub's broadcast stream over websocket. Each
// connection waits for a subscribe op, then streams the hub's frames with a
// per-connection sequence number stamped over everything, heartbeats
// included, so clients can verify stream continuity.
package feedserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketdash/internal/hub"
	"marketdash/internal/protocol"
)

// Config controls the listener and per-connection timing.
type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// HandshakeTimeout bounds how long a connection may idle before
	// sending its subscribe op.
	HandshakeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Server owns the websocket endpoint.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, h *hub.Hub, log *zap.Logger) *Server {
	cfg.setDefaults()
	return &Server{
		cfg: cfg,
		hub: h,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Run serves until the context dies, then shuts the listener down. Open
// websocket sessions observe the same context and drain out.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", s.handleFeed)

	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("feed server listening", zap.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	if err := s.awaitSubscribe(conn); err != nil {
		log.Warn("handshake failed", zap.Error(err))
		return
	}

	sub := s.hub.Subscribe()
	defer sub.Close()
	log.Info("subscriber connected")
	defer log.Info("subscriber gone")

	// The reader only consumes heartbeat acks; its exit means the peer hung
	// up and unblocks the writer below.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.writeLoop(r.Context(), conn, sub, readerDone, log)
}

// awaitSubscribe blocks until the peer sends its subscribe op, within the
// handshake timeout. Anything else ends the connection.
func (s *Server) awaitSubscribe(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if op := protocol.SniffOp(raw); op != protocol.OpSubscribe {
		return errors.New("expected subscribe op, got " + op)
	}
	return conn.SetReadDeadline(time.Time{})
}

// writeLoop multiplexes hub frames and heartbeat tick frames onto the
// connection, stamping the per-connection sequence over both.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *hub.Subscription, readerDone <-chan struct{}, log *zap.Logger) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var seq uint64
	write := func(f protocol.Frame) bool {
		seq++
		f.Seq = seq
		raw, err := f.Encode()
		if err != nil {
			log.Error("frame encode failed", zap.String("type", string(f.Type)), zap.Error(err))
			return false
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return false
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			log.Debug("write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
			return
		case <-readerDone:
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			if !write(f) {
				return
			}
		case now := <-heartbeat.C:
			hb, err := protocol.NewFrame(protocol.FrameHeartbeat, now.UnixMilli(),
				protocol.Heartbeat{Ts: now.UnixMilli()})
			if err != nil {
				log.Error("heartbeat encode failed", zap.Error(err))
				return
			}
			if !write(hb) {
				return
			}
		}
	}
}
