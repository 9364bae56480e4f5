// Package metrics exposes the feed server's Prometheus counters.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_events_published_total", Help: "Events handed to the broadcast hub"},
		[]string{"kind"},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_subscribers", Help: "Currently connected subscribers"},
	)
	DroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_dropped_frames_total", Help: "Frames dropped for slow subscribers"},
	)
	Snapshots = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_snapshots_total", Help: "Snapshots served to subscribers"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished, Subscribers, DroppedFrames, Snapshots)
}

// Run serves /metrics until the context dies.
func Run(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
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
