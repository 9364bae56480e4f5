package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketdash/config"
	"marketdash/internal/feedserver"
	"marketdash/internal/generator"
	"marketdash/internal/hub"
	"marketdash/internal/metrics"
	"marketdash/logger"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := hub.New(hub.Config{QueueSize: cfg.Server.QueueSize}, log.Named("hub"))

	gen := generator.New(generator.Config{
		InitialPrice:     cfg.Generator.InitialPrice,
		Volatility:       cfg.Generator.Volatility,
		MeanReversion:    cfg.Generator.MeanReversion,
		TickInterval:     cfg.Generator.TickInterval,
		CandleInterval:   cfg.Generator.CandleInterval,
		BookLevels:       cfg.Generator.BookLevels,
		MaxTradesPerTick: cfg.Generator.MaxTradesPerTick,
		PriceFloor:       cfg.Generator.PriceFloor,
	}, log.Named("generator"))

	srv := feedserver.New(feedserver.Config{
		Addr:              cfg.Server.Addr,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		WriteTimeout:      cfg.Server.WriteTimeout,
		HandshakeTimeout:  cfg.Server.HandshakeTimeout,
	}, h, log.Named("feedserver"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gen.Run(ctx, h.Publish) })
	g.Go(func() error { return srv.Run(ctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Run(ctx, cfg.Metrics.Addr, log.Named("metrics")) })
	}

	if err := g.Wait(); err != nil {
		log.Fatal("feed server failed", zap.Error(err))
	}
	log.Info("feed server stopped")
}
