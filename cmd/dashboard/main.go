package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketdash/config"
	"marketdash/internal/client"
	"marketdash/internal/render"
	"marketdash/internal/store"
	"marketdash/logger"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger; the terminal belongs to the renderer, so route logs to a
	// file and keep stdout quiet below warn.
	if cfg.Log.OutputFile == "" {
		cfg.Log.OutputFile = "logs/dashboard.log"
		cfg.Log.Level = "warn"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Config{
		MaxTrades:  cfg.Client.MaxTrades,
		MaxCandles: cfg.Client.MaxCandles,
		TopLevels:  cfg.Client.TopLevels,
	}, log.Named("store"))

	cl := client.New(client.Config{
		URL:               cfg.Client.URL,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		DialTimeout:       cfg.Client.DialTimeout,
		BackoffBase:       cfg.Client.BackoffBase,
		BackoffMax:        cfg.Client.BackoffMax,
		BackoffJitter:     cfg.Client.BackoffJitter,
	}, st, log.Named("client"))

	rd := render.New(render.Config{
		PaintInterval: cfg.Render.PaintInterval,
		TradeRows:     cfg.Render.TradeRows,
		BookLevels:    cfg.Render.BookLevels,
	}, st, os.Stdout, log.Named("render"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cl.Run(ctx) })
	g.Go(func() error { return rd.Run(ctx) })

	if err := g.Wait(); err != nil {
		log.Fatal("dashboard failed", zap.Error(err))
	}
	log.Info("dashboard stopped")
}
