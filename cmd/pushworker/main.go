// Command pushworker is the background delivery process: it records every
// push in the durable store, displays it through the platform topics and
// routes notification clicks to open views.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/pushguard/delivery/background"
	"github.com/ggoodman/pushguard/internal/backends"
	"github.com/ggoodman/pushguard/internal/config"
	"github.com/ggoodman/pushguard/platform"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("config.load.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log := backends.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker.run.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	set, err := backends.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			log.Warn("backends.close.fail", slog.String("err", err.Error()))
		}
	}()
	if !set.SharedBroker() {
		log.Warn("worker.broker.local", slog.String("hint", "set PUSHGUARD_BROKER_BACKEND=redis to reach the console"))
	}

	p, err := platform.New(platform.Config{Broker: set.Broker, Slots: set.Slots, Logger: log})
	if err != nil {
		return err
	}
	w, err := background.New(background.Config{
		Broker:      set.Broker,
		Topic:       cfg.PushTopic,
		ClickTopic:  platform.ClickTopic,
		Store:       set.Durable,
		Displayer:   p,
		Views:       p,
		DefaultIcon: cfg.DefaultIcon,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx, "") })
	g.Go(func() error { return w.RunClicks(ctx) })
	log.InfoContext(ctx, "worker.start", slog.String("topic", cfg.PushTopic))
	return g.Wait()
}
