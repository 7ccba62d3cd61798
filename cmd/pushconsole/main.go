// Command pushconsole is the foreground process: the guarded notification
// console, its session handling and the live reconciliation of pushes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/pushguard/cache"
	"github.com/ggoodman/pushguard/console"
	"github.com/ggoodman/pushguard/delivery/background"
	"github.com/ggoodman/pushguard/delivery/foreground"
	"github.com/ggoodman/pushguard/durable/sqlite"
	"github.com/ggoodman/pushguard/internal/backends"
	"github.com/ggoodman/pushguard/internal/config"
	"github.com/ggoodman/pushguard/internal/jwtauth"
	"github.com/ggoodman/pushguard/platform"
	"github.com/ggoodman/pushguard/reconcile"
	"github.com/ggoodman/pushguard/session"
	"github.com/ggoodman/pushguard/sso/oidc"
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
		log.Error("console.run.fail", slog.String("err", err.Error()))
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

	engine := reconcile.New(cache.New(set.Slots, cache.WithLogger(log)), set.Durable, reconcile.WithLogger(log))

	mcfg := session.Config{
		Keys:          set.Keys,
		RefreshBuffer: cfg.RefreshBuffer,
		Origin:        cfg.Origin,
		Logger:        log,
	}
	switch {
	case cfg.RefreshURL != "":
		mcfg.Refresher = &session.HTTPRefresher{URL: cfg.RefreshURL}
	case cfg.TokenURL != "":
		mcfg.Refresher = &session.OAuth2Refresher{Config: &oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}}
	}
	if cfg.JWKSURL != "" {
		v, err := jwtauth.NewJWKSVerifier(ctx, jwtauth.DefaultStaticConfig(), cfg.JWKSURL)
		if err != nil {
			return err
		}
		mcfg.Verifier = v
	}
	var sso *oidc.Client
	if cfg.SSOEnabled() {
		sso, err = oidc.New(oidc.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		mcfg.SSO = sso
	}
	manager, err := session.NewManager(mcfg)
	if err != nil {
		return err
	}
	if _, err := manager.Restore(ctx); err != nil {
		log.WarnContext(ctx, "session.restore.fail", slog.String("err", err.Error()))
	}

	p, err := platform.New(platform.Config{Broker: set.Broker, Slots: set.Slots, Logger: log})
	if err != nil {
		return err
	}
	listener, err := foreground.New(foreground.Config{
		Broker: set.Broker,
		Topic:  cfg.PushTopic,
		Engine: engine,
		State:  manager.State(),
		Logger: log,
	})
	if err != nil {
		return err
	}

	hcfg := console.Config{Engine: engine, Manager: manager, Platform: p, Logger: log}
	if sso != nil {
		hcfg.SSO = sso
	}
	h, err := console.New(hcfg)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return foreground.NewSupervisor(listener, manager, log).Run(ctx) })
	g.Go(func() error { return keepAlive(ctx, manager, log) })

	if st, ok := set.Durable.(*sqlite.Store); ok {
		// Drain what the background process writes while a session is live.
		g.Go(func() error {
			return st.Watch(ctx, 0, func(ctx context.Context) {
				if manager.State().Snapshot().Authenticated {
					engine.FetchNotifications(ctx)
				}
			})
		})
	}

	if !set.SharedBroker() {
		// No other process can reach an in-memory broker, so the background
		// worker runs here.
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
		g.Go(func() error { return w.Run(ctx, "") })
		g.Go(func() error { return w.RunClicks(ctx) })
		log.InfoContext(ctx, "console.worker.embedded")
	}

	g.Go(func() error {
		log.InfoContext(ctx, "console.listen", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// keepAlive runs Manager.KeepAlive for every external SSO session.
func keepAlive(ctx context.Context, m *session.Manager, log *slog.Logger) error {
	changed := make(chan struct{}, 1)
	cancel := m.State().Watch(func(session.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		if m.State().Snapshot().Credential.Provenance == session.ProvenanceExternalSSO {
			if err := m.KeepAlive(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.InfoContext(ctx, "session.keepalive.end", slog.String("err", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
