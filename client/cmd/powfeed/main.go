package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/powfeed/powfeed/client/internal/api"
	"github.com/powfeed/powfeed/client/internal/auth"
	"github.com/powfeed/powfeed/client/internal/config"
	"github.com/powfeed/powfeed/client/internal/intake"
	"github.com/powfeed/powfeed/client/internal/logging"
	"github.com/powfeed/powfeed/client/internal/metrics"
	"github.com/powfeed/powfeed/client/internal/profile"
	"github.com/powfeed/powfeed/client/internal/render"
	"github.com/powfeed/powfeed/client/internal/session"
	"github.com/powfeed/powfeed/client/internal/store"
	"github.com/powfeed/powfeed/client/internal/ws"
	"github.com/powfeed/powfeed/pkg/nostr"
)

func main() {
	configPath := flag.String("config", "", "path to config file; empty uses defaults and POWFEED_* variables")
	uiDir := flag.String("ui-dir", "", "serve browser UI static files from this directory; leave empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, level := logging.New(logOutput(cfg), cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	slog.Info("powfeed starting",
		"config", *configPath,
		"relays", cfg.Client.RelayURLs(),
		"http_addr", cfg.HTTP.Addr,
		"profiles", cfg.Client.Profiles.Enabled,
		"auth_mode", cfg.HTTP.Auth.Mode,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notes := intake.New()
	dir := profile.NewDirectory()
	status := store.New(cfg.AdvisoryTTL)

	sess := session.New(session.Options{
		Relays: cfg.Client.RelayURLs(),
		Filters: []nostr.Filter{{
			Kinds: cfg.Client.Subscription.Kinds,
			Limit: cfg.Client.Subscription.Limit,
		}},
		DialTimeout:   cfg.Client.DialTimeout,
		PingInterval:  cfg.Client.PingInterval,
		ReadTimeout:   cfg.Client.ReadTimeout,
		QueueSize:     cfg.Client.QueueSize,
		Profiles:      cfg.Client.Profiles.Enabled,
		BatchInterval: cfg.Client.Profiles.BatchInterval,
		BatchSize:     cfg.Client.Profiles.BatchSize,
	}, notes, dir, status)

	var renderer *render.Renderer
	if cfg.Render.Interval > 0 {
		renderer = render.New(os.Stdout, notes, dir, status, render.Options{Top: cfg.Render.Top})
	}

	g, ctx := errgroup.WithContext(ctx)

	// Relay status store with background advisory expiry.
	g.Go(func() error {
		status.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return sess.Run(ctx)
	})

	if renderer != nil {
		g.Go(func() error {
			renderer.Run(ctx, cfg.Render.Interval)
			return nil
		})
	}

	if *configPath != "" {
		g.Go(func() error {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				level.Set(logging.ParseLevel(next.Log.Level))
				if renderer != nil {
					renderer.SetTop(next.Render.Top)
				}
				slog.Info("config reloaded; relay, HTTP and interval changes apply on restart",
					"log_level", next.Log.Level, "render_top", next.Render.Top)
			})
			if err != nil {
				slog.Warn("config watch disabled", "err", err)
			}
			return nil
		})
	}

	if cfg.HTTP.Addr != "" {
		src := api.Sources{Notes: notes, Profiles: dir, Relays: status}

		// WebSocket hub: pushes on every tick and whenever a note is accepted.
		hub := ws.New(src, api.DefaultLimit, cfg.HTTP.BroadcastInterval)
		unsubscribe := notes.Subscribe(func(intake.Item) { hub.Notify() })
		defer unsubscribe()
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})

		conns := sess.Conns()
		relays := make([]metrics.Relay, 0, len(conns))
		for _, c := range conns {
			relays = append(relays, c)
		}

		authHeader := cfg.HTTP.Auth.EffectiveHeader()
		router := api.New(src,
			api.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
			api.WithAllowedHeaders(authHeader),
			api.WithMiddleware(auth.APIKey(cfg.HTTP.Auth.Mode, authHeader, cfg.HTTP.Auth.Key())),
		).Router()
		router.Handle("/ws/stream", hub)
		router.Handle("/metrics", &metrics.Collector{Notes: notes, Profiles: dir, Relays: status, Conns: relays})

		// Optional: serve a pre-built browser UI. Unknown paths fall back to
		// index.html for client-side routing.
		if *uiDir != "" {
			router.Handle("/*", uiHandler(*uiDir))
			slog.Info("serving UI static files", "dir", *uiDir)
		}

		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server stopped", "err", err)
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	<-ctx.Done()
	slog.Info("powfeed shutting down")
	if err := g.Wait(); err != nil {
		slog.Error("powfeed stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("powfeed stopped", "notes", notes.Len())
}
