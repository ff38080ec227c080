// whisper-server is the messaging relay process: websocket hub, REST
// surface and the adapters behind them. It runs against Redis and
// Postgres in production; with neither configured it falls back to
// in-process stores, which is enough for local development.
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

	"github.com/whisper2/server/internal/adapters/attachments"
	"github.com/whisper2/server/internal/adapters/push"
	"github.com/whisper2/server/internal/adapters/turncreds"
	"github.com/whisper2/server/internal/api"
	"github.com/whisper2/server/internal/auth"
	"github.com/whisper2/server/internal/config"
	"github.com/whisper2/server/internal/dispatch"
	"github.com/whisper2/server/internal/hub"
	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/presence"
	"github.com/whisper2/server/internal/ratelimit"
	"github.com/whisper2/server/internal/router"
	"github.com/whisper2/server/internal/schema"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

func main() {
	configPath := flag.String("config", "server.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	// Durable store.
	var st store.Store
	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		st = pg
		slog.Info("using postgres store")
	} else {
		st = store.NewMemory()
		slog.Warn("no postgres dsn configured, durable state is in-memory")
	}
	defer st.Close()

	// Volatile store.
	var vc volatile.Client
	if cfg.Redis.Addr != "" {
		rc, err := volatile.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		vc = rc
		slog.Info("using redis volatile store", "addr", cfg.Redis.Addr)
	} else {
		vc = volatile.NewMemoryClient()
		slog.Warn("no redis addr configured, volatile state is in-memory")
	}

	m := metrics.New()

	sessions := volatile.NewSessions(vc, cfg.SessionTTL())
	challenges := volatile.NewChallenges(vc, 0)
	pending := volatile.NewPendingQueue(vc, 0, cfg.Limits.PendingQueueCap)
	dedup := volatile.NewDedup(vc, 0)
	calls := volatile.NewCalls(vc, 0)
	recent := volatile.NewRecentPeers(vc, 0)
	pres := volatile.NewPresence(vc, 0)

	h := hub.New(m)
	engine := auth.NewEngine(st, sessions, challenges, m)
	tracker := presence.NewTracker(pres, recent, h, cfg.Server.NodeName)
	limits := ratelimit.Defaults()
	if n := cfg.Limits.MessagesPerMin; n > 0 {
		limits[ratelimit.ActionMessage] = ratelimit.Limit{Max: n, Window: time.Minute}
	}
	if n := cfg.Limits.RegistersPerMin; n > 0 {
		limits[ratelimit.ActionRegister] = ratelimit.Limit{Max: n, Window: time.Minute}
	}
	limiter := ratelimit.New(vc, limits)

	pusher := push.NewDispatcher(cfg.Push.ProviderURL, cfg.Push.APIKey, cfg.Push.Workers, m)
	defer pusher.Close()

	var att *attachments.Service
	if cfg.Attachments.Bucket != "" {
		var err error
		att, err = attachments.New(ctx, cfg.Attachments.Bucket, cfg.Attachments.Region, st)
		if err != nil {
			return err
		}
		slog.Info("attachment presigning enabled", "bucket", cfg.Attachments.Bucket)
	}

	var turn *turncreds.Minter
	if minter := turncreds.New(cfg.Turn.URLs, cfg.Turn.Secret, cfg.TurnTTL()); minter.Enabled() {
		turn = minter
		slog.Info("turn credentials enabled", "urls", cfg.Turn.URLs)
	}

	rt := router.New(st, pending, dedup, calls, recent, h, pusher, m)
	disp := dispatch.New(schema.NewGate(), h, engine, rt, tracker, limiter, st, att, turn, m)
	h.SetHandler(disp)

	rest := api.New(st, engine, att, http.HandlerFunc(h.ServeWS))
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           rest.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.ListenAddr, "node", cfg.Server.NodeName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	// Refuse new upgrades and push every live connection off with a
	// drain notice, then let the HTTP server finish in-flight requests.
	h.Drain()

	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
