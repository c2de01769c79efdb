package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/synth-engine/internal/api"
	"github.com/atmx/synth-engine/internal/config"
	"github.com/atmx/synth-engine/internal/correlation"
	"github.com/atmx/synth-engine/internal/exchange"
	"github.com/atmx/synth-engine/internal/exits"
	"github.com/atmx/synth-engine/internal/feed"
	"github.com/atmx/synth-engine/internal/pricing"
	"github.com/atmx/synth-engine/internal/scheduler"
	"github.com/atmx/synth-engine/internal/store"
	"github.com/atmx/synth-engine/internal/targets"
	"github.com/atmx/synth-engine/internal/volume"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("synth-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("synth-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, volume, scheduler lock) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool, store.PostgresOptions{
			LockTimeout:      cfg.Exchange.LockTimeout,
			StatementTimeout: cfg.Exchange.ExecTimeout,
		})
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	volOpts := volume.Options{Window: cfg.Pricing.VolumeWindow, TTL: cfg.Pricing.VolumeCacheTTL}
	var vc volume.Cache = volume.NewMemoryCache(st, volOpts)
	if rdb != nil {
		vc = volume.NewRedisCache(rdb, st, volOpts)
	}

	// --- Position limits ---
	var limiter *correlation.PositionLimiter
	if cfg.Limits.MaxPerAsset.IsPositive() || cfg.Limits.MaxCorrelated.IsPositive() {
		limiter = correlation.NewPositionLimiter(cfg.Limits.MaxPerAsset, cfg.Limits.MaxCorrelated)
	}

	// --- Engines ---
	ex, err := exchange.NewEngine(st, exchange.Config{
		FeeRate:        cfg.Exchange.FeeRate,
		LPFeeShare:     cfg.Exchange.LPFeeShare,
		MinTradeAmount: cfg.Exchange.MinTradeAmount,
		DustEpsilon:    cfg.Exchange.DustEpsilon,
		ExecTimeout:    cfg.Exchange.ExecTimeout,
		MaxRetries:     cfg.Exchange.MaxRetries,
		SettleTimeout:  cfg.Exchange.SettleTimeout,
	}, limiter)
	if err != nil {
		return err
	}
	prices, err := pricing.NewEngine(st, vc, pricing.Config{
		EMABeta:             cfg.Pricing.EMABeta,
		VolumeV0:            cfg.Pricing.VolumeV0,
		HeartbeatStaleAfter: cfg.Pricing.HeartbeatStaleAfter,
		MinConfidence:       cfg.Pricing.MinConfidence,
		MaxDeltaPercent:     cfg.Pricing.MaxDeltaPercent,
		ExecTimeout:         cfg.Exchange.ExecTimeout,
		MaxRetries:          cfg.Exchange.MaxRetries,
	})
	if err != nil {
		return err
	}
	monitor := targets.NewMonitor(st, ex, cfg.Targets.MaxCascadeDepth)
	exitSvc := exits.NewService(st, ex)

	// Settlements drive price ticks; ticks drive target checks.
	ex.Subscribe(prices)
	prices.Observe(monitor)
	ex.WatchTargets(monitor)

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	prices.AddSink(hub)

	// --- NATS (signals in, ticks out) ---
	if cfg.NATS.URL != "" {
		nc, js, err := feed.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, nc.Close)

		tickSubjects := feed.TickSubject(cfg.NATS.TickSubject, ">")
		if err := feed.EnsureStream(ctx, js, cfg.NATS.Stream, cfg.NATS.SignalSubject, tickSubjects); err != nil {
			return err
		}
		prices.AddSink(feed.NewTickPublisher(js, cfg.NATS.TickSubject))

		signals := feed.NewSignalSubscriber(prices, cfg.Pricing.SignalRatePerMinute)
		if err := signals.Start(ctx, js, cfg.NATS.Stream, cfg.NATS.SignalSubject, cfg.NATS.Durable); err != nil {
			return err
		}
		cleanup = append(cleanup, signals.Stop)
		slog.Info("NATS feed enabled", "stream", cfg.NATS.Stream)
	}

	// --- Background jobs ---
	var locker scheduler.Locker
	if rdb != nil {
		locker = scheduler.NewRedisLocker(rdb, cfg.Redis.LockTTL)
	}
	jobs := scheduler.New(locker,
		scheduler.Job{Name: "price-heartbeat", Interval: cfg.Pricing.HeartbeatInterval, Run: prices.Heartbeat},
		scheduler.Job{Name: "gradual-exits", Interval: cfg.Exits.PollInterval, Run: func(ctx context.Context) error {
			n, err := exitSvc.RunDue(ctx)
			if n > 0 {
				slog.Info("gradual exit slices executed", "count", n)
			}
			return err
		}},
		scheduler.Job{Name: "treasury-sweep", Interval: cfg.Exchange.TreasurySweepInterval, Run: func(ctx context.Context) error {
			_, err := ex.SweepTreasury(ctx)
			return err
		}},
	)

	// --- HTTP server ---
	handler := api.NewHandler(ex, exitSvc, st)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(handler, hub, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return jobs.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("synth-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down synth-engine...")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
