package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/patchwell/signalgate/internal/aiworker"
	"github.com/patchwell/signalgate/internal/config"
	"github.com/patchwell/signalgate/internal/executor"
	"github.com/patchwell/signalgate/internal/mlgate"
	"github.com/patchwell/signalgate/internal/notify"
	"github.com/patchwell/signalgate/internal/risk"
	"github.com/patchwell/signalgate/internal/settings"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/tracker"
	"github.com/patchwell/signalgate/internal/venue"
	"github.com/patchwell/signalgate/internal/venue/aster"
	"github.com/patchwell/signalgate/internal/venue/capital"
	"github.com/patchwell/signalgate/internal/venue/kalshi"
	"github.com/patchwell/signalgate/internal/venue/schwab"
	"github.com/patchwell/signalgate/internal/venue/tradier"
	"github.com/patchwell/signalgate/internal/webhook"
)

const (
	startupTimeout = 30 * time.Second
	// windowSweepInterval paces the auto-close sweep that exits positions
	// whose venue settings forbid holding outside the trading window.
	windowSweepInterval = time.Minute
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"mode": cfg.Environment.Mode,
		"addr": cfg.Server.Addr,
	}).Info("signal gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("gateway exited")
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	db, err := store.NewPostgres(startCtx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var rdb redis.Cmdable
	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(startCtx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, risk counters fall back to process cache")
		} else {
			rdb = client
		}
		defer client.Close()
	}

	registry := venue.NewRegistry(venue.Env{Logger: logger, Creds: db}, 0)
	registry.Register("aster", aster.Factory)
	registry.Register("tradier", tradier.Factory)
	registry.Register("capital", capital.Factory)
	registry.Register("kalshi", kalshi.Factory)
	registry.Register("schwab", schwab.Factory)

	track := tracker.New(logger)
	warmTracker(startCtx, db, registry, track, logger)

	settingsSvc := settings.New(db, logger)
	riskEngine := risk.New(db, rdb, logger)

	var gate executor.Gate
	var decider aiworker.Decider
	if cfg.MLEnabled() {
		ml := mlgate.New(mlgate.Config{
			MLBaseURL:  cfg.ML.BaseURL,
			LLMBaseURL: cfg.ML.LLMBaseURL,
			APIKey:     cfg.ML.APIKey,
		}, logger)
		gate = ml
		decider = ml
	}

	sink := notify.NewStoreSink(db, logger)
	defer sink.Close()

	exec := executor.New(registry, track, settingsSvc, riskEngine, gate, db, sink, executor.Config{
		DefaultPositionSizeUSD: cfg.DefaultPositionSizeUSD(),
		FractionalNotionalMax:  cfg.FractionalNotionalMax(),
		ReversalSettleDelay:    cfg.ReversalSettleDelay(),
	}, logger)

	server := webhook.New(db, exec, track, registry, webhook.Config{
		RateCapacity:  cfg.Server.RateCapacity,
		RatePerSecond: cfg.Server.RatePerSecond,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", cfg.Server.Addr).Info("webhook intake listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Worker.Enabled {
		if decider == nil {
			logger.Warn("ai worker enabled without ml endpoints, worker not started")
		} else {
			worker := aiworker.New(db, registry, exec, decider, settingsSvc, cfg.WorkerInterval(), logger)
			g.Go(func() error {
				err := worker.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(windowSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				exec.CloseOutsideWindows(gctx)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		server.SetDraining(true)
		logger.Info("draining, refusing new webhooks")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// warmTracker seeds the in-process tracker from the store's persisted
// positions, then reconciles each (user, venue) pair against the venue so
// fills and liquidations that happened while the gateway was down are
// reflected before the first webhook arrives.
func warmTracker(ctx context.Context, db store.Interface, registry *venue.Registry,
	track *tracker.Tracker, logger *logrus.Logger) {

	positions, err := db.ListAllPositions(ctx)
	if err != nil {
		logger.WithError(err).Warn("loading persisted positions, starting with an empty tracker")
		return
	}

	pairs := make(map[[2]string]struct{})
	for i := range positions {
		track.Add(&positions[i])
		pairs[[2]string{positions[i].User, positions[i].Venue}] = struct{}{}
	}

	for pair := range pairs {
		user, venueName := pair[0], pair[1]
		adapter, err := registry.Get(ctx, user, venueName)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"user": user, "venue": venueName,
			}).Warn("startup reconcile skipped, adapter unavailable")
			continue
		}
		if err := track.Reconcile(ctx, user, venueName, adapter); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"user": user, "venue": venueName,
			}).Warn("startup reconcile failed, keeping stored view")
		}
	}
	logger.WithField("positions", track.Count()).Info("position tracker warmed")
}
