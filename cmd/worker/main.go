package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/audit"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/config"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment-engine.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/postgres"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/reaper"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "fulfillment-worker"})
	if err := godotenv.Load(); err != nil {
		logg.Debug(context.Background(), ".env not found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "load config", err)
		os.Exit(1)
	}
	serviceName := cfg.ServiceName + "-worker"
	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		logg.Error(ctx, "connect postgres", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := redisx.New(ctx, cfg.RedisAddr)
	if err != nil {
		logg.Error(ctx, "connect redis", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logg)
	prod.Start()

	lock, err := redisx.NewRedisLock(rdb, redisx.LockKey(redisx.JobReaper), cfg.Reaper.LockTTL)
	if err != nil {
		logg.Error(ctx, "build reaper lock", err)
		os.Exit(1)
	}
	coord := inventory.NewCoordinator(&orders.ReservationRepo{DB: db}, inventory.Options{
		DefaultTTL: cfg.Reservation.TTL,
		MaxTTL:     cfg.Reservation.MaxTTL,
		Logger:     logg,
		Metrics:    metrics.NewLedger(reg),
	})
	sweeper := reaper.New(coord, lock, prod, logg, metrics.NewJobMetrics(reg), reaper.Config{
		Interval:  cfg.Reaper.Interval,
		BatchSize: cfg.Reaper.BatchSize,
		Producer:  serviceName,
	})

	recorder := audit.NewRecorder(&audit.PGSink{DB: db}, logg)
	consumer := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Audit.Group, orders.LifecycleTopics, cfg.Audit.Workers, logg)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return consumer.Start(gctx, recorder.Handle) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logg.Info(logg.WithFields(ctx, map[string]any{"topics": orders.LifecycleTopics, "group": cfg.Audit.Group}), "worker started")
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	prod.Close()
	prod.WaitClosed()
	if err := multierr.Append(runErr, rdb.Close()); err != nil {
		logg.Error(context.Background(), "worker stopped with errors", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "worker stopped")
}
