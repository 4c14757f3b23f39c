package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/auth"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/background"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/checkout"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/config"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/httpx"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment-engine.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/metrics"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/payment"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/postgres"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "fulfillment-api"})
	if err := godotenv.Load(); err != nil {
		logg.Debug(context.Background(), ".env not found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "load config", err)
		os.Exit(1)
	}
	logg = logger.New(logger.Options{
		ServiceName: cfg.ServiceName,
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
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logg)
	prod.Start()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := &orders.Repo{DB: db}
	ledgerRepo := &orders.ReservationRepo{DB: db}
	cache := redisx.NewStatusCache(rdb)
	machine := &orders.Machine{
		Store:    store,
		Cache:    cache,
		Events:   prod,
		Logger:   logg,
		Producer: cfg.ServiceName,
	}
	coord := inventory.NewCoordinator(ledgerRepo, inventory.Options{
		DefaultTTL: cfg.Reservation.TTL,
		MaxTTL:     cfg.Reservation.MaxTTL,
		Logger:     logg,
		Metrics:    metrics.NewLedger(reg),
	})
	tracker := background.NewTracker(logg, metrics.NewTasks(reg))
	guard, err := redisx.NewIdempotencyGuard(rdb, cfg.Payment.DedupTTL, redisx.ScopeWebhook)
	if err != nil {
		logg.Error(ctx, "build webhook guard", err)
		os.Exit(1)
	}

	deps := payment.Deps{
		Orders:   store,
		Ledger:   coord,
		Machine:  machine,
		Events:   prod,
		Cart:     &payment.PGCartClearer{DB: db},
		Tasks:    tracker,
		Logger:   logg,
		Metrics:  metrics.NewPayments(reg),
		Producer: cfg.ServiceName,
	}
	router := httpx.NewRouter(httpx.Deps{
		Checkout: checkout.NewService(store, coord, machine, logg),
		Verifier: payment.NewVerifier(deps, cfg.Payment.KeySecret),
		Webhooks: payment.NewWebhookHandler(deps, cfg.Payment.WebhookSecret, guard),
		COD:      payment.NewCODConfirmer(deps),
		Orders:   combinedReader{Repo: store, ReservationRepo: ledgerRepo},
		Cache:    cache,
		Policy:   auth.NewPolicy(cfg.Auth.AdminUserIDs),
		Token:    auth.TokenConfig{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer},
		Logger:   logg,
		Metrics:  reg,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logg.Info(logg.WithField(ctx, "addr", cfg.HTTPAddr), "http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "http server", err)
			stop()
		}
	}()

	<-ctx.Done()
	logg.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Warn(shutdownCtx, "http shutdown", err)
	}
	if err := tracker.Wait(shutdownCtx); err != nil {
		logg.Warn(shutdownCtx, "background tasks still running", err)
	}
	prod.Close()
	prod.WaitClosed()
}

// combinedReader serves order reads from both repositories.
type combinedReader struct {
	*orders.Repo
	*orders.ReservationRepo
}
