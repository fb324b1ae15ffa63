// The reducer service is the single writer of the global state
// sequence. Exactly one instance may run globally; the Kafka consumer
// group enforces a single active member.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thebutton/backend/internal/broker"
	"github.com/thebutton/backend/internal/config"
	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/events"
	"github.com/thebutton/backend/internal/health"
	"github.com/thebutton/backend/internal/infra"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/reducer"
	"github.com/thebutton/backend/internal/rules"
	"github.com/thebutton/backend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	m := metrics.New()

	pg, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()
	if !cfg.IsProd() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.EnsureSchema(ctx, pg.DB()); err != nil {
			cancel()
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		cancel()
	}

	registry := rules.NewRegistry(pg.DB())

	consumer, err := broker.NewBatchConsumer(cfg.KafkaBrokers, contracts.ReducerGroup,
		contracts.PressTopic, cfg.ReducerMaxBatch, cfg.ReducerPollTimeout)
	if err != nil {
		log.Fatalf("Failed to join consumer group: %v", err)
	}
	defer consumer.Close()

	// The update channel is best-effort: without Redis the reducer still
	// makes progress and fan-out clients fall back to polling.
	var bus events.Bus
	redisAdapter, err := infra.NewRedisAdapter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		if cfg.IsProd() {
			log.Fatalf("Failed to connect Redis: %v", err)
		}
		log.Printf("Redis unavailable, state updates will not be published: %v", err)
		bus = events.NewLocalBus()
	} else {
		defer redisAdapter.Close()
		bus = events.NewRedisBus(redisAdapter)
	}
	defer bus.Close()

	engine := reducer.NewEngine(consumer, pg, registry, bus, m, reducer.BackoffConfig{
		Base:        cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
		MaxAttempts: cfg.BackoffMaxAttempts,
	})

	// Sidecar HTTP for probes and metrics.
	router := mux.NewRouter()
	health.NewHandler(nil, nil, pg).Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Probe server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Reducer starting (batch=%d poll=%s mode=%s)",
		cfg.ReducerMaxBatch, cfg.ReducerPollTimeout, cfg.Mode)

	err = engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		// Crash loudly so the supervisor restarts us; silent progress on
		// a systemic fault is worse than a restart.
		log.Fatalf("Reducer failed: %v", err)
	}
	log.Println("Reducer shut down gracefully")
}
