// The api service is the client-facing edge of the button pipeline:
// challenge issuance, press admission, current-state reads, the push
// stream, health probes, and Prometheus metrics.
package main

import (
	"context"
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
	"github.com/thebutton/backend/internal/events"
	"github.com/thebutton/backend/internal/fanout"
	"github.com/thebutton/backend/internal/health"
	"github.com/thebutton/backend/internal/infra"
	"github.com/thebutton/backend/internal/ingress"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/middleware"
	"github.com/thebutton/backend/internal/pow"
	"github.com/thebutton/backend/internal/ratelimit"
	"github.com/thebutton/backend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Startup assertion: the PoW bypass must never reach production.
	// Validate already rejects it; this guards against future config
	// paths bypassing Validate.
	if cfg.IsProd() && cfg.PowBypass {
		log.Fatalf("POW_BYPASS is enabled in prod mode, refusing to start")
	}

	m := metrics.New()

	// State store
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

	// Log producer
	producer, err := broker.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	if err != nil {
		log.Fatalf("Failed to connect Kafka producer: %v", err)
	}
	defer producer.Close()

	// Redis backs the limiter, the used-challenge set, and the update
	// channel. In dev a missing Redis degrades to fail-open anti-abuse
	// and a local-only bus; in prod it is fatal.
	var (
		redisAdapter *infra.RedisAdapter
		bus          events.Bus
		usedSet      pow.UsedSet
		limiter      *ratelimit.Limiter
		busPinger    health.Pinger
	)
	redisAdapter, err = infra.NewRedisAdapter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		if cfg.IsProd() {
			log.Fatalf("Failed to connect Redis: %v", err)
		}
		log.Printf("Redis unavailable, running fail-open without it: %v", err)
		bus = events.NewLocalBus()
		limiter = ratelimit.NewLimiter(nil, true)
	} else {
		defer redisAdapter.Close()
		bus = events.NewRedisBus(redisAdapter)
		usedSet = redisAdapter
		limiter = ratelimit.NewLimiter(redisAdapter, cfg.RateLimitBypass)
		busPinger = redisAdapter
	}
	defer bus.Close()

	oracle := pow.NewOracle([]byte(cfg.PowSecret), usedSet,
		pow.WithDifficulty(cfg.PowDifficulty),
		pow.WithBypass(cfg.PowBypass))

	ingressServer := ingress.NewServer(oracle, producer, pg, m)
	bridge := fanout.NewBridge(bus, pg, m)
	probes := health.NewHandler(producer, busPinger, pg)

	router := mux.NewRouter()
	probes.Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Per-route rate limit tiers: press is stricter than general.
	generalLimit := middleware.RateLimit(limiter, "general", m,
		ratelimit.BurstTier, ratelimit.SustainedTier)
	pressLimit := middleware.RateLimit(limiter, "press", m,
		ratelimit.PressBurstTier, ratelimit.PressSustainedTier)

	router.Handle("/v1/challenge",
		generalLimit(http.HandlerFunc(ingressServer.HandleChallenge))).Methods(http.MethodPost)
	router.Handle("/v1/events/press",
		pressLimit(http.HandlerFunc(ingressServer.HandlePress))).Methods(http.MethodPost)
	router.Handle("/v1/states/current",
		generalLimit(http.HandlerFunc(ingressServer.HandleCurrentState))).Methods(http.MethodGet)
	router.Handle("/v1/states/stream",
		generalLimit(http.HandlerFunc(bridge.HandleSSE))).Methods(http.MethodGet)
	router.Handle("/v1/states/ws",
		generalLimit(http.HandlerFunc(bridge.HandleWebSocket))).Methods(http.MethodGet)

	router.Use(middleware.CORS)
	router.Use(middleware.Logging)

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the SSE and WebSocket streams are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Button API starting on port %s (mode=%s)", cfg.Port, cfg.Mode)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
