// The sweeper service periodically injects synthetic decay events so
// the button cools off when nobody is pressing it.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thebutton/backend/internal/broker"
	"github.com/thebutton/backend/internal/config"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/rules"
	"github.com/thebutton/backend/internal/store"
	"github.com/thebutton/backend/internal/sweeper"
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

	producer, err := broker.NewKafkaProducer(cfg.KafkaBrokers, "button-sweeper")
	if err != nil {
		log.Fatalf("Failed to connect Kafka producer: %v", err)
	}
	defer producer.Close()

	registry := rules.NewRegistry(pg.DB())
	sw := sweeper.New(pg, registry, producer, cfg.SweeperInterval, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Sweeper starting (interval=%s mode=%s)", cfg.SweeperInterval, cfg.Mode)
	if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Sweeper failed: %v", err)
	}
	log.Println("Sweeper stopped")
}
