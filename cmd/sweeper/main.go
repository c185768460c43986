package main

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/credit-meter/internal/config"
	"github.com/richardliu001/credit-meter/internal/logger"
	"github.com/richardliu001/credit-meter/internal/repo"
	"github.com/richardliu001/credit-meter/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// The sweeper reverses reservations stuck in pending past the TTL,
// restoring their held credits. Running several sweeper instances is
// safe: batches are claimed with SKIP LOCKED and the reversal itself is
// a conditional transition.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	svc := service.NewLedgerService(repository, log)

	interval := time.Duration(cfg.Sweep.IntervalSeconds) * time.Second
	ttl := time.Duration(cfg.Sweep.TTLSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("reservation sweeper started interval=%s ttl=%s chunk=%d", interval, ttl, cfg.Sweep.ChunkSize)
	for range ticker.C {
		n, err := svc.Sweep(context.Background(), cfg.Sweep.ChunkSize, ttl)
		if err != nil {
			// next tick is the retry; partial progress is already committed
			log.Errorf("sweep: %v (reversed %d before failing)", err, n)
			continue
		}
		if n > 0 {
			log.Infof("sweep reversed %d stale reservations", n)
		}
	}
}
