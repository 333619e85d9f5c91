// Command eventbusd runs the Soorma Core Event Bus service: an HTTP publish
// + SSE subscribe proxy over a Redis-backed message backbone.
//
// # Configuration
//
// Environment variables (overriding the optional YAML file named by
// SOORMA_CONFIG):
//
//	EVENTBUS_ADDR          - HTTP listen address (default: ":8081")
//	REDIS_URL              - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	DEAD_LETTER_THRESHOLD  - unacked delivery attempts before dead-lettering (default: 3)
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soorma-ai/soorma-core/internal/bus"
	"github.com/soorma-ai/soorma-core/internal/config"
	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// fileConfig is the optional YAML overlay for eventbusd settings.
type fileConfig struct {
	Addr                string `yaml:"addr"`
	RedisURL            string `yaml:"redis_url"`
	DeadLetterThreshold int    `yaml:"dead_letter_threshold"`
}

func run() error {
	ctx := context.Background()

	fc := fileConfig{
		Addr:                ":8081",
		RedisURL:            "localhost:6379",
		DeadLetterThreshold: bus.DefaultDeadLetterThreshold,
	}
	if err := config.LoadFileFromEnv("SOORMA_CONFIG", &fc); err != nil {
		return err
	}

	addr := config.StringOr("EVENTBUS_ADDR", fc.Addr)
	redisURL := config.StringOr("REDIS_URL", fc.RedisURL)
	redisPassword := os.Getenv("REDIS_PASSWORD")
	deadLetterThreshold := config.IntOr("DEAD_LETTER_THRESHOLD", fc.DeadLetterThreshold)

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	backbone, err := bus.NewBackbone(bus.BackboneOptions{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create backbone: %w", err)
	}

	svc, err := bus.NewService(bus.ServiceOptions{
		Backbone:            backbone,
		Logger:              telemetry.NewClueLogger(),
		Metrics:             telemetry.NewClueMetrics("soorma-core/eventbus"),
		DeadLetterThreshold: deadLetterThreshold,
	})
	if err != nil {
		return fmt.Errorf("create event bus service: %w", err)
	}

	mux := http.NewServeMux()
	bus.NewServer(svc).Routes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	go func() {
		log.Printf("starting eventbusd on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		_ = sig
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
