// Command registryd runs the Soorma Core Registry service: the agent and
// event-type catalog with TTL-based liveness.
//
// # Configuration
//
// Environment variables (overriding the optional YAML file named by
// SOORMA_CONFIG):
//
//	REGISTRY_ADDR           - HTTP listen address (default: ":8082")
//	REGISTRY_NAME           - cluster name, derives the Pulse pool name (default: "registry")
//	REDIS_URL               - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD          - Redis password (optional)
//	MONGO_URL               - MongoDB connection string for the durable catalog
//	                          store; empty keeps the catalog in memory
//	MONGO_DATABASE          - MongoDB database name (default: "soorma_registry")
//	REPLICATED_AGENTS       - replicate agent records across nodes via a
//	                          Redis-backed map (default: true when MONGO_URL is set)
//	SWEEP_INTERVAL          - TTL sweeper poll interval (default: "5s")
//	EXPIRY_GRACE            - grace window before deleting expired agents (default: "30s")
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
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/soorma-ai/soorma-core/internal/config"
	"github.com/soorma-ai/soorma-core/internal/registry"
	"github.com/soorma-ai/soorma-core/internal/registry/store/memory"
	registrymongo "github.com/soorma-ai/soorma-core/internal/registry/store/mongo"
	"github.com/soorma-ai/soorma-core/internal/registry/store/replicated"
	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

// fileConfig is the optional YAML overlay for registryd settings.
type fileConfig struct {
	Addr             string `yaml:"addr"`
	Name             string `yaml:"name"`
	RedisURL         string `yaml:"redis_url"`
	MongoURL         string `yaml:"mongo_url"`
	MongoDatabase    string `yaml:"mongo_database"`
	ReplicatedAgents *bool  `yaml:"replicated_agents"`
	SweepInterval    string `yaml:"sweep_interval"`
	ExpiryGrace      string `yaml:"expiry_grace"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	fc := fileConfig{
		Addr:          ":8082",
		Name:          "registry",
		RedisURL:      "localhost:6379",
		MongoDatabase: "soorma_registry",
	}
	if err := config.LoadFileFromEnv("SOORMA_CONFIG", &fc); err != nil {
		return err
	}

	addr := config.StringOr("REGISTRY_ADDR", fc.Addr)
	name := config.StringOr("REGISTRY_NAME", fc.Name)
	redisURL := config.StringOr("REDIS_URL", fc.RedisURL)
	redisPassword := os.Getenv("REDIS_PASSWORD")
	mongoURL := config.StringOr("MONGO_URL", fc.MongoURL)
	mongoDatabase := config.StringOr("MONGO_DATABASE", fc.MongoDatabase)
	replicateDefault := mongoURL != ""
	if fc.ReplicatedAgents != nil {
		replicateDefault = *fc.ReplicatedAgents
	}
	replicateAgents := config.BoolOr("REPLICATED_AGENTS", replicateDefault)
	sweepInterval := config.DurationOr("SWEEP_INTERVAL", durationOr(fc.SweepInterval, registry.DefaultSweepInterval))
	expiryGrace := config.DurationOr("EXPIRY_GRACE", durationOr(fc.ExpiryGrace, registry.DefaultExpiryGrace))

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	poolNode, err := pool.AddNode(ctx, name, rdb)
	if err != nil {
		return fmt.Errorf("add pool node: %w", err)
	}
	defer func() {
		if err := poolNode.Close(ctx); err != nil {
			log.Printf("close pool node: %v", err)
		}
	}()

	store, pingers, cleanup, err := buildStore(ctx, rdb, name, mongoURL, mongoDatabase, replicateAgents)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("soorma-core/registry")

	svc, err := registry.NewService(registry.ServiceOptions{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create registry service: %w", err)
	}

	sweeper, err := registry.NewSweeper(registry.SweeperOptions{
		Store:       store,
		Node:        poolNode,
		Interval:    sweepInterval,
		ExpiryGrace: expiryGrace,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create ttl sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start ttl sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Close(); err != nil {
			log.Printf("close ttl sweeper: %v", err)
		}
	}()

	mux := http.NewServeMux()
	registry.NewServer(svc).Routes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		for _, p := range pingers {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, p.Name()+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	go func() {
		log.Printf("starting registryd on %s", addr)
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

// buildStore selects the catalog backend: Mongo for durability when
// configured, optionally wrapped so agent records replicate across nodes
// through a Redis-backed map; plain in-memory otherwise.
func buildStore(ctx context.Context, rdb *redis.Client, name, mongoURL, mongoDatabase string, replicateAgents bool) (registry.Store, []health.Pinger, func(), error) {
	cleanup := func() {}

	var (
		store   registry.Store
		pingers []health.Pinger
	)
	if mongoURL == "" {
		log.Print("MONGO_URL not set, using in-memory registry store")
		store = memory.New()
	} else {
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("connect to mongodb: %w", err)
		}
		mongoStore := registrymongo.New(client.Database(mongoDatabase))
		store = mongoStore
		pingers = append(pingers, mongoStore)
		cleanup = func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Printf("disconnect mongodb: %v", err)
			}
		}
	}

	if !replicateAgents {
		return store, pingers, cleanup, nil
	}
	agents, err := rmap.Join(ctx, name+":agents", rdb)
	if err != nil {
		cleanup()
		return nil, nil, func() {}, fmt.Errorf("join replicated agent map: %w", err)
	}
	return replicated.New(agents, store), pingers, cleanup, nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
