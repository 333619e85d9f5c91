// Command memoryd runs the Soorma Core Memory service: tenant- and
// user-scoped semantic/episodic/procedural/working memory plus task,
// plan, and session state.
//
// # Configuration
//
// Environment variables (overriding the optional YAML file named by
// SOORMA_CONFIG):
//
//	MEMORY_ADDR    - HTTP listen address (default: ":8083")
//	DATABASE_URL   - Postgres connection string for the row tier; empty
//	                 selects the in-process store (development only)
//	MONGO_URL      - MongoDB connection string for the document tier;
//	                 empty keeps documents in the row tier's store
//	MONGO_DATABASE - MongoDB database name (default: "soorma_memory")
//	EMBEDDING_DIM  - embedding dimension for the mock embedder (default: 1536)
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

	"github.com/jackc/pgx/v5/pgxpool"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"

	"github.com/soorma-ai/soorma-core/internal/config"
	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/memory/postgres"
	"github.com/soorma-ai/soorma-core/internal/memory/store/memdb"
	memorymongo "github.com/soorma-ai/soorma-core/internal/memory/store/mongo"
	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// fileConfig is the optional YAML overlay for memoryd settings.
type fileConfig struct {
	Addr          string `yaml:"addr"`
	DatabaseURL   string `yaml:"database_url"`
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`
	EmbeddingDim  int    `yaml:"embedding_dim"`
}

func run() error {
	ctx := context.Background()

	fc := fileConfig{
		Addr:          ":8083",
		MongoDatabase: "soorma_memory",
		EmbeddingDim:  memory.DefaultEmbeddingDimension,
	}
	if err := config.LoadFileFromEnv("SOORMA_CONFIG", &fc); err != nil {
		return err
	}

	addr := config.StringOr("MEMORY_ADDR", fc.Addr)
	databaseURL := config.StringOr("DATABASE_URL", fc.DatabaseURL)
	mongoURL := config.StringOr("MONGO_URL", fc.MongoURL)
	mongoDatabase := config.StringOr("MONGO_DATABASE", fc.MongoDatabase)
	embeddingDim := config.IntOr("EMBEDDING_DIM", fc.EmbeddingDim)

	store, pingers, cleanup, err := buildStore(ctx, databaseURL, mongoURL, mongoDatabase)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := memory.NewService(memory.ServiceOptions{
		Store:    store,
		Embedder: memory.NewMockEmbedder(embeddingDim),
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewClueMetrics("soorma-core/memory"),
	})
	if err != nil {
		return fmt.Errorf("create memory service: %w", err)
	}

	mux := http.NewServeMux()
	memory.NewServer(svc).Routes(mux)
	mux.HandleFunc("GET /healthz", healthz(pingers))

	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	go func() {
		log.Printf("starting memoryd on %s", addr)
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

// buildStore assembles the persistence tiers: Postgres rows + Mongo
// documents in production, memdb for everything when DATABASE_URL is
// unset.
func buildStore(ctx context.Context, databaseURL, mongoURL, mongoDatabase string) (memory.Store, []health.Pinger, func(), error) {
	cleanup := func() {}

	if databaseURL == "" {
		log.Print("DATABASE_URL not set, using in-process memory store")
		return memdb.New(), nil, cleanup, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, cleanup, fmt.Errorf("ping postgres: %w", err)
	}
	rows := postgres.New(pool)
	cleanup = pool.Close

	if mongoURL == "" {
		return rows, []health.Pinger{rows}, cleanup, nil
	}

	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		pool.Close()
		return nil, nil, func() {}, fmt.Errorf("connect to mongodb: %w", err)
	}
	docs := memorymongo.New(client.Database(mongoDatabase))
	if err := docs.EnsureIndexes(ctx); err != nil {
		pool.Close()
		_ = client.Disconnect(ctx)
		return nil, nil, func() {}, err
	}
	combined := func() {
		pool.Close()
		if err := client.Disconnect(context.Background()); err != nil {
			log.Printf("disconnect mongodb: %v", err)
		}
	}
	return memory.NewSplitStore(rows, docs), []health.Pinger{rows, docs}, combined, nil
}

// healthz pings every backend and reports 200 only when all answer.
func healthz(pingers []health.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, p := range pingers {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, p.Name()+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
