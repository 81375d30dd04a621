// Command fusionengine starts the HTTP surface (§6): config CRUD, chat
// (sync and SSE-streaming), conversation history, and latest-trace lookup,
// wired to a Postgres+Redis storage layer and the fusion retrieval core.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tribrid/fusionengine/internal/chat"
	"github.com/tribrid/fusionengine/internal/config"
	"github.com/tribrid/fusionengine/internal/embedding"
	"github.com/tribrid/fusionengine/internal/fusion"
	"github.com/tribrid/fusionengine/internal/httpapi"
	"github.com/tribrid/fusionengine/internal/observability"
	"github.com/tribrid/fusionengine/internal/provider"
	"github.com/tribrid/fusionengine/internal/reranking"
	"github.com/tribrid/fusionengine/internal/retrieval"
	"github.com/tribrid/fusionengine/internal/storage"
	"github.com/tribrid/fusionengine/internal/telemetry"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("fusionengine")
	}
}

func run() error {
	observability.InitLogger(getenv("LOG_PATH", ""), getenv("LOG_LEVEL", "info"))

	configPath := getenv("FUSIONENGINE_CONFIG", "")
	snap := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		snap = loaded
	}

	baseCtx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(baseCtx, telemetry.Config{
		Enabled:     getenv("OTEL_ENABLED", "") == "true",
		Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Insecure:    getenv("OTEL_EXPORTER_OTLP_INSECURE", "") == "true",
		ServiceName: "fusionengine",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	postgresDSN := getenv("POSTGRES_DSN", snap.Indexing.PostgresDSN)
	pool, err := pgxpool.New(baseCtx, postgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	vectorStore := storage.NewPostgresVectorStore(pool, storage.VectorMetric(snap.Indexing.VectorMetric))
	sparseStore := storage.NewPostgresSparseStore(pool)
	graphStore := storage.NewPostgresGraphStore(pool)
	corpusRegistry := storage.NewPostgresCorpusRegistry(pool)
	if err := corpusRegistry.EnsureTable(baseCtx); err != nil {
		return fmt.Errorf("ensure corpora table: %w", err)
	}

	redisCache, err := storage.NewRedisQueryCache(baseCtx, storage.RedisConfig{
		Addr:     getenv("REDIS_ADDR", snap.Indexing.RedisAddr),
		Password: getenv("REDIS_PASSWORD", snap.Indexing.RedisPassword),
		DB:       getenvInt("REDIS_DB", snap.Indexing.RedisDB),
	}, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisCache.Close()

	embedClient := embedding.NewClient(embedding.Config{
		BaseURL:   getenv("EMBEDDING_BASE_URL", "http://localhost:8080"),
		Path:      getenv("EMBEDDING_PATH", "/v1/embeddings"),
		Model:     getenv("EMBEDDING_MODEL", "default"),
		APIHeader: "Authorization",
		APIKey:    os.Getenv("EMBEDDING_API_KEY"),
		Timeout:   30 * time.Second,
	})

	fusionEngine := &fusion.Engine{
		Vector:   &retrieval.VectorLeg{Store: vectorStore, Embedder: embedClient},
		Sparse:   &retrieval.SparseLeg{Store: sparseStore},
		Graph:    &retrieval.GraphLeg{Store: graphStore},
		Neighbor: vectorStore,
	}

	rerankCfg := snap.Reranking
	reranker, err := reranking.NewReranker(rerankCfg.Enabled, rerankCfg.YesTokenID, rerankCfg.NoTokenID, getenv("RERANK_HOST", ""))
	if err != nil {
		return fmt.Errorf("init reranker: %w", err)
	}
	if !rerankCfg.Enabled {
		reranker = nil
	}

	orchestrator := &chat.Orchestrator{
		Fusion:      fusionEngine,
		Cfg:         snap.Chat,
		Env:         provider.OSEnviron{},
		Reranker:    reranker,
		RerankModel: rerankCfg.ModelName,
		RerankTopN:  rerankCfg.TopN,
	}

	cfgRegistry := config.NewRegistry(snap)
	server := httpapi.NewServer(cfgRegistry, orchestrator, redisCache, redisCache, redisCache)

	addr := getenv("HOST", "0.0.0.0") + ":" + getenv("PORT", "8090")
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		log.Info().Str("addr", addr).Msg("fusionengine listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	} else {
		log.Info().Msg("fusionengine stopped")
	}
	return nil
}
