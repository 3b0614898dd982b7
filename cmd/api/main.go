package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/admission"
	"github.com/widgetrag/backend/internal/api"
	"github.com/widgetrag/backend/internal/api/handlers"
	rediscache "github.com/widgetrag/backend/internal/cache/redis"
	"github.com/widgetrag/backend/internal/chat"
	"github.com/widgetrag/backend/internal/embedding"
	"github.com/widgetrag/backend/internal/generation"
	"github.com/widgetrag/backend/internal/ingestion"
	"github.com/widgetrag/backend/internal/llm"
	"github.com/widgetrag/backend/internal/metrics"
	"github.com/widgetrag/backend/internal/middleware/ratelimit"
	"github.com/widgetrag/backend/internal/middleware/security"
	"github.com/widgetrag/backend/internal/middleware/validation"
	"github.com/widgetrag/backend/internal/retrieval"
	"github.com/widgetrag/backend/internal/storage/sqlite"
	"github.com/widgetrag/backend/internal/training"
	"github.com/widgetrag/backend/internal/usage"
	"github.com/widgetrag/backend/internal/vector"
	"github.com/widgetrag/backend/internal/vector/memory"
	"github.com/widgetrag/backend/internal/vector/pgvector"
	"github.com/widgetrag/backend/internal/vector/zilliz"
	"github.com/widgetrag/backend/internal/widgets"
	"github.com/widgetrag/backend/pkg/circuitbreaker"
	"github.com/widgetrag/backend/pkg/config"
	appLogger "github.com/widgetrag/backend/pkg/logger"
	"github.com/widgetrag/backend/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	log := appLogger.GetLogger()

	appLogger.Info("Starting widget chat API server")
	metrics.Init()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(rootCtx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	redisClient, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		// admission falls back to SQLite counters and the cache degrades to misses
		appLogger.Warn("Redis unavailable at startup", zap.Error(err))
	}
	defer redisClient.Close()

	rawStore, closeStore := openVectorStore(rootCtx, cfg.Vector)
	defer closeStore()
	vectors := vector.NewResilient(rawStore,
		circuitbreaker.NewCircuitBreaker("vector:"+cfg.Vector.Provider, circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Logger:           log,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			},
		}),
		retry.Config{
			Name:           "vector",
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         log,
		},
	)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		EmbeddingDim:   cfg.LLM.EmbeddingDim,
	})

	embedder, err := embedding.NewService(llmClient, cfg.Embedding.Workers,
		embedding.WithCache(redisClient, time.Duration(cfg.Cache.EmbeddingTTL)*time.Second),
		embedding.WithLogger(log),
	)
	if err != nil {
		appLogger.Fatal("Failed to create embedding service", zap.Error(err))
	}
	defer embedder.Release()

	responseCache := rediscache.NewResponseCache(redisClient, time.Duration(cfg.Cache.ResponseTTL)*time.Second, log)

	retriever := retrieval.NewRetriever(embedder, vectors, sqliteClient,
		time.Duration(cfg.Retrieval.VectorTimeoutMs)*time.Millisecond, log)
	generator := generation.NewGenerator(llmClient, generation.OptionsFromConfig(cfg.Generation), log)

	admitter := admission.NewController(redisClient.Redis(), sqliteClient, admission.Limits{
		Plans:            cfg.Plans,
		DefaultPerMinute: cfg.RateLimit.RequestsPerMinute,
	}, log)

	recorder, err := usage.NewRecorder(sqliteClient, redisClient.Redis(), cfg.Usage.Workers,
		time.Duration(cfg.Usage.TimeoutSec)*time.Second, log)
	if err != nil {
		appLogger.Fatal("Failed to create usage recorder", zap.Error(err))
	}

	trainer, err := training.NewService(rootCtx, training.Deps{
		Store:     sqliteClient,
		Vectors:   vectors,
		Embedder:  embedder,
		Extractor: ingestion.NewExtractor(ingestion.NewWebClient(time.Duration(cfg.Training.FetchTimeoutSec)*time.Second, log)),
		Cache:     responseCache,
		Plans:     cfg.Plans,
		Logger:    log,
	}, cfg.Training)
	if err != nil {
		appLogger.Fatal("Failed to create training service", zap.Error(err))
	}

	chatService := chat.NewService(chat.Deps{
		Users:     sqliteClient,
		Admission: admitter,
		Cache:     responseCache,
		Retriever: retriever,
		Generator: generator,
		Usage:     recorder,
		Logger:    log,
	}, chat.Options{
		TopK:             cfg.Retrieval.TopK,
		DefaultThreshold: cfg.Retrieval.Threshold,
		Debug:            cfg.Server.Debug,
	})

	widgetService := widgets.NewService(sqliteClient, responseCache, vectors, cfg.Plans, log)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	origins := security.ParseOrigins(cfg.Server.AllowedOrigins)
	ipLimiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.IPRequestsPerMinute,
		Logger:            log,
	})
	defer ipLimiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: origins,
		IsDevelopment:  cfg.Server.Debug,
	}))
	app.Use(ipLimiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxMessageLength: chat.MaxMessageLength,
		ChatPaths:        []string{api.ChatPath},
		Logger:           log,
	}))

	api.Register(app, api.Routes{
		Users:     sqliteClient,
		Chat:      handlers.NewChatHandler(chatService),
		WebSocket: handlers.NewWebSocketHandler(chatService),
		Training:  handlers.NewTrainingHandler(trainer),
		Widgets:   handlers.NewWidgetHandler(widgetService),
		Usage:     handlers.NewUsageHandler(admitter, widgetService, redisClient.Redis()),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"sqlite": sqliteClient,
			"redis":  redisClient,
		}),
		Metrics: metrics.MetricsHandler(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := trainer.Close(30 * time.Second); err != nil {
		appLogger.Warn("Training workers did not stop in time", zap.Error(err))
	}
	cancelRoot()
	recorder.Close(5 * time.Second)
	appLogger.Info("Server stopped")
}

// openVectorStore connects the configured backend. The returned func
// releases it.
func openVectorStore(ctx context.Context, cfg config.VectorConfig) (vector.Store, func()) {
	switch cfg.Provider {
	case "pgvector":
		store, err := pgvector.NewStore(ctx, cfg.Postgres.DSN, cfg.Postgres.Table, cfg.Postgres.VectorDim)
		if err != nil {
			appLogger.Fatal("Failed to create pgvector store", zap.Error(err))
		}
		return store, store.Close

	case "memory":
		appLogger.Warn("Using in-memory vector store; vectors are lost on restart")
		return memory.NewStore(), func() {}

	default:
		client, err := zilliz.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		if err := client.EnsureCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		return client, func() { client.Close() }
	}
}
