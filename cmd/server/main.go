package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/featurelane/allocator/internal/cache"
	"github.com/featurelane/allocator/internal/lease"
	"github.com/featurelane/allocator/internal/loader"
	"github.com/featurelane/allocator/internal/metrics"
	"github.com/featurelane/allocator/internal/reconcile"
	"github.com/featurelane/allocator/internal/server"
	"github.com/featurelane/allocator/internal/store"
	pkgotel "github.com/featurelane/allocator/pkg/otel"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

func main() {
	// Local development overrides; absence is not an error.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	ctx := context.Background()

	// Storage backend. The lease shares the backend's connection so a
	// single engine serves both counters and coordination.
	backend := getEnv("STORE_BACKEND", "memory")
	var (
		st  store.Store
		ls  lease.Lease
		err error
	)

	switch backend {
	case "memory":
		st = store.NewMemoryStore()
		ls = lease.NewMemoryLease()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		})
		st, err = store.NewRedisStore(ctx, client)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
		ls = lease.NewRedisLease(client)
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			log.Fatal("POSTGRES_CONN is required when STORE_BACKEND=postgres")
		}
		pool, perr := pgxpool.New(ctx, connStr)
		if perr != nil {
			log.Fatalf("Failed to create Postgres pool: %v", perr)
		}
		st, err = store.NewPostgresStore(ctx, pool)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
		ls, err = lease.NewPostgresLease(ctx, pool)
		if err != nil {
			log.Fatalf("Failed to create Postgres lease: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Tracing (opt-in)
	if endpoint := getEnv("OTEL_COLLECTOR_ENDPOINT", ""); endpoint != "" {
		otelCfg := pkgotel.DefaultConfig("allocator")
		otelCfg.CollectorEndpoint = endpoint
		otelCfg.Environment = getEnv("ENVIRONMENT", "development")
		tp, terr := pkgotel.InitTracer(ctx, otelCfg)
		if terr != nil {
			log.Fatalf("Failed to init tracer: %v", terr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pkgotel.Shutdown(shutdownCtx, tp); err != nil {
				log.Printf("Tracer shutdown error: %v", err)
			}
		}()
	}

	m := metrics.New()

	cacheTTL := time.Duration(getEnvInt("DATAFILE_TTL_SECONDS", 300)) * time.Second
	artifactCache, err := cache.New(st, getEnvInt("CACHE_SIZE", 1024), cacheTTL, m)
	if err != nil {
		log.Fatalf("Failed to create artifact cache: %v", err)
	}

	job := reconcile.New(st, artifactCache, ls, m, reconcile.Config{
		MinExposures: int64(getEnvInt("MIN_EXPOSURES_FOR_UPDATE", 10)),
		Interval:     time.Duration(getEnvInt("UPDATE_INTERVAL_MINUTES", 30)) * time.Minute,
	})

	// Seed baseline definitions before serving traffic.
	datafilesDir := getEnv("DATAFILES_DIR", "datafiles")
	if _, statErr := os.Stat(datafilesDir); statErr == nil {
		n, lerr := loader.LoadDir(ctx, datafilesDir, job)
		if lerr != nil {
			log.Fatalf("Failed to load datafiles: %v", lerr)
		}
		log.Printf("Loaded %d datafiles from %s", n, datafilesDir)
	} else {
		log.Printf("Datafiles dir %s not found, starting empty", datafilesDir)
	}

	job.Start(ctx)

	// Rate limiter for report endpoints
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := server.New(st, artifactCache, job, m, limiter)
	srv.SetMetricsAuth(getEnv("METRICS_USER", ""), getEnv("METRICS_PASS", ""))

	port := getEnv("PORT", "5050")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store: %s)", port, backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	job.Stop()

	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
