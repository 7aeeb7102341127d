package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/snowball-engine/internal/app"
	"github.com/ignite/snowball-engine/internal/config"
	"github.com/ignite/snowball-engine/internal/pkg/httputil"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", os.Getenv("SNOWBALL_CONFIG"), "path to the YAML config file")
	flag.Parse()

	log.Println("Starting snowball distribution worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(logger.Options{
		Service:   "snowball-worker",
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		RedactPII: cfg.Logging.Redact(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	if a.DB != nil {
		log.Println("Connected to database")
	}
	log.Printf("Connected to Redis at %s", cfg.Redis.Addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats, err := a.Queue.Stats(r.Context())
		if err != nil {
			httputil.Unavailable(w, "redis", err)
			return
		}
		if a.DB != nil {
			if err := a.DB.PingContext(r.Context()); err != nil {
				httputil.Unavailable(w, "postgres", err)
				return
			}
		}
		httputil.OK(w, map[string]interface{}{"status": "ok", "queue": stats})
	})
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	log.Printf("Metrics listening on %s", cfg.Metrics.Addr)

	log.Printf("Worker running (queue %s, concurrency %d)", cfg.Queue.Name, cfg.Queue.Concurrency)
	runErr := a.Run(ctx)

	log.Println("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown: %v", err)
	}
	if err := a.Close(); err != nil {
		log.Printf("Close: %v", err)
	}
	if runErr != nil {
		log.Fatalf("Worker stopped with error: %v", runErr)
	}
	log.Println("Worker stopped")
}
