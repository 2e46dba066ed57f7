// Command depotd runs the depot HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/depot/archive"
	"github.com/GoCodeAlone/depot/blob"
	"github.com/GoCodeAlone/depot/config"
	"github.com/GoCodeAlone/depot/depot"
	"github.com/GoCodeAlone/depot/event"
	"github.com/GoCodeAlone/depot/index"
	"github.com/GoCodeAlone/depot/locks"
	"github.com/GoCodeAlone/depot/server"
)

var (
	configFile = flag.String("config", "", "Path to depot configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
	rebuild    = flag.Bool("rebuild-index", false, "Rebuild the metadata index from the blob store and exit")
	verbose    = flag.Bool("v", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build blob store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		PoolTimeout: cfg.Redis.PoolTimeout,
	})
	defer redisClient.Close()
	idx := index.NewRedisIndex(redisClient, cfg.Redis.KeyPrefix)

	if *rebuild {
		n, err := index.Rebuild(ctx, store, idx, 0)
		if err != nil {
			log.Fatalf("Index rebuild failed: %v", err)
		}
		fmt.Printf("Index rebuilt: %d artifacts\n", n)
		return
	}

	var publisher event.Publisher
	if cfg.NATS.URL != "" {
		np, err := event.Connect(cfg.NATS.URL, event.NATSPublisherConfig{Subject: cfg.NATS.Subject}, logger)
		if err != nil {
			log.Fatalf("Failed to connect event publisher: %v", err)
		}
		defer np.Stop()
		publisher = np
	} else {
		logger.Info("No NATS URL configured, commit events stay in-process")
	}

	registry := prometheus.NewRegistry()
	d, err := depot.New(depot.Options{
		Store:          store,
		Index:          idx,
		Archive:        archive.NewTarReader(),
		Publisher:      publisher,
		Locks:          locks.NewTable(0, cfg.LockWait),
		Logger:         logger,
		Metrics:        depot.NewMetrics(registry),
		SpoolThreshold: cfg.SpoolThreshold,
	})
	if err != nil {
		log.Fatalf("Failed to build depot: %v", err)
	}

	mux := http.NewServeMux()
	server.NewHandler(d, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := idx.Ping(r.Context()); err != nil {
			http.Error(w, "index unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting depot server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	cancel()

	if err := httpServer.Shutdown(context.Background()); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	fmt.Println("Shutdown complete")
}

// buildStore selects the blob backend: S3 when a bucket is configured, the
// local filesystem otherwise.
func buildStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.S3.Bucket != "" {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.S3.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return blob.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3.Bucket, cfg.S3.Prefix), nil
	}
	return blob.NewLocalStore(cfg.DataDir)
}
