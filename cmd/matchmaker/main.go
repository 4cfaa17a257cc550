package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/soizicle69/LiberTalk/internal/archive"
	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/confirm"
	"github.com/soizicle69/LiberTalk/internal/messaging"
	"github.com/soizicle69/LiberTalk/internal/metrics"
	"github.com/soizicle69/LiberTalk/internal/presence"
	"github.com/soizicle69/LiberTalk/internal/reaper"
)

// matchmaker runs the background half of the system: the reaper sweeps
// and the Prometheus endpoint. The gateway processes handle client
// traffic; this process keeps the stores consistent when they crash or
// clients vanish.
func main() {
	log.Println("Starting LiberTalk matchmaker service...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "libertalk-matchmaker"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	notifier := messaging.NewNotifier(natsClient)

	// Optional session archive.
	var archiver *archive.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		migrationsDir := "file://migrations"
		if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
			migrationsDir = "file://" + v
		}
		m, err := migrate.New(migrationsDir, dsn)
		if err != nil {
			log.Fatalf("failed to init migrations: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("failed to run migrations: %v", err)
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.PingContext(context.Background()); err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		archiver = archive.NewStore(db)
		defer db.Close()
	}

	// Reaper setup.
	reaperCfg := reaper.DefaultConfig()
	if v := os.Getenv("REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reaperCfg.Interval = d
		}
	}
	if v := os.Getenv("LIVENESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reaperCfg.LivenessWindow = d
		}
	}
	if v := os.Getenv("SESSION_INACTIVITY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reaperCfg.SessionInactivity = d
		}
	}

	presenceStore := presence.NewStore(rdb)
	attemptStore := confirm.NewStore(rdb)
	chatStore := chat.NewStore(rdb)
	coordinator := confirm.NewCoordinator(attemptStore, presenceStore, chatStore)

	var archiverIface reaper.Archiver
	if archiver != nil {
		archiverIface = archiver
	}
	rp := reaper.New(presenceStore, attemptStore, coordinator, chatStore,
		archiverIface, notifier, reaperCfg)

	runCtx, stop := context.WithCancel(context.Background())
	go rp.Run(runCtx)

	// Metrics endpoint.
	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("LiberTalk matchmaker running")
	log.Printf("  redis_addr:    %s", redisAddr)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  metrics_addr:  %s", metricsAddr)
	log.Printf("  reap_interval: %s", reaperCfg.Interval)
	log.Printf("  archive:       %t", archiver != nil)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = metricsServer.Shutdown(shutdownCtx)
	shutdownCancel()
	natsClient.Close()
	rdb.Close()
}
