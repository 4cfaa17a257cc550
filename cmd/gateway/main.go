package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/soizicle69/LiberTalk/internal/archive"
	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/confirm"
	"github.com/soizicle69/LiberTalk/internal/engine"
	"github.com/soizicle69/LiberTalk/internal/gateway"
	"github.com/soizicle69/LiberTalk/internal/messaging"
	"github.com/soizicle69/LiberTalk/internal/presence"
	"github.com/soizicle69/LiberTalk/internal/reaper"
)

func main() {
	config := gateway.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "libertalk-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Engine ---
	engineCfg := engine.DefaultConfig()
	if v := os.Getenv("CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			engineCfg.Matching.ConfirmTimeout = d
		}
	}
	if v := os.Getenv("MAX_DISTANCE_KM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			engineCfg.Matching.MaxDistanceKm = f
		}
	}
	eng := engine.New(rdb, engineCfg)
	eng.SetNotifier(messaging.NewNotifier(natsClient))

	// Optional session archive for the leave/end paths.
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.PingContext(context.Background()); err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		eng.SetArchiver(archive.NewStore(db))
		defer db.Close()
	}

	// Opportunistic sweeps on the join path; the dedicated loop runs in
	// the matchmaker process.
	eng.SetSweeper(engineReaper(rdb))

	log.Printf("LiberTalk gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	server := gateway.NewServer(config, eng, natsClient)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		rdb.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// engineReaper builds a notifier-less reaper for on-join sweeps.
func engineReaper(rdb *redis.Client) *reaper.Reaper {
	p := presence.NewStore(rdb)
	attempts := confirm.NewStore(rdb)
	chats := chat.NewStore(rdb)
	coordinator := confirm.NewCoordinator(attempts, p, chats)
	return reaper.New(p, attempts, coordinator, chats, nil, nil, reaper.DefaultConfig())
}
