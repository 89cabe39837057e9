// Command agentd is the headless agent-side runtime: it keeps one feed
// websocket alive per signed-in agent, heartbeats it, and maintains the
// local optimistic projection that a desktop or CLI frontend renders.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"switchdesk/internal/agentclient"
	"switchdesk/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	log := logger.New(strings.TrimSpace(os.Getenv("APP_ENV")))
	slog.SetDefault(log)

	feedURL := strings.TrimSpace(os.Getenv("AGENTD_FEED_URL"))
	if feedURL == "" {
		log.Error("AGENTD_FEED_URL is required")
		os.Exit(1)
	}
	token := strings.TrimSpace(os.Getenv("AGENTD_ACCESS_TOKEN"))
	if token == "" {
		log.Error("AGENTD_ACCESS_TOKEN is required")
		os.Exit(1)
	}

	conn := agentclient.NewConnection(agentclient.ConnectionConfig{
		FeedURL:           feedURL,
		AccessToken:       token,
		BackoffBase:       envDuration("RECONNECT_BASE_DELAY"),
		BackoffMax:        envDuration("RECONNECT_MAX_DELAY"),
		BackoffCeiling:    envInt("RECONNECT_MAX_ATTEMPTS"),
		HeartbeatInterval: envDuration("PRESENCE_HEARTBEAT_INTERVAL"),
		OnLost: func() {
			log.Error("feed connection lost, attempt ceiling reached")
		},
		Log: log,
	})

	log.Info("agentd starting", "feed_url", feedURL)
	if err := conn.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		log.Error("connection runtime failed", "err", err)
		os.Exit(1)
	}
	log.Info("agentd stopped")
}

// envDuration and envInt return the zero value when unset; the
// connection falls back to its own defaults.
func envDuration(key string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
