package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pinglane/pinglane/internal/httpapi"
	"github.com/pinglane/pinglane/internal/pinglane"
)

func main() {
	addr := os.Getenv("PINGLANE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	policy := pinglane.NewQuotaPolicy()
	if limitsFile := strings.TrimSpace(os.Getenv("PINGLANE_LIMITS_FILE")); limitsFile != "" {
		if err := pinglane.WatchTierLimits(context.Background(), limitsFile, policy); err != nil {
			log.Fatalf("failed to watch limits file %s: %v", limitsFile, err)
		}
	}

	delivery := pinglane.NewHTTPDiscordClient(pinglane.DiscordClientOptions{
		BaseURL:  os.Getenv("PINGLANE_DISCORD_BASE_URL"),
		BotToken: os.Getenv("PINGLANE_DISCORD_BOT_TOKEN"),
		HTTPClient: &http.Client{
			Timeout: durationEnv("PINGLANE_DISCORD_TIMEOUT", 15*time.Second),
		},
		UserAgent: "pinglane",
	})

	hub := pinglane.NewStreamHub()
	ingestor, err := pinglane.NewIngestor(pinglane.IngestorOptions{
		Store:    store,
		Delivery: delivery,
		Policy:   policy,
		Hub:      hub,
	})
	if err != nil {
		log.Fatalf("failed to build ingestor: %v", err)
	}

	server := httpapi.NewServerWithConfig(httpapi.Dependencies{
		Store:    store,
		Ingestor: ingestor,
		Policy:   policy,
		Hub:      hub,
	}, httpapi.ServerConfig{
		SessionSecret:   os.Getenv("PINGLANE_SESSION_SECRET"),
		RateLimitMax:    intEnv("PINGLANE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("PINGLANE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("PINGLANE_MAX_BODY_BYTES", 0),
	})

	log.Printf("pinglane listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (pinglane.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("PINGLANE_STORE_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PINGLANE_POSTGRES_DSN"))
	}
	if dsn == "" {
		log.Printf("no store dsn configured, using in-memory store")
		dsn = "memory://"
	}
	return pinglane.BuildStoreFromDSN(dsn)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
