package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rookdaemon/substrate-sub003/relay"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	secret := os.Getenv("AGORA_RELAY_JWT_SECRET")
	if secret == "" {
		logger.Error("AGORA_RELAY_JWT_SECRET is required")
		os.Exit(1)
	}

	expiry := time.Hour
	if v := os.Getenv("AGORA_JWT_EXPIRY_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Error("invalid AGORA_JWT_EXPIRY_SECONDS", "value", v)
			os.Exit(1)
		}
		expiry = time.Duration(n) * time.Second
	}

	port := 8421
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Error("invalid PORT", "value", v)
			os.Exit(1)
		}
		port = n
	}

	server := relay.NewServer(relay.ServerConfig{
		JWTSecret:    []byte(secret),
		JWTExpiry:    expiry,
		WebhookToken: os.Getenv("AGORA_WEBHOOK_TOKEN"),
	}, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("relay listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("relay server failed", "error", err)
		os.Exit(1)
	}
}
