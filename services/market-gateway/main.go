package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gatewayauth "assetmarket/gateway/auth"
	"assetmarket/gateway/middleware"
	"assetmarket/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logging.Setup("market-gateway", os.Getenv("MARKET_GATEWAY_ENV"))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logger.Error("load config", "error", err.Error())
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	secrets := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		secrets[key.Key] = key.Secret
	}
	auth := gatewayauth.NewAuthenticator(secrets, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil)

	var admin *middleware.JWTVerifier
	if cfg.AdminJWTSecret != "" {
		admin = middleware.NewJWTVerifier(middleware.JWTConfig{
			Secret:   cfg.AdminJWTSecret,
			Issuer:   cfg.AdminJWTIssuer,
			Audience: cfg.AdminJWTAudience,
		}, logger)
	}

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	server := NewServer(auth, admin, node, store, cfg.RatePerSecond, cfg.RateBurst)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("market gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err.Error())
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down market gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
