package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"assetmarket/config"
	"assetmarket/core"
	"assetmarket/core/events"
	"assetmarket/observability/logging"
	"assetmarket/observability/otel"
	"assetmarket/rpc"
	"assetmarket/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides config GenesisFile)")
	rpcToken := flag.String("rpc-token", "", "Bearer token required on mutating RPC methods (overrides MARKETD_RPC_TOKEN)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MARKETD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithFile("marketd", env, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "marketd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("init telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chaindata"))
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	journal, err := events.NewJournal(cfg.EventJournal)
	if err != nil {
		logger.Error("open event journal", slog.Any("error", err))
		os.Exit(1)
	}
	defer journal.Close()

	node, err := core.NewNode(db, journal)
	if err != nil {
		logger.Error("start node", slog.Any("error", err))
		os.Exit(1)
	}

	if err := applyGenesisIfNeeded(node, cfg, *genesisFlag, logger); err != nil {
		logger.Error("apply genesis", slog.Any("error", err))
		os.Exit(1)
	}

	token := strings.TrimSpace(*rpcToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("MARKETD_RPC_TOKEN"))
	}
	if token == "" {
		logger.Warn("mutating RPC methods are unauthenticated",
			slog.String("reason", "no rpc token configured"))
	} else {
		logger.Info("rpc bearer authentication enabled",
			logging.MaskField("token", token))
	}
	server := rpc.NewServer(node, token)

	srv := &http.Server{
		Addr:    cfg.RPCAddress,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("marketd listening",
			slog.String("address", cfg.RPCAddress),
			slog.String("network", cfg.NetworkName),
			slog.String("registry", node.ActiveRegistry()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down marketd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

// applyGenesisIfNeeded seeds a fresh node from the genesis file. A node with
// existing state ignores the file and keeps serving its stored state.
func applyGenesisIfNeeded(node *core.Node, cfg *config.Config, override string, logger *slog.Logger) error {
	initialized, err := node.Initialized()
	if err != nil {
		return err
	}
	if initialized {
		return nil
	}
	path := strings.TrimSpace(override)
	if path == "" {
		path = strings.TrimSpace(cfg.GenesisFile)
	}
	if path == "" {
		return fmt.Errorf("node has no state and no genesis file is configured")
	}
	gen, err := core.LoadGenesis(path)
	if err != nil {
		return err
	}
	if err := node.ApplyGenesis(gen); err != nil {
		return err
	}
	logger.Info("genesis applied",
		slog.String("network", gen.Network),
		slog.String("registry", node.ActiveRegistry()),
		slog.Int("accounts", len(gen.Accounts)),
		slog.Int("assets", len(gen.Assets)),
	)
	return nil
}
