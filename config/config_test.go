package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"assetmarket/crypto"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8545", cfg.RPCAddress)
	require.Equal(t, "./marketdata", cfg.DataDir)
	require.Equal(t, filepath.Join("./marketdata", "events.db"), cfg.EventJournal)
	require.Equal(t, "market-local", cfg.NetworkName)

	// The defaults were written out and reload cleanly.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.RPCAddress, reloaded.RPCAddress)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("DataDir = \"/var/lib/market\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/market", cfg.DataDir)
	require.Equal(t, filepath.Join("/var/lib/market", "events.db"), cfg.EventJournal)
	require.Equal(t, ":8545", cfg.RPCAddress)
}

func TestValidateRejectsBadAdminAddress(t *testing.T) {
	cfg := &Config{AdminAddress: "not-an-address"}
	require.Error(t, Validate(cfg))

	addr := crypto.NewAddress(crypto.MarketPrefix, make([]byte, 20))
	cfg.AdminAddress = addr.String()
	require.NoError(t, Validate(cfg))
}

func TestValidateRejectsTelemetryWithoutEndpoint(t *testing.T) {
	cfg := &Config{Telemetry: TelemetryConfig{Enabled: true}}
	require.Error(t, Validate(cfg))

	cfg.Telemetry.Endpoint = "collector:4317"
	require.NoError(t, Validate(cfg))
}

func TestValidateNilConfig(t *testing.T) {
	require.Error(t, Validate(nil))
}
