package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv(configFileEnvKey, "")
		t.Setenv("PORT", "")
		t.Setenv("DATABASE_URL", "")
		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, "8080", cfg.Port)
		require.Equal(t, 5, cfg.TxAttempts)
		require.Equal(t, 24*time.Hour, cfg.OrphanGrace)
		require.True(t, cfg.Optimize)
		require.False(t, cfg.UsesMemoryStore())
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv(configFileEnvKey, "")
		t.Setenv("PORT", "9000")
		t.Setenv("DATABASE_URL", "memory://")
		t.Setenv("DSS_OPTIMIZE", "false")
		t.Setenv("DSS_ORPHAN_GRACE_HOURS", "1.5")
		t.Setenv("DSS_PNGQUANT_PATH", "/opt/pngquant")

		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, "9000", cfg.Port)
		require.True(t, cfg.UsesMemoryStore())
		require.False(t, cfg.Optimize)
		require.Equal(t, 90*time.Minute, cfg.OrphanGrace)
		require.Equal(t, "/opt/pngquant", cfg.PNGQuantPath)
	})

	t.Run("malformed env values keep the fallback", func(t *testing.T) {
		t.Setenv(configFileEnvKey, "")
		t.Setenv("DSS_TX_ATTEMPTS", "many")
		t.Setenv("DSS_OPTIMIZE", "maybe")

		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, 5, cfg.TxAttempts)
		require.True(t, cfg.Optimize)
	})

	t.Run("file then env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dss.toml")
		content := `
port = "7000"
database_url = "memory://"
orphan_grace = "2h"
derivation_permits = 3
rate_limit_burst = 5
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		t.Setenv(configFileEnvKey, path)
		t.Setenv("RATE_LIMIT_BURST", "8")

		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, "7000", cfg.Port)
		require.Equal(t, 2*time.Hour, cfg.OrphanGrace)
		require.EqualValues(t, 3, cfg.DerivationPermits)
		require.Equal(t, 8, cfg.RateLimitBurst)
		require.Equal(t, "/usr/bin/jpegoptim", cfg.JPEGOptimPath)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(configFileEnvKey, filepath.Join(t.TempDir(), "absent.toml"))
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv(configFileEnvKey, "")
		t.Setenv("DSS_TX_ATTEMPTS", "0")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	require.Equal(t, slog.LevelInfo, cfg.SlogLevel())

	cfg.LogLevel = "debug"
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	cfg.LogLevel = "chatty"
	require.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
