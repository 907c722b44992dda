package config

import (
	"os"
	"path/filepath"
	"testing"

	"gridtrader/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// TestLoadConfigAppliesDefaults verifies that omitted optional fields get defaults.
func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"pairs": [
			{"symbol": "BTCUSDT", "base_asset": "BTC", "quote_asset": "USDT",
			 "spread": 0.02, "level_count": 2, "capital_per_level": 5}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "gridtrader.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.PollIntervalSec)
	assert.Equal(t, 30, cfg.CycleTimeoutSec)
	assert.Equal(t, 1.0, cfg.PartialFillThreshold)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 500, cfg.RetryInitialDelayMs)
	assert.Equal(t, 1, cfg.MaxActivePairs)
	assert.Equal(t, 1.0, cfg.Pairs[0].LogMultiplier)
	assert.Equal(t, models.ModeTwoSided, cfg.Pairs[0].Mode)
}

// TestLoadConfigRejectsBadValues covers validation failures. All of them wrap ErrInvalid.
func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no pairs", `{"pairs": []}`},
		{"spread too large", `{"pairs": [{"symbol": "BTCUSDT", "spread": 1.5, "level_count": 2, "capital_per_level": 5}]}`},
		{"zero levels", `{"pairs": [{"symbol": "BTCUSDT", "spread": 0.02, "level_count": 0, "capital_per_level": 5}]}`},
		{"zero capital", `{"pairs": [{"symbol": "BTCUSDT", "spread": 0.02, "level_count": 2, "capital_per_level": 0}]}`},
		{"duplicate pair", `{"pairs": [
			{"symbol": "BTCUSDT", "spread": 0.02, "level_count": 2, "capital_per_level": 5},
			{"symbol": "BTCUSDT", "spread": 0.03, "level_count": 2, "capital_per_level": 5}
		]}`},
		{"bad mode", `{"pairs": [{"symbol": "BTCUSDT", "spread": 0.02, "level_count": 2, "capital_per_level": 5, "mode": "sideways"}]}`},
		{"bad backend", `{"store": {"backend": "postgres"}, "pairs": [{"symbol": "BTCUSDT", "spread": 0.02, "level_count": 2, "capital_per_level": 5}]}`},
		{"threshold above one", `{"partial_fill_threshold": 1.5, "pairs": [{"symbol": "BTCUSDT", "spread": 0.02, "level_count": 2, "capital_per_level": 5}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

// TestLoadConfigMissingFile verifies the error surfaces instead of a default config.
func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
