package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Exchange.FeeRate.Equal(decimal.RequireFromString("0.003")))
	assert.Equal(t, 65*time.Second, cfg.Pricing.HeartbeatStaleAfter)
	assert.Equal(t, 8, cfg.Targets.MaxCascadeDepth)
	assert.Equal(t, 30*time.Second, cfg.Exchange.SettleTimeout)
	assert.Equal(t, time.Minute, cfg.Exchange.TreasurySweepInterval)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SYNTH_EXCHANGE_FEE_RATE", "0.01")
	t.Setenv("SYNTH_SERVER_PORT", "9090")
	t.Setenv("SYNTH_PRICING_VOLUME_WINDOW", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Exchange.FeeRate.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Pricing.VolumeWindow)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synth.yaml")
	body := []byte("exchange:\n  lp_fee_share: \"0.5\"\ntargets:\n  max_cascade_depth: 3\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("SYNTH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Exchange.LPFeeShare.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 3, cfg.Targets.MaxCascadeDepth)
}

func TestFromViper_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"fee rate of one", "exchange.fee_rate", "1"},
		{"negative lp share", "exchange.lp_fee_share", "-0.1"},
		{"zero beta", "pricing.ema_beta", "0"},
		{"zero cascade depth", "targets.max_cascade_depth", 0},
		{"zero settle timeout", "exchange.settle_timeout", 0},
		{"unparseable decimal", "pricing.volume_v0", "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			v.Set(tt.key, tt.val)

			_, err := FromViper(v)
			assert.Error(t, err)
		})
	}
}
