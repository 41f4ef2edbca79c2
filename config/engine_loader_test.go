package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/zeebo/assert"

	"github.com/parallaxfi/basket-engine/config"
)

const engineTOML = `
[settlement]
token = "WETH"
decimals = 18

[[assets]]
token = "ESD"
decimals = 18
paired = "USDC"
paired_decimals = 6
balance = "1000000000000000000000"

[[assets]]
token = "BAC"
decimals = 18
paired = "DAI"
paired_decimals = 18

[engine]
account = "engine"
owner = "owner"
router_address = "router"
probe_expansion = true
reference_amount = "1000000000000000000"
governance_delay = "72h"

[params]
treasury = "treasury"
staking = "staking-pool"
vault = "vault"
depositor_fraction = 50000
executor_fraction = 20000
staker_fraction = 50000
sell_percent = 50000
sell_cap = "25000000000000000000000"
rebalance_trigger = 10000
min_split = "10000000000000000000"
max_basket_size = 5
cooldown = "1h"
min_gain = "1000000000000000"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEngineFile_TOML(t *testing.T) {
	path := writeConfig(t, "engine.toml", engineTOML)

	cfg, err := config.LoadEngineFile(path)
	assert.NoError(t, err)

	assert.Equal(t, cfg.Settlement.Token, "WETH")
	assert.Equal(t, cfg.Settlement.Decimals, uint8(18))
	assert.Equal(t, len(cfg.Assets), 2)
	assert.Equal(t, cfg.Assets[0].Paired, "USDC")
	assert.Equal(t, cfg.Assets[0].PairedDecimals, uint8(6))
	assert.Equal(t, cfg.Engine.Account, "engine")
	assert.Equal(t, cfg.Engine.RouterAddress, "router")
	assert.True(t, cfg.Engine.ProbeExpansion)
	assert.Equal(t, cfg.Params.DepositorFraction, uint64(50000))
}

func TestEngineConfig_InitialHoldings(t *testing.T) {
	path := writeConfig(t, "engine.toml", engineTOML)
	cfg, err := config.LoadEngineFile(path)
	assert.NoError(t, err)

	holdings, err := cfg.InitialHoldings()
	assert.NoError(t, err)

	// only ESD carries a balance entry; BAC starts unfunded
	assert.Equal(t, len(holdings), 1)
	assert.True(t, holdings["ESD"].Eq(uint256.MustFromDecimal("1000000000000000000000")))

	cfg.Assets[1].Balance = "plenty"
	_, err = cfg.InitialHoldings()
	assert.Error(t, err)
}

func TestLoadEngineFile_JSON(t *testing.T) {
	path := writeConfig(t, "engine.json", `{
		"settlement": {"token": "WETH", "decimals": 18},
		"assets": [
			{"token": "ESD", "decimals": 18, "paired": "USDC", "paired_decimals": 6}
		],
		"engine": {
			"account": "engine", "owner": "owner", "router_address": "router",
			"reference_amount": "1000000000000000000", "governance_delay": "72h"
		},
		"params": {
			"treasury": "treasury", "vault": "vault",
			"depositor_fraction": 50000, "sell_percent": 50000,
			"sell_cap": "1000", "min_split": "10", "cooldown": "1h", "min_gain": "1"
		}
	}`)

	cfg, err := config.LoadEngineFile(path)
	assert.NoError(t, err)
	assert.Equal(t, cfg.Settlement.Token, "WETH")
	assert.Equal(t, cfg.Assets[0].Token, "ESD")
	assert.Equal(t, cfg.Engine.GovernanceDelay, "72h")
}

func TestLoadEngineFile_MissingFile(t *testing.T) {
	_, err := config.LoadEngineFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEngineConfig_BuildBasket(t *testing.T) {
	path := writeConfig(t, "engine.toml", engineTOML)
	cfg, err := config.LoadEngineFile(path)
	assert.NoError(t, err)

	b, err := cfg.BuildBasket()
	assert.NoError(t, err)
	assert.Equal(t, b.Settlement(), "WETH")
	assert.Equal(t, b.Len(), 2)
	assert.Equal(t, b.Asset(1).Paired, "DAI")
}

func TestEngineConfig_BuildBasketRejectsOversize(t *testing.T) {
	path := writeConfig(t, "engine.toml", engineTOML)
	cfg, err := config.LoadEngineFile(path)
	assert.NoError(t, err)

	cfg.Params.MaxBasketSize = 1
	_, err = cfg.BuildBasket()
	assert.Error(t, err)
}

func TestEngineConfig_BuildParams(t *testing.T) {
	path := writeConfig(t, "engine.toml", engineTOML)
	cfg, err := config.LoadEngineFile(path)
	assert.NoError(t, err)

	params, err := cfg.BuildParams()
	assert.NoError(t, err)
	assert.Equal(t, params.Treasury(), "treasury")
	assert.Equal(t, params.Vault(), "vault")
	assert.Equal(t, params.Cooldown(), time.Hour)
	assert.True(t, params.MinSplit().Eq(uint256.MustFromDecimal("10000000000000000000")))

	ref, err := cfg.ReferenceAmount()
	assert.NoError(t, err)
	assert.True(t, ref.Eq(uint256.MustFromDecimal("1000000000000000000")))

	delay, err := cfg.GovernanceDelay()
	assert.NoError(t, err)
	assert.Equal(t, delay, 72*time.Hour)
}

func TestEngineConfig_BadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.EngineConfig)
	}{
		{"negative amount", func(cfg *config.EngineConfig) { cfg.Params.SellCap = "-5" }},
		{"non-numeric amount", func(cfg *config.EngineConfig) { cfg.Params.MinGain = "lots" }},
		{"empty amount", func(cfg *config.EngineConfig) { cfg.Params.MinSplit = "" }},
		{"bad duration", func(cfg *config.EngineConfig) { cfg.Params.Cooldown = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "engine.toml", engineTOML)
			cfg, err := config.LoadEngineFile(path)
			assert.NoError(t, err)

			tt.mutate(cfg)
			_, err = cfg.BuildParams()
			assert.Error(t, err)
		})
	}
}
