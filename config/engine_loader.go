// Package config loads the engine's file and environment configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/pelletier/go-toml/v2"

	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/governance"
)

// SettlementConfig describes the base settlement asset.
type SettlementConfig struct {
	Token    string `toml:"token" json:"token"`
	Decimals uint8  `toml:"decimals" json:"decimals"`
}

// AssetConfig describes one basket asset. Balance is the engine account's
// starting holding in raw token units; empty means the asset starts unfunded.
type AssetConfig struct {
	Token          string `toml:"token" json:"token"`
	Decimals       uint8  `toml:"decimals" json:"decimals"`
	Paired         string `toml:"paired" json:"paired"`
	PairedDecimals uint8  `toml:"paired_decimals" json:"paired_decimals"`
	Balance        string `toml:"balance" json:"balance,omitempty"`
}

// EngineSection holds the engine's own identity and behavior knobs.
type EngineSection struct {
	Account         string `toml:"account" json:"account"`
	Owner           string `toml:"owner" json:"owner"`
	RouterAddress   string `toml:"router_address" json:"router_address"`
	ProbeExpansion  bool   `toml:"probe_expansion" json:"probe_expansion"`
	ReferenceAmount string `toml:"reference_amount" json:"reference_amount"`
	GovernanceDelay string `toml:"governance_delay" json:"governance_delay"`
}

// ParamsSection holds the initial governable parameter values. Amount fields
// are normalized fixed-point decimal strings.
type ParamsSection struct {
	Treasury          string `toml:"treasury" json:"treasury"`
	Staking           string `toml:"staking" json:"staking"`
	Vault             string `toml:"vault" json:"vault"`
	DepositorFraction uint64 `toml:"depositor_fraction" json:"depositor_fraction"`
	ExecutorFraction  uint64 `toml:"executor_fraction" json:"executor_fraction"`
	StakerFraction    uint64 `toml:"staker_fraction" json:"staker_fraction"`
	SellPercent       uint64 `toml:"sell_percent" json:"sell_percent"`
	SellCap           string `toml:"sell_cap" json:"sell_cap"`
	RebalanceTrigger  uint64 `toml:"rebalance_trigger" json:"rebalance_trigger"`
	MinSplit          string `toml:"min_split" json:"min_split"`
	MaxBasketSize     uint64 `toml:"max_basket_size" json:"max_basket_size"`
	Cooldown          string `toml:"cooldown" json:"cooldown"`
	MinGain           string `toml:"min_gain" json:"min_gain"`
}

// EngineConfig is the full file configuration for the engine.
type EngineConfig struct {
	Settlement SettlementConfig `toml:"settlement" json:"settlement"`
	Assets     []AssetConfig    `toml:"assets" json:"assets"`
	Engine     EngineSection    `toml:"engine" json:"engine"`
	Params     ParamsSection    `toml:"params" json:"params"`
}

// LoadEngineFile reads an engine config from a TOML file (or JSON, by
// suffix).
func LoadEngineFile(filePath string) (*EngineConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config file: %w", err)
	}

	var cfg EngineConfig
	if strings.HasSuffix(filePath, ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	}
	return &cfg, nil
}

// BuildBasket converts the asset list into the engine's basket type.
func (c *EngineConfig) BuildBasket() (*basket.Basket, error) {
	if c.Params.MaxBasketSize > 0 && uint64(len(c.Assets)) > c.Params.MaxBasketSize {
		return nil, fmt.Errorf("%d assets exceed max basket size %d", len(c.Assets), c.Params.MaxBasketSize)
	}
	assets := make([]basket.Asset, len(c.Assets))
	for i, a := range c.Assets {
		assets[i] = basket.Asset{
			Token:          a.Token,
			Decimals:       a.Decimals,
			Paired:         a.Paired,
			PairedDecimals: a.PairedDecimals,
		}
	}
	return basket.New(c.Settlement.Token, c.Settlement.Decimals, assets)
}

// BuildParams converts the params section into the live governance set.
func (c *EngineConfig) BuildParams() (*governance.Params, error) {
	sellCap, err := parseAmount("sell_cap", c.Params.SellCap)
	if err != nil {
		return nil, err
	}
	minSplit, err := parseAmount("min_split", c.Params.MinSplit)
	if err != nil {
		return nil, err
	}
	minGain, err := parseAmount("min_gain", c.Params.MinGain)
	if err != nil {
		return nil, err
	}
	cooldown, err := parseDuration("cooldown", c.Params.Cooldown)
	if err != nil {
		return nil, err
	}

	return governance.NewParams(governance.ParamsConfig{
		Treasury:          c.Params.Treasury,
		Staking:           c.Params.Staking,
		Vault:             c.Params.Vault,
		DepositorFraction: c.Params.DepositorFraction,
		ExecutorFraction:  c.Params.ExecutorFraction,
		StakerFraction:    c.Params.StakerFraction,
		SellPercent:       c.Params.SellPercent,
		SellCap:           sellCap,
		RebalanceTrigger:  c.Params.RebalanceTrigger,
		MinSplit:          minSplit,
		MaxBasketSize:     c.Params.MaxBasketSize,
		Cooldown:          cooldown,
		MinGain:           minGain,
	})
}

// InitialHoldings returns the engine account's configured starting balance
// per token, in raw token units. A basket whose every balance entry is empty
// yields no holdings, and the engine has nothing to rebalance until funded.
func (c *EngineConfig) InitialHoldings() (map[string]*uint256.Int, error) {
	holdings := make(map[string]*uint256.Int)
	for _, a := range c.Assets {
		if a.Balance == "" {
			continue
		}
		amount, err := parseAmount("balance of "+a.Token, a.Balance)
		if err != nil {
			return nil, err
		}
		holdings[a.Token] = amount
	}
	return holdings, nil
}

// ReferenceAmount returns the selector's normalized probe size.
func (c *EngineConfig) ReferenceAmount() (*uint256.Int, error) {
	return parseAmount("reference_amount", c.Engine.ReferenceAmount)
}

// GovernanceDelay returns the timelock delay window.
func (c *EngineConfig) GovernanceDelay() (time.Duration, error) {
	return parseDuration("governance_delay", c.Engine.GovernanceDelay)
}

func parseAmount(name, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parsing %s %q: %w", name, s, err)
	}
	return v, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, s, err)
	}
	return d, nil
}
