// Package governance holds the engine's long-lived mutable configuration and
// the two-phase, time-delayed protocol through which it changes.
package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// DivisionFactor is the parts-per base for every fraction parameter
// (100000 = 100%).
const DivisionFactor = 100_000

// ParamsConfig is the initial parameter set.
type ParamsConfig struct {
	Treasury          string
	Staking           string        // empty when no staking pool is configured
	Vault             string
	DepositorFraction uint64        // carved out of the gain before the settlement swap
	ExecutorFraction  uint64        // of the post-retention settlement balance
	StakerFraction    uint64        // of the balance remaining after the executor
	SellPercent       uint64        // of each asset's balance sold per round
	SellCap           *uint256.Int  // normalized absolute per-asset sell cap
	RebalanceTrigger  uint64        // withdrawal share that forces a rebalance first
	MinSplit          *uint256.Int  // normalized balance at or below which the whole balance sells
	MaxBasketSize     uint64
	Cooldown          time.Duration // minimum elapsed time between open rebalance triggers
	MinGain           *uint256.Int  // normalized dust threshold below which no distribution runs
}

// Params is the live parameter set. Reads are safe from any goroutine;
// writes happen only through the Governor's commit path.
type Params struct {
	mu  sync.RWMutex
	cfg ParamsConfig
}

// NewParams validates the initial configuration and returns the live set.
func NewParams(cfg ParamsConfig) (*Params, error) {
	for name, f := range map[string]uint64{
		"depositor_fraction": cfg.DepositorFraction,
		"executor_fraction":  cfg.ExecutorFraction,
		"staker_fraction":    cfg.StakerFraction,
		"sell_percent":       cfg.SellPercent,
		"rebalance_trigger":  cfg.RebalanceTrigger,
	} {
		if f > DivisionFactor {
			return nil, fmt.Errorf("%s %d exceeds division factor %d", name, f, DivisionFactor)
		}
	}
	if cfg.Treasury == "" {
		return nil, fmt.Errorf("treasury address is required")
	}
	if cfg.Vault == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.SellCap == nil || cfg.MinSplit == nil || cfg.MinGain == nil {
		return nil, fmt.Errorf("sell_cap, min_split and min_gain are required")
	}
	p := &Params{}
	p.cfg = cfg
	p.cfg.SellCap = cfg.SellCap.Clone()
	p.cfg.MinSplit = cfg.MinSplit.Clone()
	p.cfg.MinGain = cfg.MinGain.Clone()
	return p, nil
}

// Treasury returns the treasury address.
func (p *Params) Treasury() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Treasury
}

// Staking returns the staking pool address, empty when not configured.
func (p *Params) Staking() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Staking
}

// Vault returns the designated vault caller address.
func (p *Params) Vault() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Vault
}

// Fractions returns the depositor, executor and staker fractions in parts
// per DivisionFactor.
func (p *Params) Fractions() (depositor, executor, staker uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.DepositorFraction, p.cfg.ExecutorFraction, p.cfg.StakerFraction
}

// SellPolicy returns the per-round sell percentage and the normalized
// absolute sell cap.
func (p *Params) SellPolicy() (percent uint64, capNormalized *uint256.Int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.SellPercent, p.cfg.SellCap.Clone()
}

// RebalanceTrigger returns the withdrawal share, in parts per
// DivisionFactor, above which an exit forces a rebalance pass first.
func (p *Params) RebalanceTrigger() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.RebalanceTrigger
}

// MinSplit returns the normalized balance at or below which an asset's whole
// balance is sold.
func (p *Params) MinSplit() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.MinSplit.Clone()
}

// MaxBasketSize returns the maximum number of assets the basket may hold.
func (p *Params) MaxBasketSize() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.MaxBasketSize
}

// Cooldown returns the minimum elapsed time between open rebalance triggers.
func (p *Params) Cooldown() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Cooldown
}

// MinGain returns the normalized dust threshold below which a realized gain
// is not distributed.
func (p *Params) MinGain() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.MinGain.Clone()
}
