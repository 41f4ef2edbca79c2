// Package rebalance holds the engine core: the rebalance executor, the
// profit distributor, the withdrawal allocator and the read-only
// expected-profit simulation.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/governance"
	"github.com/parallaxfi/basket-engine/router"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "rebalance").Logger()
}

var (
	// ErrProfitability is returned when the post-rebalance balance did not
	// increase despite executed trades. A net loss indicates quote staleness
	// or manipulation between quote and execution and is never tolerated.
	ErrProfitability = errors.New("basket value did not increase after trades")
	// ErrInsufficientBalance is returned when a withdrawal exceeds the
	// basket's available funds.
	ErrInsufficientBalance = errors.New("insufficient basket balance")
	// ErrCooldown is returned when an open rebalance trigger arrives before
	// the minimum elapsed time since the last trade.
	ErrCooldown = errors.New("rebalance cooldown has not elapsed")
)

// SwapDeadline bounds how long a swap may stay pending before it, and with
// it the whole operation, fails.
const SwapDeadline = 60 * time.Second

// Deps collects the engine's collaborators.
type Deps struct {
	Basket   *basket.Basket
	Planner  *router.Planner
	Selector *router.Selector
	Tokens   amm.TokenClient
	Router   amm.Router
	// RouterAddress is the spender granted swap allowances
	RouterAddress string
	// Staking may be nil; the staker share then falls through to the treasury
	Staking amm.StakingPool
	Params  *governance.Params
	// Owner may invoke ForceRebalance
	Owner string
	// Account is the engine's own holding account
	Account string
	// ProbeExpansion enables the per-asset expansion-phase gate
	ProbeExpansion bool
	// Clock defaults to time.Now
	Clock func() time.Time
	// Metrics may be nil
	Metrics *Metrics
}

// Engine is the rebalancing and arbitrage core. All mutating entry points
// serialize on one mutex; external calls happen while it is held, so the
// engine never observes its own re-entry.
type Engine struct {
	mu             sync.Mutex
	basket         *basket.Basket
	planner        *router.Planner
	selector       *router.Selector
	tokens         amm.TokenClient
	router         amm.Router
	routerAddr     string
	staking        amm.StakingPool
	params         *governance.Params
	owner          string
	account        string
	probeExpansion bool
	clock          func() time.Time
	lastTrade      time.Time
	metrics        *Metrics
}

// Trade records one executed swap: the asset sold and the raw amounts on
// both ends of the route.
type Trade struct {
	Token     string
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
}

// Report summarizes one rebalance round.
type Report struct {
	// Target is the index of the asset everything was sold into
	Target int
	// TargetToken is the target asset's token identifier
	TargetToken string
	// Trades is the number of swaps executed
	Trades int
	// Executed details each swap, in basket order
	Executed []Trade
	// Skipped is the number of assets passed over this round
	Skipped int
	// Gain is the realized normalized gain
	Gain *uint256.Int
	// Distributed reports whether the gain cleared the dust threshold and
	// went through the distribution waterfall
	Distributed bool
}

// NewEngine wires an engine from its collaborators.
func NewEngine(d Deps) (*Engine, error) {
	if d.Basket == nil || d.Planner == nil || d.Selector == nil {
		return nil, fmt.Errorf("basket, planner and selector are required")
	}
	if d.Tokens == nil || d.Router == nil {
		return nil, fmt.Errorf("token and router clients are required")
	}
	if d.Params == nil {
		return nil, fmt.Errorf("params are required")
	}
	if d.Account == "" {
		return nil, fmt.Errorf("engine account is required")
	}
	if d.RouterAddress == "" {
		return nil, fmt.Errorf("router address is required")
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		basket:         d.Basket,
		planner:        d.Planner,
		selector:       d.Selector,
		tokens:         d.Tokens,
		router:         d.Router,
		routerAddr:     d.RouterAddress,
		staking:        d.Staking,
		params:         d.Params,
		owner:          d.Owner,
		account:        d.Account,
		probeExpansion: d.ProbeExpansion,
		clock:          clock,
		metrics:        d.Metrics,
	}, nil
}

// Account returns the engine's holding account.
func (e *Engine) Account() string {
	return e.account
}

// Settlement returns the basket's settlement token identifier.
func (e *Engine) Settlement() string {
	return e.basket.Settlement()
}

// LastTradeAt returns the timestamp recorded at the start of the most recent
// rebalance round.
func (e *Engine) LastTradeAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTrade
}

// CooldownRemaining returns how long until the open rebalance trigger is
// accepted again; zero when it already is.
func (e *Engine) CooldownRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.params.Cooldown() - e.clock().Sub(e.lastTrade)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BasketValue returns the basket's total normalized value.
func (e *Engine) BasketValue(ctx context.Context) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalNormalizedLocked(ctx)
}

// Holding is one asset's live position.
type Holding struct {
	Asset      basket.Asset
	Balance    *uint256.Int
	Normalized *uint256.Int
}

// Snapshot reports every asset's balance plus the basket's total normalized
// value.
func (e *Engine) Snapshot(ctx context.Context) ([]Holding, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	holdings := make([]Holding, 0, e.basket.Len())
	total := uint256.NewInt(0)
	for _, asset := range e.basket.Assets() {
		balance, err := e.tokens.BalanceOf(ctx, asset.Token, e.account)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: balance of %s: %w", amm.ErrExternalCall, asset.Token, err)
		}
		normalized, err := basket.Normalize(balance, asset.Decimals)
		if err != nil {
			return nil, nil, err
		}
		total, err = basket.CheckedAdd(total, normalized)
		if err != nil {
			return nil, nil, err
		}
		holdings = append(holdings, Holding{Asset: asset, Balance: balance, Normalized: normalized})
	}
	return holdings, total, nil
}

// Rebalance runs one rebalance round, honoring the open-trigger cooldown.
// The incentive recipient, when non-empty, receives the executor fraction of
// any distributed profit.
func (e *Engine) Rebalance(ctx context.Context, incentiveRecipient string) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if elapsed := e.clock().Sub(e.lastTrade); elapsed < e.params.Cooldown() {
		return nil, fmt.Errorf("%w: %s remaining", ErrCooldown, e.params.Cooldown()-elapsed)
	}
	return e.rebalanceLocked(ctx, incentiveRecipient)
}

// ForceRebalance runs a rebalance round regardless of cooldown. Owner only.
func (e *Engine) ForceRebalance(ctx context.Context, caller string) (*Report, error) {
	if caller != e.owner {
		return nil, fmt.Errorf("%w: %s may not force a rebalance", governance.ErrAccess, caller)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebalanceLocked(ctx, "")
}

// rebalanceLocked is the core round. Callers hold e.mu.
func (e *Engine) rebalanceLocked(ctx context.Context, incentiveRecipient string) (*Report, error) {
	e.lastTrade = e.clock()
	if e.metrics != nil {
		e.metrics.Rounds.Inc()
	}

	targetID, err := e.selector.SelectCheapest(ctx, e.router)
	if err != nil {
		return nil, fmt.Errorf("selecting cheapest asset: %w", err)
	}
	target := e.basket.Asset(targetID)

	totalBefore, err := e.totalNormalizedLocked(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Target: targetID, TargetToken: target.Token, Gain: uint256.NewInt(0)}

	for i := 0; i < e.basket.Len(); i++ {
		if i == targetID {
			continue
		}
		trade, err := e.tradeAsset(ctx, e.basket.Asset(i), target)
		if err != nil {
			return nil, err
		}
		if trade != nil {
			report.Trades++
			report.Executed = append(report.Executed, *trade)
		} else {
			report.Skipped++
			if e.metrics != nil {
				e.metrics.Skips.Inc()
			}
		}
	}

	totalAfter, err := e.totalNormalizedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if report.Trades > 0 && !totalAfter.Gt(totalBefore) {
		return nil, fmt.Errorf("%w: %s before, %s after over %d trades",
			ErrProfitability, totalBefore.Dec(), totalAfter.Dec(), report.Trades)
	}

	gain, err := basket.CheckedSub(totalAfter, totalBefore)
	if err != nil {
		return nil, fmt.Errorf("computing gain: %w", err)
	}
	report.Gain = gain
	if e.metrics != nil {
		e.metrics.ObserveRound(gain, totalAfter)
	}

	if gain.Lt(e.params.MinGain()) {
		log.Info().
			Str("gain", gain.Dec()).
			Int("trades", report.Trades).
			Msg("Gain below dust threshold, no distribution")
		return report, nil
	}

	if err := e.distributeLocked(ctx, gain, target, incentiveRecipient); err != nil {
		return nil, err
	}
	report.Distributed = true

	log.Info().
		Int("target", targetID).
		Str("token", target.Token).
		Int("trades", report.Trades).
		Int("skipped", report.Skipped).
		Str("gain", gain.Dec()).
		Msg("Rebalance round complete")
	return report, nil
}

// tradeAsset sells a bounded slice of one asset into the target. It returns
// nil without error when the asset is skipped this round: the quote not
// clearing the parity floor is the normal profitability gate, not a failure.
func (e *Engine) tradeAsset(ctx context.Context, asset, target basket.Asset) (*Trade, error) {
	balance, err := e.tokens.BalanceOf(ctx, asset.Token, e.account)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, asset.Token, err)
	}
	if balance.IsZero() {
		return nil, nil
	}

	if e.probeExpansion {
		expanding, err := e.selector.InExpansion(ctx, e.router, asset)
		if err != nil {
			log.Warn().Err(err).Str("token", asset.Token).Msg("Expansion probe failed, skipping asset")
			return nil, nil
		}
		if !expanding {
			log.Debug().Str("token", asset.Token).Msg("Asset below parity, skipping")
			return nil, nil
		}
	}

	sell, err := e.sellSize(balance, asset)
	if err != nil {
		return nil, err
	}
	if sell.IsZero() {
		return nil, nil
	}

	// 1:1 value-parity floor: these are meant to be equivalent-value tokens.
	minReceive, err := basket.Rescale(sell, asset.Decimals, target.Decimals)
	if err != nil {
		return nil, err
	}

	route, quoted, err := e.planner.BestRoute(ctx, e.router, sell, asset, target)
	if err != nil {
		return nil, err
	}
	if !quoted.Gt(minReceive) {
		log.Info().
			Str("token", asset.Token).
			Str("quoted", quoted.Dec()).
			Str("floor", minReceive.Dec()).
			Msg("No trade this round for asset")
		return nil, nil
	}

	if err := amm.SafeApprove(ctx, e.tokens, asset.Token, e.routerAddr, sell); err != nil {
		return nil, err
	}
	deadline := e.clock().Add(SwapDeadline)
	amounts, err := e.router.SwapExactTokensForTokens(ctx, sell, minReceive, route, e.account, deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: swap %s -> %s: %v", amm.ErrExternalCall, asset.Token, target.Token, err)
	}
	if len(amounts) != len(route) {
		return nil, fmt.Errorf("%w: swap returned %d amounts for %d hops", amm.ErrExternalCall, len(amounts), len(route))
	}
	received := amounts[len(amounts)-1]
	if e.metrics != nil {
		e.metrics.Trades.Inc()
	}

	log.Debug().
		Str("token", asset.Token).
		Str("sold", sell.Dec()).
		Str("received", received.Dec()).
		Int("hops", len(route)-1).
		Msg("Swap executed")
	return &Trade{Token: asset.Token, AmountIn: sell, AmountOut: received}, nil
}

// sellSize computes the bounded sell amount for an asset: the whole balance
// at or below the minimum-split threshold, otherwise the configured
// percentage capped at the absolute maximum.
func (e *Engine) sellSize(balance *uint256.Int, asset basket.Asset) (*uint256.Int, error) {
	minSplit, err := basket.Denormalize(e.params.MinSplit(), asset.Decimals)
	if err != nil {
		return nil, err
	}
	if !balance.Gt(minSplit) {
		return balance.Clone(), nil
	}

	percent, capNormalized := e.params.SellPolicy()
	sell, err := basket.MulDiv(balance, uint256.NewInt(percent), uint256.NewInt(governance.DivisionFactor))
	if err != nil {
		return nil, err
	}
	maxSell, err := basket.Denormalize(capNormalized, asset.Decimals)
	if err != nil {
		return nil, err
	}
	if sell.Gt(maxSell) {
		sell = maxSell
	}
	return sell, nil
}

// totalNormalizedLocked sums every asset balance in the common fixed-point
// unit. Balances are read fresh, never cached across external calls.
func (e *Engine) totalNormalizedLocked(ctx context.Context) (*uint256.Int, error) {
	total := uint256.NewInt(0)
	for i := 0; i < e.basket.Len(); i++ {
		asset := e.basket.Asset(i)
		balance, err := e.tokens.BalanceOf(ctx, asset.Token, e.account)
		if err != nil {
			return nil, fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, asset.Token, err)
		}
		normalized, err := basket.Normalize(balance, asset.Decimals)
		if err != nil {
			return nil, err
		}
		total, err = basket.CheckedAdd(total, normalized)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}
