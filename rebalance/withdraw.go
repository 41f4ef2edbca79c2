package rebalance

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/governance"
)

// Deposit acknowledges a vault deposit and returns the basket's total
// normalized value for share pricing. Vault only.
func (e *Engine) Deposit(ctx context.Context, caller string) (*uint256.Int, error) {
	if caller != e.params.Vault() {
		return nil, fmt.Errorf("%w: %s is not the vault", governance.ErrAccess, caller)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	total, err := e.totalNormalizedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SetBasketValue(total)
	}
	return total, nil
}

// Withdraw pays out the receiver's share of the basket. The requested
// normalized amount is total * share / totalShares; share == totalShares is
// a full exit and drains every asset. A request large relative to the basket
// first forces a rebalance pass so the exiting party does not lock in a
// stale price skew. Vault only.
func (e *Engine) Withdraw(ctx context.Context, caller, receiver string, share, totalShares *uint256.Int) error {
	if caller != e.params.Vault() {
		return fmt.Errorf("%w: %s is not the vault", governance.ErrAccess, caller)
	}
	if totalShares.IsZero() || share.Gt(totalShares) {
		return fmt.Errorf("%w: share %s of %s", basket.ErrArithmetic, share.Dec(), totalShares.Dec())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if share.Eq(totalShares) {
		return e.drainAllLocked(ctx, receiver)
	}

	trigger := e.params.RebalanceTrigger()
	shareFraction, err := basket.MulDiv(share, uint256.NewInt(governance.DivisionFactor), totalShares)
	if err != nil {
		return err
	}
	if trigger > 0 && !shareFraction.LtUint64(trigger) {
		log.Info().
			Str("shareFraction", shareFraction.Dec()).
			Uint64("trigger", trigger).
			Msg("Large exit, forcing rebalance pass first")
		if _, err := e.rebalanceLocked(ctx, ""); err != nil {
			return fmt.Errorf("pre-withdrawal rebalance: %w", err)
		}
	}

	total, err := e.totalNormalizedLocked(ctx)
	if err != nil {
		return err
	}
	requested, err := basket.MulDiv(total, share, totalShares)
	if err != nil {
		return err
	}
	return e.allocateLocked(ctx, receiver, requested)
}

// drainAllLocked transfers every asset's entire balance to the receiver.
func (e *Engine) drainAllLocked(ctx context.Context, receiver string) error {
	for i := 0; i < e.basket.Len(); i++ {
		asset := e.basket.Asset(i)
		balance, err := e.tokens.BalanceOf(ctx, asset.Token, e.account)
		if err != nil {
			return fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, asset.Token, err)
		}
		if balance.IsZero() {
			continue
		}
		if err := amm.SafeTransfer(ctx, e.tokens, asset.Token, receiver, balance); err != nil {
			return err
		}
	}
	log.Info().Str("receiver", receiver).Msg("Full exit, basket drained")
	return nil
}

// allocateLocked satisfies a normalized withdrawal request greedily from the
// largest holdings down. Draining the biggest balance first touches the
// fewest assets and avoids leaving dust in the largest holding.
func (e *Engine) allocateLocked(ctx context.Context, receiver string, requested *uint256.Int) error {
	remaining := requested.Clone()
	drained := make(map[int]bool, e.basket.Len())

	for !remaining.IsZero() {
		bestIdx := -1
		var bestNormalized *uint256.Int
		for i := 0; i < e.basket.Len(); i++ {
			if drained[i] {
				continue
			}
			asset := e.basket.Asset(i)
			balance, err := e.tokens.BalanceOf(ctx, asset.Token, e.account)
			if err != nil {
				return fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, asset.Token, err)
			}
			normalized, err := basket.Normalize(balance, asset.Decimals)
			if err != nil {
				return err
			}
			if normalized.IsZero() {
				drained[i] = true
				continue
			}
			if bestIdx == -1 || normalized.Gt(bestNormalized) {
				bestIdx = i
				bestNormalized = normalized
			}
		}
		if bestIdx == -1 {
			return fmt.Errorf("%w: %s normalized still owed", ErrInsufficientBalance, remaining.Dec())
		}

		asset := e.basket.Asset(bestIdx)
		if !bestNormalized.Gt(remaining) {
			// Whole holding fits inside the request: drain it and keep going.
			balance, err := basket.Denormalize(bestNormalized, asset.Decimals)
			if err != nil {
				return err
			}
			if err := amm.SafeTransfer(ctx, e.tokens, asset.Token, receiver, balance); err != nil {
				return err
			}
			remaining, err = basket.CheckedSub(remaining, bestNormalized)
			if err != nil {
				return err
			}
			drained[bestIdx] = true
			continue
		}

		// The holding covers the rest of the request.
		native, err := basket.Denormalize(remaining, asset.Decimals)
		if err != nil {
			return err
		}
		if !native.IsZero() {
			if err := amm.SafeTransfer(ctx, e.tokens, asset.Token, receiver, native); err != nil {
				return err
			}
		}
		remaining.Clear()
	}

	log.Info().
		Str("receiver", receiver).
		Str("requested", requested.Dec()).
		Msg("Withdrawal allocated")
	return nil
}
