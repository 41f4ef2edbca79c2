package rebalance

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/governance"
)

// distributeLocked runs the profit-distribution waterfall for a realized
// normalized gain. The depositor retention is carved out of the gain first
// and simply stays in the basket as the target asset; the remainder is
// swapped into the settlement asset and split between the incentive caller,
// the staking pool and the treasury. Callers hold e.mu.
func (e *Engine) distributeLocked(ctx context.Context, gain *uint256.Int, target basket.Asset, incentiveRecipient string) error {
	sellAmount, err := basket.Denormalize(gain, target.Decimals)
	if err != nil {
		return err
	}

	depositorFraction, executorFraction, stakerFraction := e.params.Fractions()
	divisor := uint256.NewInt(governance.DivisionFactor)

	holdAmount, err := basket.MulDiv(sellAmount, uint256.NewInt(depositorFraction), divisor)
	if err != nil {
		return err
	}
	sellAmount, err = basket.CheckedSub(sellAmount, holdAmount)
	if err != nil {
		return err
	}
	if sellAmount.IsZero() {
		log.Debug().Str("held", holdAmount.Dec()).Msg("Entire gain retained for depositors")
		return nil
	}

	// Sanity bound: never try to sell more target asset than is actually
	// held. When the bound trips the whole distributable amount stays in the
	// basket, same as full retention.
	balance, err := e.tokens.BalanceOf(ctx, target.Token, e.account)
	if err != nil {
		return fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, target.Token, err)
	}
	if sellAmount.Gt(balance) {
		log.Warn().
			Str("sell", sellAmount.Dec()).
			Str("balance", balance.Dec()).
			Msg("Distributable amount exceeds held balance, retaining in basket")
		return nil
	}

	route := e.planner.SettlementRoute(target)
	if err := amm.SafeApprove(ctx, e.tokens, target.Token, e.routerAddr, sellAmount); err != nil {
		return err
	}
	// Best-effort conversion: the route's own slippage is the only floor.
	deadline := e.clock().Add(SwapDeadline)
	if _, err := e.router.SwapExactTokensForTokens(ctx, sellAmount, uint256.NewInt(1), route, e.account, deadline); err != nil {
		return fmt.Errorf("%w: settlement swap of %s: %v", amm.ErrExternalCall, target.Token, err)
	}

	settlement := e.basket.Settlement()
	remaining, err := e.tokens.BalanceOf(ctx, settlement, e.account)
	if err != nil {
		return fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, settlement, err)
	}

	if incentiveRecipient != "" && executorFraction > 0 {
		executorPay, err := basket.MulDiv(remaining, uint256.NewInt(executorFraction), divisor)
		if err != nil {
			return err
		}
		if !executorPay.IsZero() {
			if err := amm.SafeTransfer(ctx, e.tokens, settlement, incentiveRecipient, executorPay); err != nil {
				return err
			}
			log.Info().Str("recipient", incentiveRecipient).Str("amount", executorPay.Dec()).Msg("Executor incentive paid")
		}
		remaining, err = e.tokens.BalanceOf(ctx, settlement, e.account)
		if err != nil {
			return fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, settlement, err)
		}
	}

	stakingAddr := e.params.Staking()
	if e.staking != nil && stakingAddr != "" && stakerFraction > 0 {
		stakerPay, err := basket.MulDiv(remaining, uint256.NewInt(stakerFraction), divisor)
		if err != nil {
			return err
		}
		if !stakerPay.IsZero() {
			if err := amm.SafeTransfer(ctx, e.tokens, settlement, stakingAddr, stakerPay); err != nil {
				return err
			}
			if err := e.staking.NotifyRewardAmount(ctx, stakerPay); err != nil {
				return fmt.Errorf("%w: notifyRewardAmount: %v", amm.ErrExternalCall, err)
			}
			log.Info().Str("amount", stakerPay.Dec()).Msg("Staking reward paid")
		}
		remaining, err = e.tokens.BalanceOf(ctx, settlement, e.account)
		if err != nil {
			return fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, settlement, err)
		}
	}

	if !remaining.IsZero() {
		if err := amm.SafeTransfer(ctx, e.tokens, settlement, e.params.Treasury(), remaining); err != nil {
			return err
		}
		log.Info().Str("amount", remaining.Dec()).Msg("Treasury residual paid")
	}
	return nil
}
