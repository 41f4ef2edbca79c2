package rebalance

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/governance"
)

// ExpectedProfit replays the rebalance profitability calculation against
// live quotes without mutating any state, for off-process profitability
// simulation by would-be executors.
//
// With forExecutor false the result is the projected normalized gain of a
// round run now. With forExecutor true the post-retention remainder is
// additionally quoted through the settlement route and the result is the
// executor's share in settlement-asset native units. Either way a projection
// below the dust threshold reports zero, matching the round that would not
// distribute.
func (e *Engine) ExpectedProfit(ctx context.Context, forExecutor bool) (*uint256.Int, error) {
	targetID, err := e.selector.SelectCheapest(ctx, e.router)
	if err != nil {
		return nil, fmt.Errorf("selecting cheapest asset: %w", err)
	}
	target := e.basket.Asset(targetID)

	gain := uint256.NewInt(0)
	for i := 0; i < e.basket.Len(); i++ {
		if i == targetID {
			continue
		}
		asset := e.basket.Asset(i)

		balance, err := e.tokens.BalanceOf(ctx, asset.Token, e.account)
		if err != nil {
			return nil, fmt.Errorf("%w: balanceOf %s: %v", amm.ErrExternalCall, asset.Token, err)
		}
		if balance.IsZero() {
			continue
		}
		if e.probeExpansion {
			expanding, err := e.selector.InExpansion(ctx, e.router, asset)
			if err != nil || !expanding {
				continue
			}
		}
		sell, err := e.sellSize(balance, asset)
		if err != nil {
			return nil, err
		}
		if sell.IsZero() {
			continue
		}
		minReceive, err := basket.Rescale(sell, asset.Decimals, target.Decimals)
		if err != nil {
			return nil, err
		}
		_, quoted, err := e.planner.BestRoute(ctx, e.router, sell, asset, target)
		if err != nil {
			return nil, err
		}
		if !quoted.Gt(minReceive) {
			continue
		}

		receivedNormalized, err := basket.Normalize(quoted, target.Decimals)
		if err != nil {
			return nil, err
		}
		soldNormalized, err := basket.Normalize(sell, asset.Decimals)
		if err != nil {
			return nil, err
		}
		// Truncation can nip a marginal quote below the sold value.
		delta, err := basket.CheckedSub(receivedNormalized, soldNormalized)
		if err != nil {
			continue
		}
		gain, err = basket.CheckedAdd(gain, delta)
		if err != nil {
			return nil, err
		}
	}

	if gain.Lt(e.params.MinGain()) {
		return uint256.NewInt(0), nil
	}
	if !forExecutor {
		return gain, nil
	}

	depositorFraction, executorFraction, _ := e.params.Fractions()
	divisor := uint256.NewInt(governance.DivisionFactor)

	sellAmount, err := basket.Denormalize(gain, target.Decimals)
	if err != nil {
		return nil, err
	}
	holdAmount, err := basket.MulDiv(sellAmount, uint256.NewInt(depositorFraction), divisor)
	if err != nil {
		return nil, err
	}
	sellAmount, err = basket.CheckedSub(sellAmount, holdAmount)
	if err != nil {
		return nil, err
	}
	if sellAmount.IsZero() || executorFraction == 0 {
		return uint256.NewInt(0), nil
	}

	route := e.planner.SettlementRoute(target)
	amounts, err := e.router.GetAmountsOut(ctx, sellAmount, route)
	if err != nil {
		return nil, fmt.Errorf("%w: settlement quote: %v", amm.ErrExternalCall, err)
	}
	if len(amounts) != len(route) {
		return nil, fmt.Errorf("%w: settlement quote returned %d amounts for %d hops", amm.ErrExternalCall, len(amounts), len(route))
	}
	settlementOut := amounts[len(amounts)-1]
	return basket.MulDiv(settlementOut, uint256.NewInt(executorFraction), divisor)
}
