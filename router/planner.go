// Package router derives AMM hop sequences between basket assets and probes
// the market to find the asset currently trading cheapest.
package router

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/basket"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "router").Logger()
}

// Planner constructs trade routes over the basket. Routes are derived fresh
// per call from each asset's paired-token capability, never from hard-coded
// token comparisons.
type Planner struct {
	basket *basket.Basket
}

// NewPlanner creates a planner over the given basket.
func NewPlanner(b *basket.Basket) *Planner {
	return &Planner{basket: b}
}

// SettlementRoute returns the route from an asset to the base settlement
// asset: via the asset's paired token, or directly when the paired token is
// the settlement asset itself.
func (p *Planner) SettlementRoute(from basket.Asset) []string {
	settlement := p.basket.Settlement()
	if from.Paired == settlement {
		return []string{from.Token, settlement}
	}
	return []string{from.Token, from.Paired, settlement}
}

// Route returns the hop sequence from one basket asset to another.
//
// When both assets share a paired token the route crosses that single
// intermediate. Otherwise the route crosses both paired tokens, and
// preferSettlementHop additionally threads the base settlement asset between
// them for pairs whose direct cross-pair liquidity is presumed thin.
func (p *Planner) Route(from, to basket.Asset, preferSettlementHop bool) []string {
	if from.Paired == to.Paired {
		return []string{from.Token, from.Paired, to.Token}
	}
	if !preferSettlementHop {
		return []string{from.Token, from.Paired, to.Paired, to.Token}
	}
	return []string{from.Token, from.Paired, p.basket.Settlement(), to.Paired, to.Token}
}

// BestRoute quotes the candidate routes between two assets and returns the
// one the AMM pays more for, with its quoted final output. When the assets
// share a paired token there is a single candidate; otherwise both the
// cross-pair and the settlement-hop routes are quoted. Liquidity
// fragmentation means the shortest path is not always best, so both
// candidates are always evaluated.
func (p *Planner) BestRoute(ctx context.Context, q amm.Quoter, amountIn *uint256.Int, from, to basket.Asset) ([]string, *uint256.Int, error) {
	if from.Paired == to.Paired {
		route := p.Route(from, to, false)
		out, err := quoteFinal(ctx, q, amountIn, route)
		if err != nil {
			return nil, nil, err
		}
		return route, out, nil
	}

	crossRoute := p.Route(from, to, false)
	settlementRoute := p.Route(from, to, true)

	crossOut, crossErr := quoteFinal(ctx, q, amountIn, crossRoute)
	settlementOut, settlementErr := quoteFinal(ctx, q, amountIn, settlementRoute)

	switch {
	case crossErr != nil && settlementErr != nil:
		return nil, nil, fmt.Errorf("quoting %s -> %s: %w", from.Token, to.Token, crossErr)
	case crossErr != nil:
		return settlementRoute, settlementOut, nil
	case settlementErr != nil:
		return crossRoute, crossOut, nil
	}

	if settlementOut.Gt(crossOut) {
		log.Debug().
			Str("from", from.Token).
			Str("to", to.Token).
			Str("crossOut", crossOut.Dec()).
			Str("settlementOut", settlementOut.Dec()).
			Msg("Settlement-hop route beats cross-pair route")
		return settlementRoute, settlementOut, nil
	}
	return crossRoute, crossOut, nil
}

// quoteFinal quotes the route and returns the final output amount.
func quoteFinal(ctx context.Context, q amm.Quoter, amountIn *uint256.Int, route []string) (*uint256.Int, error) {
	amounts, err := q.GetAmountsOut(ctx, amountIn, route)
	if err != nil {
		return nil, fmt.Errorf("%w: getAmountsOut: %v", amm.ErrExternalCall, err)
	}
	if len(amounts) != len(route) {
		return nil, fmt.Errorf("%w: getAmountsOut returned %d amounts for %d hops", amm.ErrExternalCall, len(amounts), len(route))
	}
	return amounts[len(amounts)-1], nil
}
