package router

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/basket"
)

// Selector determines which basket asset is currently undervalued on the
// AMM, using asset 0 as the pivot and a fixed normalized reference trade
// size to probe each market.
type Selector struct {
	basket    *basket.Basket
	planner   *Planner
	reference *uint256.Int // normalized probe size
}

// NewSelector creates a selector with the given normalized reference probe
// amount.
func NewSelector(b *basket.Basket, p *Planner, referenceNormalized *uint256.Int) *Selector {
	return &Selector{basket: b, planner: p, reference: referenceNormalized.Clone()}
}

// SelectCheapest returns the index of the asset currently cheapest on the
// AMM. A fixed reference amount of asset 0 is quoted into every other asset
// and the quote is rescaled into asset-0 decimals; the asset yielding the
// highest return for the same input is the cheapest, since receiving more
// units means each unit is worth less. The pivot itself is the baseline
// candidate (amount in equals amount out).
//
// The comparison is >= on purpose: the last scanned asset wins ties. This
// matches the long-standing production behavior and downstream accounting
// expects it; do not "fix" it to first-wins.
func (s *Selector) SelectCheapest(ctx context.Context, q amm.Quoter) (int, error) {
	pivot := s.basket.Asset(0)
	amountIn, err := basket.Denormalize(s.reference, pivot.Decimals)
	if err != nil {
		return 0, fmt.Errorf("scaling reference amount: %w", err)
	}
	if amountIn.IsZero() {
		return 0, fmt.Errorf("reference amount rounds to zero at %d decimals", pivot.Decimals)
	}

	best := amountIn.Clone()
	bestIdx := 0

	for i := 1; i < s.basket.Len(); i++ {
		target := s.basket.Asset(i)
		_, quoted, err := s.planner.BestRoute(ctx, q, amountIn, pivot, target)
		if err != nil {
			// A market we cannot quote cannot be selected this round.
			log.Warn().Err(err).Str("token", target.Token).Msg("No quote for candidate, skipping")
			continue
		}
		rescaled, err := basket.Rescale(quoted, target.Decimals, pivot.Decimals)
		if err != nil {
			return 0, fmt.Errorf("rescaling quote for %s: %w", target.Token, err)
		}
		if !rescaled.Lt(best) {
			best = rescaled
			bestIdx = i
		}
	}

	log.Debug().
		Int("target", bestIdx).
		Str("token", s.basket.Asset(bestIdx).Token).
		Str("bestReturn", best.Dec()).
		Msg("Selected cheapest asset")
	return bestIdx, nil
}

// InExpansion probes whether the asset's spot price against its paired token
// is at or above parity: a small reference amount of the asset is quoted for
// its paired token and expansion holds iff the output covers the
// decimals-adjusted input.
func (s *Selector) InExpansion(ctx context.Context, q amm.Quoter, a basket.Asset) (bool, error) {
	amountIn, err := basket.Denormalize(s.reference, a.Decimals)
	if err != nil {
		return false, fmt.Errorf("scaling probe amount: %w", err)
	}
	if amountIn.IsZero() {
		return false, fmt.Errorf("probe amount rounds to zero at %d decimals", a.Decimals)
	}
	out, err := quoteFinal(ctx, q, amountIn, []string{a.Token, a.Paired})
	if err != nil {
		return false, err
	}
	parity, err := basket.Rescale(amountIn, a.Decimals, a.PairedDecimals)
	if err != nil {
		return false, err
	}
	return !out.Lt(parity), nil
}
