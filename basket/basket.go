package basket

import (
	"fmt"
)

// Asset is one accepted token in the basket together with its designated
// high-liquidity paired settlement token. Assets are immutable once the
// basket is built; every other component holds references into the basket
// rather than copies of its own.
type Asset struct {
	// Token is the identifier (contract address) of the basket token
	Token string
	// Decimals is the token's native decimal precision
	Decimals uint8
	// Paired is the identifier of the asset's paired settlement token
	Paired string
	// PairedDecimals is the paired token's native decimal precision
	PairedDecimals uint8
}

// Basket is the ordered, fixed set of value-equivalent assets the engine
// manages. Order is significant for deterministic iteration and for
// tie-breaking in cheapest-asset selection and withdrawal ordering.
type Basket struct {
	assets             []Asset
	byToken            map[string]int
	settlement         string
	settlementDecimals uint8
}

// New builds a basket from an ordered asset list and the network's base
// settlement asset (e.g. wrapped native currency).
func New(settlement string, settlementDecimals uint8, assets []Asset) (*Basket, error) {
	if settlement == "" {
		return nil, fmt.Errorf("settlement token is required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("basket requires at least one asset")
	}

	byToken := make(map[string]int, len(assets))
	for i, a := range assets {
		if a.Token == "" {
			return nil, fmt.Errorf("asset %d: token is required", i)
		}
		if a.Paired == "" {
			return nil, fmt.Errorf("asset %d (%s): paired token is required", i, a.Token)
		}
		if a.Token == a.Paired {
			return nil, fmt.Errorf("asset %d (%s): token cannot be its own paired token", i, a.Token)
		}
		if a.Decimals > MaxDecimals || a.PairedDecimals > MaxDecimals {
			return nil, fmt.Errorf("asset %d (%s): decimals exceed %d", i, a.Token, MaxDecimals)
		}
		if _, dup := byToken[a.Token]; dup {
			return nil, fmt.Errorf("asset %d (%s): duplicate token", i, a.Token)
		}
		byToken[a.Token] = i
	}

	return &Basket{
		assets:             append([]Asset(nil), assets...),
		byToken:            byToken,
		settlement:         settlement,
		settlementDecimals: settlementDecimals,
	}, nil
}

// Len returns the number of assets in the basket.
func (b *Basket) Len() int {
	return len(b.assets)
}

// Asset returns the asset at the given index. The index must be valid;
// callers iterate with Len.
func (b *Basket) Asset(i int) Asset {
	return b.assets[i]
}

// Assets returns a copy of the ordered asset list.
func (b *Basket) Assets() []Asset {
	return append([]Asset(nil), b.assets...)
}

// IndexOf returns the index of the asset with the given token identifier.
func (b *Basket) IndexOf(token string) (int, bool) {
	i, ok := b.byToken[token]
	return i, ok
}

// Settlement returns the identifier of the base settlement asset.
func (b *Basket) Settlement() string {
	return b.settlement
}

// SettlementDecimals returns the settlement asset's decimal precision.
func (b *Basket) SettlementDecimals() uint8 {
	return b.settlementDecimals
}
