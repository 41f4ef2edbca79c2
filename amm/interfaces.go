// Package amm defines the engine's view of its external collaborators: the
// fungible token ledger, the AMM router it quotes and swaps through, and the
// staking pool it notifies of rewards. Each collaborator is an interface so
// the engine can run against a live backend, the in-memory exchange in
// memamm, or the remote quote client in router_query.
package amm

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// Receipt reports how a token call returned. Some token implementations
// return a boolean, some return nothing at all; the safe wrappers in this
// package tolerate both.
type Receipt struct {
	// Returned is true when the token returned a boolean
	Returned bool
	// Ok is the returned boolean, meaningful only when Returned is set
	Ok bool
}

// TokenClient is the fungible-token interface consumed by the engine. All
// calls are bound to a single caller account chosen when the client is
// constructed.
type TokenClient interface {
	// BalanceOf returns the holder's balance of the given token
	BalanceOf(ctx context.Context, token, holder string) (*uint256.Int, error)

	// Decimals returns the token's native decimal precision
	Decimals(ctx context.Context, token string) (uint8, error)

	// Transfer moves amount of token from the caller to the recipient
	Transfer(ctx context.Context, token, to string, amount *uint256.Int) (Receipt, error)

	// TransferFrom moves amount of token from one account to another using
	// the caller's allowance
	TransferFrom(ctx context.Context, token, from, to string, amount *uint256.Int) (Receipt, error)

	// Approve grants the spender an allowance of exactly amount
	Approve(ctx context.Context, token, spender string, amount *uint256.Int) (Receipt, error)
}

// Quoter is the read-only half of the AMM router: a pure quote with no state
// change.
type Quoter interface {
	// GetAmountsOut returns the expected output amount at every hop of the
	// route for the given input. The returned slice has one entry per route
	// element; the last entry is the final output.
	GetAmountsOut(ctx context.Context, amountIn *uint256.Int, route []string) ([]*uint256.Int, error)
}

// Router is the full AMM router interface: quoting plus swap execution.
type Router interface {
	Quoter

	// SwapExactTokensForTokens executes a swap along the route, failing if it
	// cannot deliver at least minAmountOut to the recipient before the
	// deadline.
	SwapExactTokensForTokens(ctx context.Context, amountIn, minAmountOut *uint256.Int, route []string, recipient string, deadline time.Time) ([]*uint256.Int, error)
}

// StakingPool receives reward notifications after the profit distributor has
// transferred the staker share to it.
type StakingPool interface {
	// NotifyRewardAmount informs the pool that amount of reward token has
	// just been transferred to it so it can begin a new accrual epoch.
	NotifyRewardAmount(ctx context.Context, amount *uint256.Int) error
}
