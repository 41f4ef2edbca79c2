package amm

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrExternalCall is returned when a token transfer or AMM call reverted or
// reported failure. The underlying reason is carried in the error message.
var ErrExternalCall = errors.New("external call failed")

// checkReceipt applies the "best-effort success" contract: a call that
// returns no value is treated as successful, one that returns a boolean must
// return true.
func checkReceipt(r Receipt, op, token string) error {
	if r.Returned && !r.Ok {
		return fmt.Errorf("%w: token %s %s returned false", ErrExternalCall, token, op)
	}
	return nil
}

// SafeTransfer transfers amount of token to the recipient, tolerating both
// boolean-returning and void-returning token implementations.
func SafeTransfer(ctx context.Context, tc TokenClient, token, to string, amount *uint256.Int) error {
	r, err := tc.Transfer(ctx, token, to, amount)
	if err != nil {
		return fmt.Errorf("%w: transfer of %s: %v", ErrExternalCall, token, err)
	}
	return checkReceipt(r, "transfer", token)
}

// SafeTransferFrom moves amount of token between accounts using the caller's
// allowance, with the same return-value tolerance as SafeTransfer.
func SafeTransferFrom(ctx context.Context, tc TokenClient, token, from, to string, amount *uint256.Int) error {
	r, err := tc.TransferFrom(ctx, token, from, to, amount)
	if err != nil {
		return fmt.Errorf("%w: transferFrom of %s: %v", ErrExternalCall, token, err)
	}
	return checkReceipt(r, "transferFrom", token)
}

// SafeApprove grants the spender an allowance of exactly amount, resetting
// any prior allowance to zero first to avoid the classic allowance race.
func SafeApprove(ctx context.Context, tc TokenClient, token, spender string, amount *uint256.Int) error {
	r, err := tc.Approve(ctx, token, spender, uint256.NewInt(0))
	if err != nil {
		return fmt.Errorf("%w: approve reset of %s: %v", ErrExternalCall, token, err)
	}
	if err := checkReceipt(r, "approve", token); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	r, err = tc.Approve(ctx, token, spender, amount)
	if err != nil {
		return fmt.Errorf("%w: approve of %s: %v", ErrExternalCall, token, err)
	}
	return checkReceipt(r, "approve", token)
}
