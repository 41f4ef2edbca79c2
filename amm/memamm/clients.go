package memamm

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/parallaxfi/basket-engine/amm"
)

// TokensFor returns a TokenClient whose calls are made as the given account.
func (e *Exchange) TokensFor(account string) amm.TokenClient {
	return &tokenClient{ex: e, account: account}
}

// RouterFor returns a Router whose swaps spend the given account's allowance
// granted to RouterAddress.
func (e *Exchange) RouterFor(account string) amm.Router {
	return &routerClient{ex: e, account: account}
}

type tokenClient struct {
	ex      *Exchange
	account string
}

func (t *tokenClient) BalanceOf(_ context.Context, token, holder string) (*uint256.Int, error) {
	t.ex.mu.Lock()
	defer t.ex.mu.Unlock()
	if _, ok := t.ex.decimals[token]; !ok {
		return nil, fmt.Errorf("unknown token %s", token)
	}
	return t.ex.balanceOf(token, holder), nil
}

func (t *tokenClient) Decimals(_ context.Context, token string) (uint8, error) {
	t.ex.mu.Lock()
	defer t.ex.mu.Unlock()
	d, ok := t.ex.decimals[token]
	if !ok {
		return 0, fmt.Errorf("unknown token %s", token)
	}
	return d, nil
}

func (t *tokenClient) Transfer(_ context.Context, token, to string, amount *uint256.Int) (amm.Receipt, error) {
	t.ex.mu.Lock()
	defer t.ex.mu.Unlock()
	receipt, proceed, err := t.ex.receiptFor(token, "transfer")
	if err != nil || !proceed {
		return receipt, err
	}
	if err := t.ex.debit(token, t.account, amount); err != nil {
		return amm.Receipt{}, err
	}
	t.ex.credit(token, to, amount)
	return receipt, nil
}

func (t *tokenClient) TransferFrom(_ context.Context, token, from, to string, amount *uint256.Int) (amm.Receipt, error) {
	t.ex.mu.Lock()
	defer t.ex.mu.Unlock()
	receipt, proceed, err := t.ex.receiptFor(token, "transferFrom")
	if err != nil || !proceed {
		return receipt, err
	}
	if err := t.ex.spendAllowance(token, from, t.account, amount); err != nil {
		return amm.Receipt{}, err
	}
	if err := t.ex.debit(token, from, amount); err != nil {
		return amm.Receipt{}, err
	}
	t.ex.credit(token, to, amount)
	return receipt, nil
}

func (t *tokenClient) Approve(_ context.Context, token, spender string, amount *uint256.Int) (amm.Receipt, error) {
	t.ex.mu.Lock()
	defer t.ex.mu.Unlock()
	receipt, proceed, err := t.ex.receiptFor(token, "approve")
	if err != nil || !proceed {
		return receipt, err
	}
	key := allowanceKey(token, t.account)
	spenders, ok := t.ex.allowances[key]
	if !ok {
		spenders = make(map[string]*uint256.Int)
		t.ex.allowances[key] = spenders
	}
	spenders[spender] = amount.Clone()
	t.ex.approvals = append(t.ex.approvals, ApprovalRecord{
		Token:   token,
		Owner:   t.account,
		Spender: spender,
		Amount:  amount.Clone(),
	})
	return receipt, nil
}

// receiptFor maps the token's configured behavior onto a call result. The
// second return reports whether the call should actually apply.
func (e *Exchange) receiptFor(token, op string) (amm.Receipt, bool, error) {
	b, ok := e.behavior[token]
	if !ok {
		return amm.Receipt{}, false, fmt.Errorf("unknown token %s", token)
	}
	switch b {
	case BehaviorReturnsNothing:
		return amm.Receipt{}, true, nil
	case BehaviorReturnsFalse:
		return amm.Receipt{Returned: true, Ok: false}, false, nil
	case BehaviorReverts:
		return amm.Receipt{}, false, fmt.Errorf("token %s %s reverted", token, op)
	default:
		return amm.Receipt{Returned: true, Ok: true}, true, nil
	}
}

type routerClient struct {
	ex      *Exchange
	account string
}

func (r *routerClient) GetAmountsOut(_ context.Context, amountIn *uint256.Int, route []string) ([]*uint256.Int, error) {
	r.ex.mu.Lock()
	defer r.ex.mu.Unlock()
	if r.ex.quoteOverride != nil {
		return r.ex.quoteOverride(amountIn, route)
	}
	return r.ex.getAmountsOutLocked(amountIn, route)
}

func (r *routerClient) SwapExactTokensForTokens(_ context.Context, amountIn, minAmountOut *uint256.Int, route []string, recipient string, deadline time.Time) ([]*uint256.Int, error) {
	r.ex.mu.Lock()
	defer r.ex.mu.Unlock()
	if len(route) < 2 {
		return nil, fmt.Errorf("route must have at least two tokens")
	}
	if r.ex.clock().After(deadline) {
		return nil, fmt.Errorf("swap deadline expired")
	}
	if err := r.ex.spendAllowance(route[0], r.account, RouterAddress, amountIn); err != nil {
		return nil, err
	}
	if err := r.ex.debit(route[0], r.account, amountIn); err != nil {
		return nil, err
	}

	amounts := make([]*uint256.Int, len(route))
	amounts[0] = amountIn.Clone()
	current := amountIn.Clone()
	for i := 0; i < len(route)-1; i++ {
		out, err := r.ex.applyHop(current, route[i], route[i+1])
		if err != nil {
			return nil, err
		}
		current = out
		amounts[i+1] = out.Clone()
	}
	if current.Lt(minAmountOut) {
		return nil, fmt.Errorf("insufficient output: %s < %s", current.Dec(), minAmountOut.Dec())
	}
	r.ex.credit(route[len(route)-1], recipient, current)
	return amounts, nil
}

// RewardSink is a staking pool that records every reward notification.
type RewardSink struct {
	ex       *Exchange
	notified []*uint256.Int
}

// NewRewardSink creates a pool recorder attached to the exchange.
func NewRewardSink(ex *Exchange) *RewardSink {
	return &RewardSink{ex: ex}
}

func (s *RewardSink) NotifyRewardAmount(_ context.Context, amount *uint256.Int) error {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	s.notified = append(s.notified, amount.Clone())
	return nil
}

// Notified returns the recorded reward notifications in order.
func (s *RewardSink) Notified() []*uint256.Int {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	return append([]*uint256.Int(nil), s.notified...)
}
