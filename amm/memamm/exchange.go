// Package memamm is an in-memory token ledger and constant-product AMM
// implementing the amm interfaces. It backs package tests and the engine's
// dry-run mode, where no live chain backend is configured.
package memamm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// RouterAddress is the spender identity the exchange's router uses when
// pulling input tokens from a trader's allowance.
const RouterAddress = "memamm-router"

// TransferBehavior selects how a token's transfer/approve calls report their
// result, so the safe-transfer wrappers can be exercised against every shape
// found in the wild.
type TransferBehavior int

const (
	// BehaviorReturnsTrue models a standard token returning true on success
	BehaviorReturnsTrue TransferBehavior = iota
	// BehaviorReturnsNothing models a token with void-returning calls
	BehaviorReturnsNothing
	// BehaviorReturnsFalse models a token reporting failure via a false return
	BehaviorReturnsFalse
	// BehaviorReverts models a token whose calls revert outright
	BehaviorReverts
)

// QuoteFunc overrides quoting, letting tests diverge quotes from execution.
type QuoteFunc func(amountIn *uint256.Int, route []string) ([]*uint256.Int, error)

// ApprovalRecord is one observed approve call, in order.
type ApprovalRecord struct {
	Token   string
	Owner   string
	Spender string
	Amount  *uint256.Int
}

type pool struct {
	token0   string
	token1   string
	reserve0 *uint256.Int
	reserve1 *uint256.Int
}

// Exchange is the shared ledger and pool state. Token and router clients
// bound to individual accounts are obtained with TokensFor and RouterFor.
type Exchange struct {
	mu            sync.Mutex
	clock         func() time.Time
	feeBps        uint64
	decimals      map[string]uint8
	behavior      map[string]TransferBehavior
	balances      map[string]map[string]*uint256.Int
	allowances    map[string]map[string]*uint256.Int // token|owner -> spender
	pools         map[string]*pool
	quoteOverride QuoteFunc
	approvals     []ApprovalRecord
}

// NewExchange creates an empty exchange with a 30 bps swap fee.
func NewExchange() *Exchange {
	return &Exchange{
		clock:      time.Now,
		feeBps:     30,
		decimals:   make(map[string]uint8),
		behavior:   make(map[string]TransferBehavior),
		balances:   make(map[string]map[string]*uint256.Int),
		allowances: make(map[string]map[string]*uint256.Int),
		pools:      make(map[string]*pool),
	}
}

// SetClock replaces the time source, for deadline tests.
func (e *Exchange) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// SetFeeBps sets the swap fee in basis points.
func (e *Exchange) SetFeeBps(bps uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeBps = bps
}

// SetQuoteOverride makes GetAmountsOut return the override's result instead
// of the pool math. Swap execution is unaffected, which is exactly the
// quote/execution divergence a manipulated quote produces.
func (e *Exchange) SetQuoteOverride(fn QuoteFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quoteOverride = fn
}

// RegisterToken declares a token with its precision and default behavior.
func (e *Exchange) RegisterToken(token string, decimals uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decimals[token] = decimals
	if _, ok := e.behavior[token]; !ok {
		e.behavior[token] = BehaviorReturnsTrue
	}
	if _, ok := e.balances[token]; !ok {
		e.balances[token] = make(map[string]*uint256.Int)
	}
}

// SetTransferBehavior changes how the token's calls report results.
func (e *Exchange) SetTransferBehavior(token string, b TransferBehavior) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.behavior[token] = b
}

// Mint credits a holder's balance out of thin air.
func (e *Exchange) Mint(token, holder string, amount *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credit(token, holder, amount)
}

// AddLiquidity seeds (or tops up) the pool between two tokens.
func (e *Exchange) AddLiquidity(tokenA, tokenB string, reserveA, reserveB *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, flipped := poolKey(tokenA, tokenB)
	p, ok := e.pools[key]
	if !ok {
		t0, t1 := tokenA, tokenB
		r0, r1 := reserveA.Clone(), reserveB.Clone()
		if flipped {
			t0, t1 = tokenB, tokenA
			r0, r1 = reserveB.Clone(), reserveA.Clone()
		}
		e.pools[key] = &pool{token0: t0, token1: t1, reserve0: r0, reserve1: r1}
		return
	}
	if flipped {
		reserveA, reserveB = reserveB, reserveA
	}
	p.reserve0.Add(p.reserve0, reserveA)
	p.reserve1.Add(p.reserve1, reserveB)
}

// Reserves returns the current reserves for the pool between two tokens, in
// the order the tokens were passed.
func (e *Exchange) Reserves(tokenA, tokenB string) (*uint256.Int, *uint256.Int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.lookupPool(tokenA, tokenB)
	if !ok {
		return nil, nil, false
	}
	rA, rB := p.reserve0.Clone(), p.reserve1.Clone()
	if p.token0 != tokenA {
		rA, rB = rB, rA
	}
	return rA, rB, true
}

// Approvals returns the ordered log of approve calls observed so far.
func (e *Exchange) Approvals() []ApprovalRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ApprovalRecord(nil), e.approvals...)
}

func poolKey(a, b string) (string, bool) {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|"), pair[0] != a
}

func (e *Exchange) lookupPool(a, b string) (*pool, bool) {
	key, _ := poolKey(a, b)
	p, ok := e.pools[key]
	return p, ok
}

func (e *Exchange) balanceOf(token, holder string) *uint256.Int {
	holders, ok := e.balances[token]
	if !ok {
		return uint256.NewInt(0)
	}
	bal, ok := holders[holder]
	if !ok {
		return uint256.NewInt(0)
	}
	return bal.Clone()
}

func (e *Exchange) credit(token, holder string, amount *uint256.Int) {
	holders, ok := e.balances[token]
	if !ok {
		holders = make(map[string]*uint256.Int)
		e.balances[token] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = uint256.NewInt(0)
		holders[holder] = bal
	}
	bal.Add(bal, amount)
}

func (e *Exchange) debit(token, holder string, amount *uint256.Int) error {
	holders := e.balances[token]
	bal, ok := holders[holder]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("insufficient balance of %s for %s", token, holder)
	}
	bal.Sub(bal, amount)
	return nil
}

func allowanceKey(token, owner string) string {
	return token + "|" + owner
}

func (e *Exchange) spendAllowance(token, owner, spender string, amount *uint256.Int) error {
	spenders, ok := e.allowances[allowanceKey(token, owner)]
	if !ok {
		return fmt.Errorf("no allowance of %s from %s to %s", token, owner, spender)
	}
	allowed, ok := spenders[spender]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("allowance of %s from %s too low for %s", token, owner, spender)
	}
	allowed.Sub(allowed, amount)
	return nil
}

// getAmountsOutLocked walks the route applying the constant-product formula
// with the configured fee at each hop.
func (e *Exchange) getAmountsOutLocked(amountIn *uint256.Int, route []string) ([]*uint256.Int, error) {
	if len(route) < 2 {
		return nil, fmt.Errorf("route must have at least two tokens")
	}
	amounts := make([]*uint256.Int, len(route))
	amounts[0] = amountIn.Clone()
	current := amountIn.Clone()
	for i := 0; i < len(route)-1; i++ {
		out, err := e.hopOut(current, route[i], route[i+1])
		if err != nil {
			return nil, err
		}
		current = out
		amounts[i+1] = out.Clone()
	}
	return amounts, nil
}

// hopOut computes out = in*(10000-fee)*rOut / (rIn*10000 + in*(10000-fee)).
func (e *Exchange) hopOut(amountIn *uint256.Int, tokenIn, tokenOut string) (*uint256.Int, error) {
	p, ok := e.lookupPool(tokenIn, tokenOut)
	if !ok {
		return nil, fmt.Errorf("no pool for %s/%s", tokenIn, tokenOut)
	}
	reserveIn, reserveOut := p.reserve0, p.reserve1
	if p.token0 != tokenIn {
		reserveIn, reserveOut = reserveOut, reserveIn
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, fmt.Errorf("pool %s/%s has no liquidity", tokenIn, tokenOut)
	}

	afterFee := new(uint256.Int).Mul(amountIn, uint256.NewInt(10000-e.feeBps))
	numerator := new(uint256.Int).Mul(afterFee, reserveOut)
	denominator := new(uint256.Int).Mul(reserveIn, uint256.NewInt(10000))
	denominator.Add(denominator, afterFee)
	if denominator.IsZero() {
		return nil, fmt.Errorf("pool %s/%s degenerate state", tokenIn, tokenOut)
	}
	return numerator.Div(numerator, denominator), nil
}

// applyHop executes one hop against the pool, moving reserves.
func (e *Exchange) applyHop(amountIn *uint256.Int, tokenIn, tokenOut string) (*uint256.Int, error) {
	out, err := e.hopOut(amountIn, tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	p, _ := e.lookupPool(tokenIn, tokenOut)
	if p.token0 == tokenIn {
		p.reserve0.Add(p.reserve0, amountIn)
		p.reserve1.Sub(p.reserve1, out)
	} else {
		p.reserve1.Add(p.reserve1, amountIn)
		p.reserve0.Sub(p.reserve0, out)
	}
	return out, nil
}
