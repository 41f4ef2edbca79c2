package rebalance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/zeebo/assert"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/amm/memamm"
	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/governance"
	"github.com/parallaxfi/basket-engine/rebalance"
	"github.com/parallaxfi/basket-engine/router"
)

const (
	engineAccount = "engine"
	ownerAddr     = "owner"
	vaultAddr     = "vault"
	treasuryAddr  = "treasury"
	stakingAddr   = "staking-pool"
)

// units scales a whole-number amount to the token's native precision.
func units(n uint64, decimals uint8) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), basket.Pow10(decimals))
}

type fixture struct {
	exchange *memamm.Exchange
	engine   *rebalance.Engine
	sink     *memamm.RewardSink
	basket   *basket.Basket
	params   *governance.Params
	now      *time.Time
}

type fixtureOpts struct {
	rebalanceTrigger uint64
	probeExpansion   bool
	mispriceDSD      bool
}

// newFixture builds a three-asset basket over a seeded in-memory exchange.
// With mispriceDSD the DSD pool trades at half price, giving the engine an
// arbitrage round; without it every pool sits at value parity.
func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	b, err := basket.New("WETH", 18, []basket.Asset{
		{Token: "ESD", Decimals: 18, Paired: "USDC", PairedDecimals: 6},
		{Token: "DSD", Decimals: 18, Paired: "USDC", PairedDecimals: 6},
		{Token: "BAC", Decimals: 18, Paired: "DAI", PairedDecimals: 18},
	})
	assert.NoError(t, err)

	ex := memamm.NewExchange()
	for token, dec := range map[string]uint8{
		"ESD": 18, "DSD": 18, "BAC": 18,
		"USDC": 6, "DAI": 18, "WETH": 18,
	} {
		ex.RegisterToken(token, dec)
	}

	// slightly above parity so the fee does not push the expansion probe
	// under the 1:1 floor
	ex.AddLiquidity("ESD", "USDC", units(1_000_000, 18), units(1_010_000, 6))
	ex.AddLiquidity("BAC", "DAI", units(1_000_000, 18), units(1_010_000, 18))
	if opts.mispriceDSD {
		ex.AddLiquidity("DSD", "USDC", units(2_000_000, 18), units(1_000_000, 6))
	} else {
		ex.AddLiquidity("DSD", "USDC", units(1_000_000, 18), units(1_010_000, 6))
	}
	ex.AddLiquidity("USDC", "DAI", units(1_000_000, 6), units(1_000_000, 18))
	ex.AddLiquidity("USDC", "WETH", units(1_000_000, 6), units(1_000_000, 18))
	ex.AddLiquidity("DAI", "WETH", units(1_000_000, 18), units(1_000_000, 18))

	ex.Mint("ESD", engineAccount, units(1_000, 18))
	ex.Mint("BAC", engineAccount, units(5, 18))

	params, err := governance.NewParams(governance.ParamsConfig{
		Treasury:          treasuryAddr,
		Staking:           stakingAddr,
		Vault:             vaultAddr,
		DepositorFraction: 50_000,
		ExecutorFraction:  20_000,
		StakerFraction:    50_000,
		SellPercent:       50_000,
		SellCap:           units(25_000, 18),
		RebalanceTrigger:  opts.rebalanceTrigger,
		MinSplit:          units(10, 18),
		MaxBasketSize:     5,
		Cooldown:          time.Hour,
		MinGain:           uint256.NewInt(1_000_000_000_000_000), // 0.001 normalized
	})
	assert.NoError(t, err)

	planner := router.NewPlanner(b)
	selector := router.NewSelector(b, planner, units(1, 18))
	sink := memamm.NewRewardSink(ex)
	now := time.Now()

	engine, err := rebalance.NewEngine(rebalance.Deps{
		Basket:         b,
		Planner:        planner,
		Selector:       selector,
		Tokens:         ex.TokensFor(engineAccount),
		Router:         ex.RouterFor(engineAccount),
		RouterAddress:  memamm.RouterAddress,
		Staking:        sink,
		Params:         params,
		Owner:          ownerAddr,
		Account:        engineAccount,
		ProbeExpansion: opts.probeExpansion,
		Clock:          func() time.Time { return now },
	})
	assert.NoError(t, err)

	return &fixture{exchange: ex, engine: engine, sink: sink, basket: b, params: params, now: &now}
}

func (f *fixture) balance(t *testing.T, token, holder string) *uint256.Int {
	t.Helper()
	bal, err := f.exchange.TokensFor(holder).BalanceOf(context.Background(), token, holder)
	assert.NoError(t, err)
	return bal
}

func TestRebalance_FullRound(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true, probeExpansion: true})
	ctx := context.Background()

	before, err := f.engine.BasketValue(ctx)
	assert.NoError(t, err)

	report, err := f.engine.Rebalance(ctx, "caller-bot")
	assert.NoError(t, err)

	// DSD trades at half price, so it is the cheapest asset
	assert.Equal(t, report.TargetToken, "DSD")
	assert.Equal(t, report.Trades, 2)
	assert.Equal(t, report.Skipped, 0)
	assert.True(t, report.Gain.Gt(uint256.NewInt(0)))
	assert.True(t, report.Distributed)

	// each swap is reported: half the ESD balance, the whole small BAC one
	assert.Equal(t, len(report.Executed), 2)
	assert.Equal(t, report.Executed[0].Token, "ESD")
	assert.True(t, report.Executed[0].AmountIn.Eq(units(500, 18)))
	assert.True(t, report.Executed[0].AmountOut.Gt(uint256.NewInt(0)))
	assert.Equal(t, report.Executed[1].Token, "BAC")
	assert.True(t, report.Executed[1].AmountIn.Eq(units(5, 18)))

	after, err := f.engine.BasketValue(ctx)
	assert.NoError(t, err)
	assert.True(t, after.Gt(before))
	t.Logf("basket value %s -> %s, gain %s", before.Dec(), after.Dec(), report.Gain.Dec())

	// both sold assets were partially converted into the target
	assert.True(t, f.balance(t, "DSD", engineAccount).Gt(uint256.NewInt(0)))
	assert.True(t, f.balance(t, "ESD", engineAccount).Lt(units(1_000, 18)))
	assert.True(t, f.balance(t, "BAC", engineAccount).IsZero())
}

func TestRebalance_WaterfallSplit(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true})
	ctx := context.Background()

	report, err := f.engine.Rebalance(ctx, "caller-bot")
	assert.NoError(t, err)
	assert.True(t, report.Distributed)

	executorPay := f.balance(t, "WETH", "caller-bot")
	stakerPay := f.balance(t, "WETH", stakingAddr)
	treasuryPay := f.balance(t, "WETH", treasuryAddr)
	assert.True(t, executorPay.Gt(uint256.NewInt(0)))
	assert.True(t, stakerPay.Gt(uint256.NewInt(0)))
	assert.True(t, treasuryPay.Gt(uint256.NewInt(0)))

	// nothing of the settlement proceeds stays behind
	assert.True(t, f.balance(t, "WETH", engineAccount).IsZero())

	// reconstruct the waterfall from the payouts: executor gets 20% of the
	// settlement proceeds, stakers 50% of what is left, treasury the rest
	total := new(uint256.Int).Add(executorPay, stakerPay)
	total.Add(total, treasuryPay)

	wantExecutor, err := basket.MulDiv(total, uint256.NewInt(20_000), uint256.NewInt(governance.DivisionFactor))
	assert.NoError(t, err)
	assert.True(t, executorPay.Eq(wantExecutor))

	afterExecutor := new(uint256.Int).Sub(total, executorPay)
	wantStaker, err := basket.MulDiv(afterExecutor, uint256.NewInt(50_000), uint256.NewInt(governance.DivisionFactor))
	assert.NoError(t, err)
	assert.True(t, stakerPay.Eq(wantStaker))

	// the staking pool was notified of exactly its payout
	notified := f.sink.Notified()
	assert.Equal(t, len(notified), 1)
	assert.True(t, notified[0].Eq(stakerPay))

	// the depositor half of the gain stays behind as the target asset: the
	// engine keeps what it received minus the sold-off remainder. DSD's 18
	// decimals make the normalized gain its raw-unit equivalent.
	received := uint256.NewInt(0)
	for _, trade := range report.Executed {
		received = new(uint256.Int).Add(received, trade.AmountOut)
	}
	hold, err := basket.MulDiv(report.Gain, uint256.NewInt(50_000), uint256.NewInt(governance.DivisionFactor))
	assert.NoError(t, err)
	assert.True(t, hold.Gt(uint256.NewInt(0)))
	retained := new(uint256.Int).Sub(received, report.Gain)
	retained.Add(retained, hold)
	assert.True(t, f.balance(t, "DSD", engineAccount).Eq(retained))
}

func TestRebalance_NoIncentiveRecipient(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true})
	ctx := context.Background()

	_, err := f.engine.Rebalance(ctx, "")
	assert.NoError(t, err)

	// the executor share rolls into the staker/treasury legs instead
	assert.True(t, f.balance(t, "WETH", stakingAddr).Gt(uint256.NewInt(0)))
	assert.True(t, f.balance(t, "WETH", treasuryAddr).Gt(uint256.NewInt(0)))
}

func TestRebalance_ParityMarketMakesNoTrades(t *testing.T) {
	// at value parity the fee makes every quote land below the 1:1 floor
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	report, err := f.engine.Rebalance(ctx, "")
	assert.NoError(t, err)
	assert.Equal(t, report.Trades, 0)
	assert.True(t, report.Gain.IsZero())
	assert.False(t, report.Distributed)

	// balances untouched
	assert.True(t, f.balance(t, "ESD", engineAccount).Eq(units(1_000, 18)))
	assert.True(t, f.balance(t, "BAC", engineAccount).Eq(units(5, 18)))
}

func TestRebalance_ExpansionProbeSkipsBelowParity(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true, probeExpansion: true})
	ctx := context.Background()

	// crash ESD below parity against USDC; the probe must skip it
	f.exchange.AddLiquidity("ESD", "USDC", units(1_000_000, 18), uint256.NewInt(0))

	report, err := f.engine.Rebalance(ctx, "")
	assert.NoError(t, err)
	assert.Equal(t, report.TargetToken, "DSD")
	assert.Equal(t, report.Trades, 1) // only BAC
	assert.Equal(t, report.Skipped, 1)
	assert.True(t, f.balance(t, "ESD", engineAccount).Eq(units(1_000, 18)))
}

func TestRebalance_Cooldown(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true})
	ctx := context.Background()

	_, err := f.engine.Rebalance(ctx, "")
	assert.NoError(t, err)

	// a second open trigger inside the window is rejected
	_, err = f.engine.Rebalance(ctx, "")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrCooldown))
	assert.True(t, f.engine.CooldownRemaining() > 0)

	// once the window passes the trigger is accepted again
	*f.now = f.now.Add(time.Hour + time.Second)
	assert.Equal(t, f.engine.CooldownRemaining(), time.Duration(0))
	_, err = f.engine.Rebalance(ctx, "")
	assert.NoError(t, err)
}

func TestForceRebalance_OwnerBypassesCooldown(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true})
	ctx := context.Background()

	_, err := f.engine.Rebalance(ctx, "")
	assert.NoError(t, err)

	_, err = f.engine.ForceRebalance(ctx, ownerAddr)
	assert.NoError(t, err)
}

func TestForceRebalance_RejectsNonOwner(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true})

	_, err := f.engine.ForceRebalance(context.Background(), "mallory")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, governance.ErrAccess))
}

func TestRebalance_ManipulatedQuoteAbortsSwap(t *testing.T) {
	// a quote promising above-parity output on a parity market passes the
	// trade gate but the real execution cannot clear the swap's floor: the
	// round fails loudly instead of eating the loss
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.exchange.SetQuoteOverride(func(amountIn *uint256.Int, route []string) ([]*uint256.Int, error) {
		amounts := make([]*uint256.Int, len(route))
		amounts[0] = amountIn.Clone()
		for i := 1; i < len(route); i++ {
			amounts[i] = new(uint256.Int).Lsh(amountIn, 1)
		}
		return amounts, nil
	})

	_, err := f.engine.Rebalance(ctx, "")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, amm.ErrExternalCall))

	// no distribution happened
	assert.True(t, f.balance(t, "WETH", treasuryAddr).IsZero())
}

func TestRebalance_ValueParityTrapFailsProfitability(t *testing.T) {
	// a two-asset market tuned so the swap returns exactly its input: the
	// trade clears the per-swap floor yet the basket gains nothing, and the
	// round must refuse to stand
	b, err := basket.New("WETH", 18, []basket.Asset{
		{Token: "AAA", Decimals: 18, Paired: "PPP", PairedDecimals: 18},
		{Token: "BBB", Decimals: 18, Paired: "PPP", PairedDecimals: 18},
	})
	assert.NoError(t, err)

	ex := memamm.NewExchange()
	ex.SetFeeBps(0)
	for _, token := range []string{"AAA", "BBB", "PPP", "WETH"} {
		ex.RegisterToken(token, 18)
	}
	// rOut = rIn + in makes the constant-product output exactly equal the
	// input for in = 1000
	ex.AddLiquidity("AAA", "PPP", uint256.NewInt(1_000_000), uint256.NewInt(1_001_000))
	ex.AddLiquidity("PPP", "BBB", uint256.NewInt(1_000_000), uint256.NewInt(1_001_000))
	ex.Mint("AAA", engineAccount, uint256.NewInt(1_000))

	params, err := governance.NewParams(governance.ParamsConfig{
		Treasury:          treasuryAddr,
		Vault:             vaultAddr,
		DepositorFraction: 50_000,
		SellPercent:       50_000,
		SellCap:           units(25_000, 18),
		MinSplit:          units(10, 18), // whole tiny balance sells
		MaxBasketSize:     5,
		Cooldown:          time.Hour,
		MinGain:           uint256.NewInt(1),
	})
	assert.NoError(t, err)

	planner := router.NewPlanner(b)
	engine, err := rebalance.NewEngine(rebalance.Deps{
		Basket:        b,
		Planner:       planner,
		Selector:      router.NewSelector(b, planner, uint256.NewInt(1_000)),
		Tokens:        ex.TokensFor(engineAccount),
		Router:        ex.RouterFor(engineAccount),
		RouterAddress: memamm.RouterAddress,
		Params:        params,
		Owner:         ownerAddr,
		Account:       engineAccount,
	})
	assert.NoError(t, err)

	// quotes promise a profit so both selection and the trade gate pass
	ex.SetQuoteOverride(func(amountIn *uint256.Int, route []string) ([]*uint256.Int, error) {
		amounts := make([]*uint256.Int, len(route))
		amounts[0] = amountIn.Clone()
		for i := 1; i < len(route); i++ {
			amounts[i] = new(uint256.Int).Lsh(amountIn, 1)
		}
		return amounts, nil
	})

	_, err = engine.Rebalance(context.Background(), "")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, rebalance.ErrProfitability))
}

func TestExpectedProfit_MatchesProfitableRound(t *testing.T) {
	f := newFixture(t, fixtureOpts{mispriceDSD: true})
	ctx := context.Background()

	expected, err := f.engine.ExpectedProfit(ctx, false)
	assert.NoError(t, err)
	assert.True(t, expected.Gt(uint256.NewInt(0)))

	executorCut, err := f.engine.ExpectedProfit(ctx, true)
	assert.NoError(t, err)
	assert.True(t, executorCut.Gt(uint256.NewInt(0)))
	t.Logf("expected gain %s, executor cut %s", expected.Dec(), executorCut.Dec())

	// the simulation must not move any state
	assert.True(t, f.balance(t, "ESD", engineAccount).Eq(units(1_000, 18)))
	assert.True(t, f.engine.LastTradeAt().IsZero())
}

func TestExpectedProfit_RejectsShortSettlementQuote(t *testing.T) {
	// a backend answering the executor-cut settlement quote with fewer legs
	// than the route must yield an error, not an out-of-range read
	f := newFixture(t, fixtureOpts{mispriceDSD: true})
	ctx := context.Background()

	f.exchange.SetQuoteOverride(func(amountIn *uint256.Int, route []string) ([]*uint256.Int, error) {
		if route[len(route)-1] == "WETH" {
			return []*uint256.Int{amountIn.Clone()}, nil
		}
		amounts := make([]*uint256.Int, len(route))
		amounts[0] = amountIn.Clone()
		for i := 1; i < len(route); i++ {
			amounts[i] = new(uint256.Int).Lsh(amountIn, 1)
		}
		return amounts, nil
	})

	_, err := f.engine.ExpectedProfit(ctx, true)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, amm.ErrExternalCall))
}

func TestExpectedProfit_ZeroOnParityMarket(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	expected, err := f.engine.ExpectedProfit(context.Background(), false)
	assert.NoError(t, err)
	assert.True(t, expected.IsZero())
}

func TestSnapshot_ReportsHoldings(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	holdings, total, err := f.engine.Snapshot(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, len(holdings), 3)
	assert.Equal(t, holdings[0].Asset.Token, "ESD")
	assert.True(t, holdings[0].Balance.Eq(units(1_000, 18)))
	assert.True(t, total.Eq(units(1_005, 18)))
}
