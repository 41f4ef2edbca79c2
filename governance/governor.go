package governance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "governance").Logger()
}

var (
	// ErrAccess is returned when the caller lacks the required role.
	ErrAccess = errors.New("caller lacks required role")
	// ErrTimelock is returned when a commit arrives before the delay window
	// has elapsed while the basket holds value.
	ErrTimelock = errors.New("timelock delay has not elapsed")
	// ErrNoPending is returned when a commit names a tag with no pending
	// change, including a tag already consumed by an earlier commit.
	ErrNoPending = errors.New("no pending change for tag")
)

// ParamTag identifies one mutable parameter in the two-phase change
// protocol.
type ParamTag uint8

const (
	TagTreasury ParamTag = iota + 1
	TagStaking
	TagVault
	TagDepositorFraction
	TagExecutorFraction
	TagStakerFraction
	TagSellPercent
	TagSellCap
	TagRebalanceTrigger
	TagMinSplit
	TagMaxBasketSize
)

var tagNames = map[ParamTag]string{
	TagTreasury:          "treasury",
	TagStaking:           "staking",
	TagVault:             "vault",
	TagDepositorFraction: "depositor_fraction",
	TagExecutorFraction:  "executor_fraction",
	TagStakerFraction:    "staker_fraction",
	TagSellPercent:       "sell_percent",
	TagSellCap:           "sell_cap",
	TagRebalanceTrigger:  "rebalance_trigger",
	TagMinSplit:          "min_split",
	TagMaxBasketSize:     "max_basket_size",
}

// ParseTag resolves a tag name used on the governance surface.
func ParseTag(name string) (ParamTag, bool) {
	for tag, n := range tagNames {
		if n == name {
			return tag, true
		}
	}
	return 0, false
}

func (t ParamTag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Payload carries the proposed value; address-valued parameters use Address,
// numeric ones use Value.
type Payload struct {
	Address string
	Value   *uint256.Int
}

type pendingChange struct {
	payload    Payload
	proposedAt time.Time
}

// BasketValueFunc reports the basket's current total normalized value; the
// timelock only binds while it is nonzero.
type BasketValueFunc func(ctx context.Context) (*uint256.Int, error)

// Governor runs the two-phase propose/commit protocol. Each parameter is an
// explicit state machine: Idle, or Proposed with a payload and timestamp; a
// commit consumes the pending change exactly once.
type Governor struct {
	mu          sync.Mutex
	owner       string
	params      *Params
	pending     map[ParamTag]pendingChange
	delay       time.Duration
	basketValue BasketValueFunc
	clock       func() time.Time
}

// NewGovernor creates a governor over the given live parameter set.
func NewGovernor(owner string, params *Params, delay time.Duration, basketValue BasketValueFunc) *Governor {
	return &Governor{
		owner:       owner,
		params:      params,
		pending:     make(map[ParamTag]pendingChange),
		delay:       delay,
		basketValue: basketValue,
		clock:       time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (g *Governor) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// Owner returns the governance owner address.
func (g *Governor) Owner() string {
	return g.owner
}

// Pending returns whether a change is currently proposed for the tag.
func (g *Governor) Pending(tag ParamTag) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[tag]
	return ok
}

// Propose records a pending change for the tag. Only the owner may propose;
// the payload is validated here so a bad value fails fast rather than at
// commit time. Re-proposing a tag replaces the pending change and restarts
// its clock.
func (g *Governor) Propose(caller string, tag ParamTag, payload Payload) error {
	if caller != g.owner {
		return fmt.Errorf("%w: %s is not the governance owner", ErrAccess, caller)
	}
	if err := validatePayload(tag, payload); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[tag] = pendingChange{payload: payload, proposedAt: g.clock()}
	log.Info().Str("tag", tag.String()).Str("caller", caller).Msg("Parameter change proposed")
	return nil
}

// Commit applies the pending change for the tag and clears it. While the
// basket holds nonzero value the commit succeeds only after the delay window
// has elapsed since the proposal; an empty basket commits immediately.
func (g *Governor) Commit(ctx context.Context, caller string, tag ParamTag) error {
	if caller != g.owner {
		return fmt.Errorf("%w: %s is not the governance owner", ErrAccess, caller)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	change, ok := g.pending[tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPending, tag)
	}

	value, err := g.basketValue(ctx)
	if err != nil {
		return fmt.Errorf("reading basket value: %w", err)
	}
	if !value.IsZero() {
		elapsed := g.clock().Sub(change.proposedAt)
		if elapsed < g.delay {
			return fmt.Errorf("%w: %s remaining for %s", ErrTimelock, g.delay-elapsed, tag)
		}
	}

	if err := g.apply(tag, change.payload); err != nil {
		return err
	}
	delete(g.pending, tag)
	log.Info().Str("tag", tag.String()).Msg("Parameter change committed")
	return nil
}

func validatePayload(tag ParamTag, payload Payload) error {
	switch tag {
	case TagTreasury, TagVault:
		if payload.Address == "" {
			return fmt.Errorf("%s requires a non-empty address", tag)
		}
	case TagStaking:
		// empty address disables the staking pool
	case TagDepositorFraction, TagExecutorFraction, TagStakerFraction, TagSellPercent, TagRebalanceTrigger:
		if payload.Value == nil {
			return fmt.Errorf("%s requires a value", tag)
		}
		if payload.Value.CmpUint64(DivisionFactor) > 0 {
			return fmt.Errorf("%s %s exceeds division factor %d", tag, payload.Value.Dec(), DivisionFactor)
		}
	case TagSellCap, TagMinSplit, TagMaxBasketSize:
		if payload.Value == nil {
			return fmt.Errorf("%s requires a value", tag)
		}
	default:
		return fmt.Errorf("unknown parameter tag %s", tag)
	}
	return nil
}

// apply writes the committed payload into the live parameter set.
func (g *Governor) apply(tag ParamTag, payload Payload) error {
	p := g.params
	p.mu.Lock()
	defer p.mu.Unlock()
	switch tag {
	case TagTreasury:
		p.cfg.Treasury = payload.Address
	case TagStaking:
		p.cfg.Staking = payload.Address
	case TagVault:
		p.cfg.Vault = payload.Address
	case TagDepositorFraction:
		p.cfg.DepositorFraction = payload.Value.Uint64()
	case TagExecutorFraction:
		p.cfg.ExecutorFraction = payload.Value.Uint64()
	case TagStakerFraction:
		p.cfg.StakerFraction = payload.Value.Uint64()
	case TagSellPercent:
		p.cfg.SellPercent = payload.Value.Uint64()
	case TagSellCap:
		p.cfg.SellCap = payload.Value.Clone()
	case TagRebalanceTrigger:
		p.cfg.RebalanceTrigger = payload.Value.Uint64()
	case TagMinSplit:
		p.cfg.MinSplit = payload.Value.Clone()
	case TagMaxBasketSize:
		p.cfg.MaxBasketSize = payload.Value.Uint64()
	default:
		return fmt.Errorf("unknown parameter tag %s", tag)
	}
	return nil
}
