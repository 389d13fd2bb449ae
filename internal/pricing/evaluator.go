package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/broker-core/internal/config"
	"github.com/web3guy0/broker-core/internal/order"
	"github.com/web3guy0/broker-core/internal/prover"
)

// Outcome is the tagged result of evaluate() (spec.md §3 "Pricing outcome").
type OutcomeKind int

const (
	OutcomeSkip OutcomeKind = iota
	OutcomeLock
	OutcomeProveAfterLockExpire
)

type Outcome struct {
	Kind            OutcomeKind
	TotalCycles     uint64
	TargetTimestamp time.Time
	ExpireTimestamp time.Time
	SkipReason      string
	SkipErrorCode   string
}

// Env bundles every live reading the evaluator consults, per spec.md §4.2's
// contract "evaluate(order, env)". now is read exactly once by the caller
// and passed in, so a single evaluation is deterministic.
type Env struct {
	Now                     time.Time
	GasPrice                decimal.Decimal // gas token, per unit of gas
	GasBalance              decimal.Decimal // gas token
	StakeBalance            decimal.Decimal // stake token
	CommittedGasReservation decimal.Decimal // gas token already earmarked
	CommittedStakeReserved  decimal.Decimal // stake token already earmarked
}

// RequestStateChecker answers the duplicate-state guard (spec.md §4.2 step
// 2); satisfied by *db.Database in production.
type RequestStateChecker interface {
	IsRequestLocked(requestID string) (bool, error)
	IsRequestFulfilled(requestID string) (bool, error)
}

// GasRechecker answers step 10's post-preflight gas recheck with a fresh
// reading rather than the step-6 snapshot carried in Env: a long-running
// preflight can straddle a drain or another order's emission that the
// earlier snapshot never saw (spec.md §4.2 step 10, §4.5's "read fresh ...
// on every recheck"). Satisfied by *accounting.Accountant in production.
type GasRechecker interface {
	AvailableGas(ctx context.Context, gasPrice decimal.Decimal) (decimal.Decimal, error)
}

// Evaluator runs the pricing predicate. Its selectors field is the set of
// proof-format selectors this broker can prove (spec.md §4.2 step 4),
// populated at construction since the supported set is a deployment
// concern, not a pricing constant.
type Evaluator struct {
	market     config.MarketConfig
	selectors  map[string]struct{}
	states     RequestStateChecker
	prv        prover.Prover
	gasRecheck GasRechecker
}

// fastLockEligible reuses the admission controller's high-value
// threshold as the price above which the fast-lock shortcut is allowed to
// trigger: an order judged worth jumping the pending queue for is also
// judged worth skipping preflight for, under FastLockEnabled (Design Note
// ii). Conservative: only LockAndFulfill orders qualify.
func (e *Evaluator) fastLockEligible(o *order.Order, now time.Time) bool {
	if !e.market.FastLockEnabled || o.FulfillmentType != order.LockAndFulfill {
		return false
	}
	if !e.market.HighValueThreshold.IsPositive() {
		return false
	}
	return o.PriceAt(now).GreaterThan(e.market.HighValueThreshold)
}

func NewEvaluator(market config.MarketConfig, selectors []string, states RequestStateChecker, prv prover.Prover, gasRecheck GasRechecker) *Evaluator {
	set := make(map[string]struct{}, len(selectors))
	for _, s := range selectors {
		set[s] = struct{}{}
	}
	return &Evaluator{market: market, selectors: set, states: states, prv: prv, gasRecheck: gasRecheck}
}

// minCycleThreshold is the floor below which an exec limit isn't worth
// preflighting (spec.md §4.2 step 7/8). Grounded on spec.md §8 scenario 7's
// worked example: lock_stake=40 (6-decimal token, mcycle_price_stake_token=1)
// must still reach preflight with exec_limit_cycles=10 and fail there with
// session-limit-exceeded, while lock_stake=4's resulting 1-cycle limit must
// be rejected here, before preflight ever runs.
const minCycleThreshold = 10

// Evaluate runs the 11-step algorithm of spec.md §4.2 against a single
// order and returns the outcome or a classified *Error (whose Kind.Policy
// tells the caller whether to skip the order or propagate the error).
func (e *Evaluator) Evaluate(ctx context.Context, o *order.Order, env Env) (Outcome, *Error) {
	now := env.Now
	start, expiration, lockinStake := o.EffectiveWindow(now)
	_ = start

	// Step 1: liveness guard.
	if !expiration.After(now.Add(e.market.MinDeadline)) {
		return skip("order too close to expiry", ""), nil
	}

	// Step 2: duplicate-state guard.
	requestIDStr := o.Request.ID.String()
	if o.FulfillmentType == order.LockAndFulfill {
		locked, err := e.states.IsRequestLocked(requestIDStr)
		if err != nil {
			return Outcome{}, newError(KindRpc, "check locked state", err)
		}
		if locked {
			return skip("request already locked", ""), nil
		}
	} else {
		fulfilled, err := e.states.IsRequestFulfilled(requestIDStr)
		if err != nil {
			return Outcome{}, newError(KindRpc, "check fulfilled state", err)
		}
		if fulfilled {
			return skip("request already fulfilled", ""), nil
		}
	}

	// Step 3: identity filter.
	if e.market.AllowClientAddresses != nil {
		if _, ok := e.market.AllowClientAddresses[o.Request.ClientAddress]; !ok {
			return skip("client address not in allow-list", ""), nil
		}
	}
	if e.market.DenyRequestorAddresses != nil {
		if _, ok := e.market.DenyRequestorAddresses[o.Request.ClientAddress]; ok {
			return skip("client address in deny-list", ""), nil
		}
	}

	// Step 4: selector filter.
	if _, ok := e.selectors[o.Request.Requirements.Selector]; !ok {
		log.Warn().Str("selector", o.Request.Requirements.Selector).Msg("unsupported selector")
		return skip("unsupported selector", ""), nil
	}

	// Step 5: stake feasibility.
	if e.market.MaxStake.IsPositive() && lockinStake.GreaterThan(e.market.MaxStake) {
		return skip("lock stake exceeds configured max_stake", ""), nil
	}
	availableStake := env.StakeBalance.Sub(env.CommittedStakeReserved)
	if lockinStake.GreaterThan(availableStake) {
		log.Info().Str("request_id", requestIDStr).Msg("Insufficient available stake")
		return skip("insufficient available stake", ""), nil
	}

	// Step 6: gas feasibility, pre-preflight.
	fulfillGas := e.estimateFulfillGas(o)
	gasCost := env.GasPrice.Mul(decimal.NewFromInt(int64(fulfillGas)))
	availableGas := env.GasBalance.Sub(env.CommittedGasReservation)
	if gasCost.GreaterThan(availableGas) {
		log.Info().Str("request_id", requestIDStr).Msg("don't have enough gas tokens")
		return skip("insufficient available gas", ""), nil
	}

	// Step 7: cycle-budget derivation.
	cycleCeiling, ok := e.cycleCeiling(o, now, expiration)
	if !ok || cycleCeiling < minCycleThreshold {
		log.Info().Str("request_id", requestIDStr).Msg("exec limit is too low")
		return skip("exec limit is too low", ""), nil
	}

	// Fast-lock shortcut (Design Note ii, optional and config-gated): skip
	// staging and preflight entirely for a high-value LockAndFulfill order,
	// using the price/deadline-derived ceiling itself as a conservative
	// cycle estimate. Stake and gas feasibility were already enforced above
	// (steps 5-6) and are not bypassed.
	if e.fastLockEligible(o, now) {
		log.Info().Str("request_id", requestIDStr).Uint64("cycles", cycleCeiling).Msg("fast-lock shortcut taken, skipping preflight")
		return Outcome{
			Kind:            OutcomeLock,
			TotalCycles:     cycleCeiling,
			TargetTimestamp: time.Time{},
			ExpireTimestamp: o.LockExpiration(),
		}, nil
	}

	// Step 8: artifact staging. Image and input resolve independently, so
	// they're fetched concurrently rather than back to back.
	var imageURI, inputURI string
	var imageErr, inputErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		imageURI, imageErr = e.prv.StageImage(gctx, o.Request.ImageURI)
		return imageErr
	})
	g.Go(func() error {
		inputURI, inputErr = e.prv.StageInput(gctx, o.Request.InputURI)
		return inputErr
	})
	if err := g.Wait(); err != nil {
		if imageErr != nil {
			return Outcome{}, newError(KindFetchImage, "stage image", imageErr)
		}
		return Outcome{}, newError(KindFetchInput, "stage input", inputErr)
	}

	// Step 9: preflight.
	result, perr := e.prv.Preflight(ctx, imageURI, inputURI, cycleCeiling)
	if perr != nil {
		switch prover.Classify(perr) {
		case prover.OutcomeSessionLimitExceeded:
			return skip("session limit exceeded", ""), nil
		case prover.OutcomeGuestPanic:
			log.Warn().Str("request_id", requestIDStr).Err(perr).Msg("guest panic during preflight")
			return skip("guest panic", KindGuestPanic.Code()), nil
		default:
			return Outcome{}, newError(KindUnexpected, "preflight", perr)
		}
	}
	if result.JournalSize > e.market.MaxJournalBytes {
		return skip("journal too large", ""), nil
	}

	// Step 10: post-preflight gas recheck, against a fresh reading rather
	// than the step-6 snapshot in env (spec.md §4.2 step 10, §4.5).
	availableGas, err := e.gasRecheck.AvailableGas(ctx, env.GasPrice)
	if err != nil {
		return Outcome{}, newError(KindRpc, "recheck available gas", err)
	}
	if gasCost.GreaterThan(availableGas) {
		log.Info().Str("request_id", requestIDStr).Msg("don't have enough gas tokens")
		return skip("insufficient available gas after preflight", ""), nil
	}

	// Step 11: emission.
	if o.FulfillmentType == order.LockAndFulfill {
		return Outcome{
			Kind:            OutcomeLock,
			TotalCycles:     result.TotalCycles,
			TargetTimestamp: time.Time{}, // zero value encodes "lock immediately"
			ExpireTimestamp: o.LockExpiration(),
		}, nil
	}
	return Outcome{
		Kind:            OutcomeProveAfterLockExpire,
		TotalCycles:     result.TotalCycles,
		TargetTimestamp: o.LockExpiration(),
		ExpireTimestamp: o.OrderExpiration(),
	}, nil
}

func skip(reason, code string) Outcome {
	return Outcome{Kind: OutcomeSkip, SkipReason: reason, SkipErrorCode: code}
}

// estimateFulfillGas derives fulfill_gas from request shape: a base
// estimate plus the callback's declared gas limit, bumped for
// smart-contract-signed requests which pay for signature validation
// on-chain (spec.md §4.2 step 6, §6's fulfill_gas_estimate).
func (e *Evaluator) estimateFulfillGas(o *order.Order) uint64 {
	gas := e.market.FulfillGasEstimate
	if o.Request.Requirements.Callback.GasLimit > 0 {
		gas += o.Request.Requirements.Callback.GasLimit
	}
	if o.Request.ID.IsSmartContractSigned() {
		gas += 50_000
	}
	return gas
}

// stakeRewardFraction is the slashable-stake share a lock-expired claim
// actually earns, as opposed to the full lock_stake: grounded on
// original_source's order_picker.rs test
// test_lock_expired_exec_limit_precision_loss, where lock_stake=4 yields
// stake_reward_if_locked_and_not_fulfilled=1 and lock_stake=40 yields 10.
var stakeRewardFraction = decimal.NewFromFloat(0.25)

// cycleCeiling computes exec_limit_cycles per spec.md §4.2 step 7 (Lock)
// and the "Profitability for lock-expired claims" paragraph
// (ProveAfterLockExpire). For ProveAfterLockExpire, offer.lock_stake
// arrives over the wire as a raw on-chain integer (wire.go parses it
// straight, with no decimals division); it's the slashable-stake share of
// that raw amount, scaled down by the stake token's own decimals, that is
// comparable to mcycle_price_stake_token's whole-token units.
func (e *Evaluator) cycleCeiling(o *order.Order, now, expiration time.Time) (uint64, bool) {
	var priceCeiling uint64
	if o.FulfillmentType == order.FulfillAfterLockExpire {
		if e.market.McyclePriceStakeToken.IsZero() {
			return 0, false
		}
		stakeReward := o.Request.Offer.LockStake.Mul(stakeRewardFraction).Shift(-int32(e.market.StakeTokenDecimals))
		mcycles := stakeReward.Div(e.market.McyclePriceStakeToken)
		priceCeiling = mcyclesToCycles(mcycles)
	} else {
		if e.market.McyclePrice.IsZero() {
			return 0, false
		}
		mcycles := o.Request.Offer.MaxPrice.Div(e.market.McyclePrice)
		priceCeiling = mcyclesToCycles(mcycles)
	}
	if priceCeiling == 0 {
		return 0, false
	}
	ceiling := priceCeiling

	if e.market.PeakProveKhz > 0 {
		secondsUntilExpiration := expiration.Sub(now).Seconds()
		if secondsUntilExpiration <= 0 {
			return 0, false
		}
		deadlineCeiling := uint64(float64(e.market.PeakProveKhz) * 1000 * secondsUntilExpiration)
		if deadlineCeiling < ceiling {
			ceiling = deadlineCeiling
		}
	}

	_, isPriority := e.market.PriorityRequestorAddrs[o.Request.ClientAddress]
	if e.market.MaxMcycleLimit > 0 && !isPriority {
		globalCeiling := e.market.MaxMcycleLimit * 1_000_000
		if globalCeiling < ceiling {
			ceiling = globalCeiling
		}
	}

	return ceiling, true
}

func mcyclesToCycles(mcycles decimal.Decimal) uint64 {
	if mcycles.IsNegative() {
		return 0
	}
	cycles := mcycles.Mul(decimal.NewFromInt(1_000_000))
	if !cycles.IsPositive() {
		return 0
	}
	return cycles.BigInt().Uint64()
}
