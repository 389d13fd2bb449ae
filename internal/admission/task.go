package admission

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/broker-core/internal/chain"
	"github.com/web3guy0/broker-core/internal/db"
	"github.com/web3guy0/broker-core/internal/order"
	"github.com/web3guy0/broker-core/internal/pricing"
)

// runTask owns o exclusively between dequeue and emission/skip (spec.md
// §3's "Ownership"). taskCtx is cancelled on preemption; parentCtx spans
// the controller's own lifetime and is used for the final downstream send
// so a preemption racing the very last step doesn't orphan the send.
func (c *Controller) runTask(taskCtx, parentCtx context.Context, o *order.Order, identity order.Identity) {
	var outcome taskOutcome
	defer func() {
		select {
		case c.completions <- taskDone{requestID: o.Request.ID.String(), identity: identity, outcome: outcome}:
		case <-parentCtx.Done():
		}
		c.wg.Done()
	}()

	priced, perr := c.evaluateWithRetry(taskCtx, o)

	if taskCtx.Err() != nil {
		// Preempted: spec.md §4.4 "not recorded as skipped".
		log.Debug().Str("request_id", o.Request.ID.String()).Msg("pricing task cancelled by preemption")
		return
	}

	if perr != nil {
		outcome = c.handleTaskError(o, perr)
		return
	}

	switch priced.Kind {
	case pricing.OutcomeSkip:
		c.recordSkip(o, priced.SkipReason, priced.SkipErrorCode)
		outcome = taskOutcomeSkipped
	case pricing.OutcomeLock, pricing.OutcomeProveAfterLockExpire:
		if c.emit(parentCtx, o, priced) {
			outcome = taskOutcomeEmitted
		}
	}
}

// evaluateWithRetry retries Rpc-classified errors at the task level
// (spec.md §7's policy column) before giving up.
func (c *Controller) evaluateWithRetry(ctx context.Context, o *order.Order) (pricing.Outcome, *pricing.Error) {
	var outcome pricing.Outcome
	var perr *pricing.Error

	for attempt := 0; attempt <= maxRpcRetries; attempt++ {
		if ctx.Err() != nil {
			return pricing.Outcome{}, nil
		}

		env, err := c.buildEnv(ctx)
		if err != nil {
			perr = &pricing.Error{Kind: pricing.KindRpc, Reason: "build pricing env", Cause: err}
		} else {
			outcome, perr = c.evaluator.Evaluate(ctx, o, env)
		}

		if perr == nil || perr.Kind != pricing.KindRpc {
			return outcome, perr
		}

		if attempt < maxRpcRetries {
			log.Warn().Err(perr).Int("attempt", attempt+1).Str("request_id", o.Request.ID.String()).Msg("rpc error pricing order, retrying")
			select {
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			case <-ctx.Done():
				return pricing.Outcome{}, nil
			}
		}
	}
	return outcome, perr
}

func (c *Controller) buildEnv(ctx context.Context) (pricing.Env, error) {
	gasPriceWei, err := c.gasSource.GasPrice(ctx)
	if err != nil {
		return pricing.Env{}, err
	}
	gasPrice := chain.WeiToDecimal(gasPriceWei)

	reading, err := c.accountant.Read(ctx, gasPrice)
	if err != nil {
		return pricing.Env{}, err
	}

	return pricing.Env{
		Now:                     time.Now(),
		GasPrice:                gasPrice,
		GasBalance:              reading.GasBalance,
		StakeBalance:            reading.StakeBalance,
		CommittedGasReservation: reading.CommittedGasReservation,
		CommittedStakeReserved:  reading.CommittedStakeReserved,
	}, nil
}

// handleTaskError applies spec.md §7's error policy: Skip-classified
// errors persist a skip record, Propagate-classified errors (Rpc after
// exhausting retries, Unexpected) signal the controller's supervisor. The
// returned taskOutcome is reported back through c.completions so the loop
// goroutine -- not this task goroutine -- is the one that mutates Stats.
func (c *Controller) handleTaskError(o *order.Order, perr *pricing.Error) taskOutcome {
	if perr.Kind.Policy() == pricing.PolicySkip {
		log.Warn().Err(perr).Str("request_id", o.Request.ID.String()).Msg("pricing error, skipping order")
		c.recordSkip(o, perr.Reason, perr.Kind.Code())
		return taskOutcomeSkipped
	}

	log.Error().Err(perr).Str("request_id", o.Request.ID.String()).Msg("unrecoverable pricing error, signalling supervisor")
	select {
	case c.fatal <- perr:
	default:
	}
	return taskOutcomeNone
}

// recordSkip only performs the database write; the caller reports the
// stats delta to the loop goroutine via taskDone.outcome.
func (c *Controller) recordSkip(o *order.Order, reason, errorCode string) {
	rec := &db.SkippedRequest{
		RequestID:       o.Request.ID.String(),
		RequestDigest:   hexDigest(o.RequestDigest),
		FulfillmentType: string(o.FulfillmentType),
		ClientAddress:   o.Request.ClientAddress.Hex(),
		Reason:          reason,
		ErrorCode:       errorCode,
	}
	if err := c.database.InsertSkippedRequest(rec); err != nil {
		log.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to persist skip record")
	}
}

// emit persists the committed-order record and attempts the downstream
// send, reporting whether the send actually happened; the caller reports
// that to the loop goroutine via taskDone.outcome rather than touching
// Stats here.
func (c *Controller) emit(parentCtx context.Context, o *order.Order, outcome pricing.Outcome) bool {
	o.TotalCycles = outcome.TotalCycles
	o.TargetTimestamp = outcome.TargetTimestamp
	o.ExpireTimestamp = outcome.ExpireTimestamp

	_, _, lockinStake := o.EffectiveWindow(time.Now())

	rec := &db.CommittedOrder{
		RequestID:        o.Request.ID.String(),
		FulfillmentType:  string(o.FulfillmentType),
		Selector:         o.Request.Requirements.Selector,
		CallbackGas:      o.Request.Requirements.Callback.GasLimit,
		SmartContractSig: o.Request.ID.IsSmartContractSigned(),
		LockinStake:      lockinStake,
	}
	if err := c.database.InsertCommittedOrder(rec); err != nil {
		log.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to persist committed order")
	}

	select {
	case c.downstream <- o:
		log.Info().
			Str("request_id", o.Request.ID.String()).
			Uint64("total_cycles", o.TotalCycles).
			Time("expire", o.ExpireTimestamp).
			Msg("order emitted downstream")
		return true
	case <-parentCtx.Done():
		return false
	}
}

func hexDigest(b [32]byte) string {
	return order.RequestID(b).String()
}
