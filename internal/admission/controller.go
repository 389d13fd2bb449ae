// Package admission implements the core scheduler of the broker: the
// single long-lived supervisor that consumes the unbounded inbound order
// stream, maintains a bounded pending queue, dispatches bounded concurrent
// pricing tasks, reacts to on-chain state-change preemption, and emits
// priced orders downstream (spec.md §4.1, §5).
package admission

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/broker-core/internal/accounting"
	"github.com/web3guy0/broker-core/internal/config"
	"github.com/web3guy0/broker-core/internal/db"
	"github.com/web3guy0/broker-core/internal/dedup"
	"github.com/web3guy0/broker-core/internal/order"
	"github.com/web3guy0/broker-core/internal/priority"
	"github.com/web3guy0/broker-core/internal/pricing"
	"github.com/web3guy0/broker-core/internal/statebus"
)

// GasPriceSource is the narrowed capability the controller reads the live
// gas price from before every pricing task (spec.md §2.2); satisfied by
// *chain.Oracle.
type GasPriceSource interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Database is the narrow set of persistence methods the controller and its
// pricing tasks need (spec.md §9's capability interfaces), satisfied by
// *db.Database.
type Database interface {
	InsertSkippedRequest(rec *db.SkippedRequest) error
	MarkLocked(requestID, prover string) error
	MarkFulfilled(requestID string) error
	InsertCommittedOrder(rec *db.CommittedOrder) error
}

// maxRpcRetries bounds the task-level retry spec.md §7 calls for on Rpc
// errors before the controller treats the failure as fatal and signals its
// supervisor.
const maxRpcRetries = 2

// Controller is the admission/pricing core scheduler. All of its mutable
// state (pending queue, active-task table) is owned exclusively by the
// goroutine running Run (spec.md §3's "Ownership"); apart from the
// snapMu-guarded snapshot fields, no field here is safe to touch from
// another goroutine.
type Controller struct {
	cfgView   *config.View
	evaluator *pricing.Evaluator
	accountant *accounting.Accountant
	gasSource GasPriceSource
	dedupCache *dedup.Cache
	database  Database

	downstream chan<- *order.Order
	refreshEvery time.Duration

	highValueThreshold decimal.Decimal

	// pending is the controller-local queue of orders awaiting a pricing
	// slot (spec.md §3's "Ownership").
	pending []priority.Entry
	seq     uint64

	// active is keyed request_id (hex string, matching statebus.StateChange's
	// wire shape) -> order_identity -> cancellation handle (spec.md §9,
	// supplemented from original_source's order_picker.rs).
	active map[string]map[order.Identity]context.CancelFunc

	wg         sync.WaitGroup
	completions chan taskDone
	fatal      chan error

	stats Stats

	// snapMu guards the four fields below, a point-in-time copy refreshed
	// once per loop iteration so operational tooling (the Telegram
	// notifier's /status) can read queue/task counts without touching the
	// loop-owned pending queue and active-task table directly.
	snapMu                             sync.Mutex
	snapPending, snapActive            int
	snapEmitted, snapSkipped           int
}

// Stats are cumulative counters surfaced to operational tooling (e.g. the
// Telegram notifier), mirroring the teacher's GetStats() convention.
type Stats struct {
	Emitted   int
	Skipped   int
	Cancelled int
	Duplicate int
}

// taskOutcome tells the loop goroutine how a finished task should move the
// cumulative Stats counters. Stats is owned exclusively by the goroutine
// running Run (spec.md §3's "Ownership"); task goroutines never touch it
// directly -- they report their outcome back through c.completions instead,
// same as the active-task-table bookkeeping.
type taskOutcome int

const (
	// taskOutcomeNone covers preemption (not recorded, spec.md §4.4) and a
	// propagated Rpc/Unexpected error (handled by the supervisor restart,
	// not a skip record).
	taskOutcomeNone taskOutcome = iota
	taskOutcomeEmitted
	taskOutcomeSkipped
)

type taskDone struct {
	requestID string
	identity  order.Identity
	outcome   taskOutcome
}

// New wires a Controller from its collaborators. cfg is read once at
// construction for its static fields (everything dynamic is polled through
// view on the refresh tick).
func New(
	cfg *config.Config,
	view *config.View,
	evaluator *pricing.Evaluator,
	accountant *accounting.Accountant,
	gasSource GasPriceSource,
	dedupCache *dedup.Cache,
	database Database,
	downstream chan<- *order.Order,
) *Controller {
	return &Controller{
		cfgView:            view,
		evaluator:          evaluator,
		accountant:         accountant,
		gasSource:          gasSource,
		dedupCache:         dedupCache,
		database:           database,
		downstream:         downstream,
		refreshEvery:       cfg.ConfigRefreshInterval,
		highValueThreshold: cfg.Market.HighValueThreshold,
		active:             make(map[string]map[order.Identity]context.CancelFunc),
		completions:        make(chan taskDone, 64),
		fatal:              make(chan error, 1),
	}
}

// Stats returns a snapshot of cumulative counters. Safe to call only after
// Run has returned (no concurrent access guard is needed for the
// supervisor's post-mortem logging use).
func (c *Controller) Stats() Stats { return c.stats }

// Snapshot reports pending-queue depth, active-task count, and cumulative
// emitted/skipped counters. Safe to call concurrently with Run; it
// satisfies notify.StatsProvider for the Telegram /status command.
func (c *Controller) Snapshot() (pending, active, emitted, skipped int) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snapPending, c.snapActive, c.snapEmitted, c.snapSkipped
}

// refreshSnapshot publishes the current queue/task/counter state for
// Snapshot's readers. Called once per Run loop iteration by the owning
// goroutine.
func (c *Controller) refreshSnapshot() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snapPending = len(c.pending)
	c.snapActive = c.activeCount()
	c.snapEmitted = c.stats.Emitted
	c.snapSkipped = c.stats.Skipped
}

// Run is the single cooperative event loop (spec.md §4.1's "Loop
// semantics"). It returns nil on clean cancellation, or a non-nil error for
// an unrecoverable condition (lagging state-change subscriber, an Rpc
// pricing error that outlasted its retries, or any Unexpected pricing
// error) that the caller's supervisor should treat
// as §7's "unrecoverable controller error": restart with a fresh Controller.
func (c *Controller) Run(ctx context.Context, inbound <-chan *order.Order, stateSub *statebus.Subscription) error {
	ticker := time.NewTicker(c.refreshEvery)
	defer ticker.Stop()

	log.Info().Str("component", "admission").Msg("admission controller started")

	for {
		// Cancellation and a fatal task error both terminate the loop as
		// soon as observed, ahead of any other event.
		select {
		case <-ctx.Done():
			return c.shutdown()
		case err := <-c.fatal:
			c.wg.Wait()
			return err
		default:
		}

		if !c.pollOnce(ctx, inbound, stateSub, ticker) {
			stop, err := c.blockOnce(ctx, inbound, stateSub, ticker)
			if stop {
				if err != nil {
					c.wg.Wait()
					return err
				}
				return c.shutdown()
			}
		}

		c.dispatch(ctx)
		c.refreshSnapshot()
	}
}

// pollOnce performs one round of non-blocking priority checks: inbound
// orders and state-change events before task completions before the
// refresh tick, implementing spec.md §5's "select must be biased toward
// inbound orders and state-change events". Returns true if it handled
// something.
func (c *Controller) pollOnce(ctx context.Context, inbound <-chan *order.Order, stateSub *statebus.Subscription, ticker *time.Ticker) bool {
	select {
	case o, ok := <-inbound:
		if ok {
			c.handleInbound(o)
			return true
		}
	default:
	}

	select {
	case sc := <-stateSub.Events:
		c.handleStateChange(sc)
		return true
	default:
	}

	select {
	case lag := <-stateSub.Lagged:
		select {
		case c.fatal <- lag:
		default:
		}
		return true
	default:
	}

	select {
	case done := <-c.completions:
		c.handleCompletion(done)
		return true
	default:
	}

	select {
	case <-ticker.C:
		c.handleRefresh()
		return true
	default:
	}

	return false
}

// blockOnce blocks until exactly one event is ready when pollOnce found
// nothing. Returns stop=true if the loop should exit (ctx cancelled or a
// fatal error arrived), with err set for the fatal case.
func (c *Controller) blockOnce(ctx context.Context, inbound <-chan *order.Order, stateSub *statebus.Subscription, ticker *time.Ticker) (stop bool, err error) {
	select {
	case <-ctx.Done():
		return true, nil
	case err := <-c.fatal:
		return true, err
	case o, ok := <-inbound:
		if ok {
			c.handleInbound(o)
		}
	case sc := <-stateSub.Events:
		c.handleStateChange(sc)
	case lag := <-stateSub.Lagged:
		return true, lag
	case done := <-c.completions:
		c.handleCompletion(done)
	case <-ticker.C:
		c.handleRefresh()
	}
	return false, nil
}

// handleInbound applies spec.md §4.1 step 1: insert into the pending
// queue, at the head if the order's current maximum price exceeds the
// configured high-value threshold.
func (c *Controller) handleInbound(o *order.Order) {
	o.InsertedAt = time.Now()
	headInsert := c.highValueThreshold.IsPositive() && o.PriceAt(o.InsertedAt).GreaterThan(c.highValueThreshold)

	entry := priority.Entry{Order: o, HeadInsert: headInsert, Seq: c.seq}
	c.seq++

	if headInsert {
		c.pending = append([]priority.Entry{entry}, c.pending...)
		log.Info().Str("request_id", o.Request.ID.String()).Msg("high-value order jumped the pending queue")
	} else {
		c.pending = append(c.pending, entry)
	}
}

// handleStateChange applies spec.md §4.4's preemption rules.
func (c *Controller) handleStateChange(sc statebus.StateChange) {
	log.Info().Str("component", "admission").Str("event", sc.String()).Msg("state change received")

	var persistErr error
	if sc.Kind == statebus.Locked {
		persistErr = c.database.MarkLocked(sc.RequestID, sc.Prover.Hex())
	} else {
		persistErr = c.database.MarkFulfilled(sc.RequestID)
	}
	if persistErr != nil {
		log.Error().Err(persistErr).Str("request_id", sc.RequestID).Msg("failed to persist request state")
	}

	matches := func(o *order.Order) bool {
		if o.Request.ID.String() != sc.RequestID {
			return false
		}
		if sc.Kind == statebus.Locked {
			return o.FulfillmentType == order.LockAndFulfill
		}
		return true // Fulfilled cancels every fulfillment type for the request
	}

	// Cancel active tasks.
	rid := sc.RequestID
	if byIdentity, ok := c.active[rid]; ok {
		for identity, cancel := range byIdentity {
			if sc.Kind == statebus.Locked && identity.FulfillmentType != order.LockAndFulfill {
				continue
			}
			cancel()
			delete(byIdentity, identity)
			c.stats.Cancelled++
		}
		if len(byIdentity) == 0 {
			delete(c.active, rid)
		}
	}

	// Remove matching pending orders.
	kept := c.pending[:0]
	for _, e := range c.pending {
		if matches(e.Order) {
			c.stats.Cancelled++
			continue
		}
		kept = append(kept, e)
	}
	c.pending = kept
}

// handleCompletion releases the active-task slot for a finished task
// (spec.md §4.1 step 3) and applies the stats delta the task reported,
// keeping every Stats mutation on the loop goroutine.
func (c *Controller) handleCompletion(done taskDone) {
	if byIdentity, ok := c.active[done.requestID]; ok {
		if cancel, ok := byIdentity[done.identity]; ok {
			cancel()
			delete(byIdentity, done.identity)
		}
		if len(byIdentity) == 0 {
			delete(c.active, done.requestID)
		}
	}

	switch done.outcome {
	case taskOutcomeEmitted:
		c.stats.Emitted++
	case taskOutcomeSkipped:
		c.stats.Skipped++
	}
}

// handleRefresh is the refresh tick's loop event (spec.md §4.1 step 4). It
// does no work itself: capacity and priority mode are re-read from the
// config View by dispatch, which runs after every loop event including
// this one. A capacity decrease never forcibly cancels in-flight tasks
// (spec.md §8's idempotence property).
func (c *Controller) handleRefresh() {
	// The view is polled lazily by dispatch(); this case exists purely to
	// give the refresh tick its own priority slot in the select, matching
	// spec.md §4.1 step 4 as a distinct loop event.
}

// dispatch spawns pricing tasks while capacity and pending orders allow,
// per spec.md §4.1's "After each loop iteration" rule.
func (c *Controller) dispatch(parentCtx context.Context) {
	capacity, mode := c.cfgView.Snapshot()
	now := time.Now()

	for c.activeCount() < capacity {
		idx := priority.Select(c.pending, mode, now)
		if idx < 0 {
			return
		}
		entry := c.pending[idx]
		c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
		c.spawn(parentCtx, entry.Order)
	}
}

func (c *Controller) activeCount() int {
	n := 0
	for _, byIdentity := range c.active {
		n += len(byIdentity)
	}
	return n
}

// spawn applies the dedup check and, if the order is new, launches a
// pricing task (spec.md §4.1's "Deduplication").
func (c *Controller) spawn(parentCtx context.Context, o *order.Order) {
	identity := o.Identity()
	key := identity.String()

	if c.dedupCache.CheckAndInsert(key) {
		log.Info().Str("request_id", o.Request.ID.String()).Msg("Skipping duplicate order")
		c.stats.Duplicate++
		return
	}

	taskCtx, cancel := context.WithCancel(parentCtx)
	rid := o.Request.ID.String()
	if c.active[rid] == nil {
		c.active[rid] = make(map[order.Identity]context.CancelFunc)
	}
	c.active[rid][identity] = cancel

	c.wg.Add(1)
	go c.runTask(taskCtx, parentCtx, o, identity)
}

// shutdown stops accepting new work and awaits every active task before
// returning, per spec.md §4.1 step 5 and §5's cancellation semantics.
func (c *Controller) shutdown() error {
	log.Info().Str("component", "admission").Msg("admission controller shutting down, awaiting active tasks")
	c.wg.Wait()
	log.Info().
		Str("component", "admission").
		Int("emitted", c.stats.Emitted).
		Int("skipped", c.stats.Skipped).
		Int("cancelled", c.stats.Cancelled).
		Int("duplicate", c.stats.Duplicate).
		Msg("admission controller stopped")
	return nil
}

