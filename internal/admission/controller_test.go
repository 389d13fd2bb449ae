package admission

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/broker-core/internal/accounting"
	"github.com/web3guy0/broker-core/internal/config"
	"github.com/web3guy0/broker-core/internal/db"
	"github.com/web3guy0/broker-core/internal/dedup"
	"github.com/web3guy0/broker-core/internal/order"
	"github.com/web3guy0/broker-core/internal/pricing"
	"github.com/web3guy0/broker-core/internal/prover"
	"github.com/web3guy0/broker-core/internal/statebus"
)

// fakeDB stands in for *db.Database: it satisfies pricing's
// RequestStateChecker, the admission Database capability, and accounting's
// CommittedOrderSource at once, mirroring what *db.Database provides in
// production.
type fakeDB struct {
	mu        sync.Mutex
	locked    map[string]bool
	fulfilled map[string]bool
	skipped   []*db.SkippedRequest
	committed map[string]db.CommittedOrder
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		locked:    map[string]bool{},
		fulfilled: map[string]bool{},
		committed: map[string]db.CommittedOrder{},
	}
}

func (f *fakeDB) IsRequestLocked(requestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[requestID], nil
}

func (f *fakeDB) IsRequestFulfilled(requestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fulfilled[requestID], nil
}

func (f *fakeDB) InsertSkippedRequest(rec *db.SkippedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, rec)
	return nil
}

func (f *fakeDB) MarkLocked(requestID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[requestID] = true
	return nil
}

func (f *fakeDB) MarkFulfilled(requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled[requestID] = true
	return nil
}

func (f *fakeDB) InsertCommittedOrder(rec *db.CommittedOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[rec.RequestID] = *rec
	return nil
}

func (f *fakeDB) GetCommittedOrders() ([]db.CommittedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.CommittedOrder, 0, len(f.committed))
	for _, o := range f.committed {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeDB) skipCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.skipped)
}

type fakeGasSource struct{ wei *big.Int }

func (f fakeGasSource) GasPrice(context.Context) (*big.Int, error) { return f.wei, nil }

type fakeOracle struct{ gasWei, stakeRaw *big.Int }

func (f fakeOracle) GasBalance(context.Context, common.Address) (*big.Int, error) {
	return f.gasWei, nil
}
func (f fakeOracle) StakeBalance(context.Context, common.Address) (*big.Int, error) {
	return f.stakeRaw, nil
}

// stallingProver never returns from Preflight until its context is
// cancelled, keeping a spawned task "active" so capacity and preemption
// tests don't race a fast completion.
type stallingProver struct{ prover.Mock }

func (p *stallingProver) Preflight(ctx context.Context, _, _ string, _ uint64) (prover.Result, error) {
	<-ctx.Done()
	return prover.Result{}, ctx.Err()
}

func plentyMarket() config.MarketConfig {
	return config.MarketConfig{
		McyclePrice:             decimal.NewFromFloat(0.0000001),
		McyclePriceStakeToken:   decimal.NewFromInt(1),
		MinDeadline:             60 * time.Second,
		MaxJournalBytes:         10_000,
		FulfillGasEstimate:      300_000,
		MaxConcurrentPreflights: 4,
		OrderPricingPriority:    config.PriorityFIFO,
		StakeTokenDecimals:      6,
	}
}

func testOrder(id byte) *order.Order {
	now := time.Now()
	var rid order.RequestID
	rid[31] = id
	return &order.Order{
		Request: order.Request{
			ID:            rid,
			ClientAddress: common.HexToAddress("0xclient"),
			Offer: order.Offer{
				MinPrice:     decimal.NewFromFloat(0.01),
				MaxPrice:     decimal.NewFromFloat(0.04),
				BiddingStart: now,
				LockTimeout:  900 * time.Second,
				Timeout:      1200 * time.Second,
				LockStake:    decimal.NewFromFloat(1),
			},
			Requirements: order.Requirements{Selector: "Groth16V2"},
			ImageURI:     "ipfs://image",
			InputURI:     "ipfs://input",
		},
		RequestDigest:   [32]byte{id},
		FulfillmentType: order.LockAndFulfill,
	}
}

func newTestController(t *testing.T, prv prover.Prover, market config.MarketConfig, downstream chan *order.Order) (*Controller, *fakeDB) {
	t.Helper()
	fdb := newFakeDB()
	accountant := accounting.NewAccountant(
		common.HexToAddress("0xsigner"),
		fakeOracle{gasWei: big.NewInt(1_000_000_000_000_000_000), stakeRaw: big.NewInt(1_000_000_000)},
		fdb,
		market.FulfillGasEstimate,
	)
	evaluator := pricing.NewEvaluator(market, []string{"Groth16V2"}, fdb, prv, accountant)
	cfg := &config.Config{ConfigRefreshInterval: 20 * time.Millisecond, Market: market}
	view := config.NewView(cfg)
	ctrl := New(cfg, view, evaluator, accountant, fakeGasSource{wei: big.NewInt(1)}, dedup.New(0, 0), fdb, downstream)
	return ctrl, fdb
}

func TestSpawnDedupDropsDuplicate(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	ctrl, _ := newTestController(t, prover.NewMock(), plentyMarket(), downstream)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o := testOrder(1)
	ctrl.spawn(ctx, o)
	clone := *o // identical identity: same RequestID, RequestDigest, FulfillmentType
	ctrl.spawn(ctx, &clone)

	if ctrl.stats.Duplicate != 1 {
		t.Fatalf("duplicate count = %d, want 1", ctrl.stats.Duplicate)
	}
	if ctrl.activeCount() != 1 {
		t.Fatalf("active count = %d, want 1", ctrl.activeCount())
	}
}

func TestHandleStateChangePreemptsActiveTask(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	ctrl, _ := newTestController(t, &stallingProver{}, plentyMarket(), downstream)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o := testOrder(2)
	ctrl.spawn(ctx, o)
	if ctrl.activeCount() != 1 {
		t.Fatalf("active count = %d, want 1 before preemption", ctrl.activeCount())
	}

	ctrl.handleStateChange(statebus.StateChange{
		Kind:      statebus.Locked,
		RequestID: o.Request.ID.String(),
		Prover:    common.HexToAddress("0xwinner"),
	})

	if ctrl.activeCount() != 0 {
		t.Fatalf("active count = %d, want 0 after preemption", ctrl.activeCount())
	}
	if ctrl.stats.Cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", ctrl.stats.Cancelled)
	}
}

func TestHandleStateChangeRemovesPendingOrder(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	ctrl, _ := newTestController(t, prover.NewMock(), plentyMarket(), downstream)

	o := testOrder(3)
	ctrl.handleInbound(o)
	if len(ctrl.pending) != 1 {
		t.Fatalf("pending length = %d, want 1", len(ctrl.pending))
	}

	ctrl.handleStateChange(statebus.StateChange{
		Kind:      statebus.Fulfilled,
		RequestID: o.Request.ID.String(),
	})

	if len(ctrl.pending) != 0 {
		t.Fatalf("pending length = %d, want 0 after fulfillment", len(ctrl.pending))
	}
	if ctrl.stats.Cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", ctrl.stats.Cancelled)
	}
}

func TestHandleInboundHighValueJumpsQueue(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	market := plentyMarket()
	market.HighValueThreshold = decimal.NewFromFloat(0.02)
	ctrl, _ := newTestController(t, prover.NewMock(), market, downstream)

	low := testOrder(4)
	low.Request.Offer.MaxPrice = decimal.NewFromFloat(0.01)
	ctrl.handleInbound(low)

	high := testOrder(5)
	high.Request.Offer.MaxPrice = decimal.NewFromFloat(0.05)
	ctrl.handleInbound(high)

	if len(ctrl.pending) != 2 {
		t.Fatalf("pending length = %d, want 2", len(ctrl.pending))
	}
	if ctrl.pending[0].Order != high {
		t.Fatalf("expected the high-value order to jump to the head of the queue")
	}
}

func TestDispatchRespectsCapacity(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	market := plentyMarket()
	market.MaxConcurrentPreflights = 2
	ctrl, _ := newTestController(t, &stallingProver{}, market, downstream)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i := byte(10); i < 15; i++ {
		ctrl.handleInbound(testOrder(i))
	}
	if len(ctrl.pending) != 5 {
		t.Fatalf("pending length = %d, want 5", len(ctrl.pending))
	}

	ctrl.dispatch(ctx)

	if ctrl.activeCount() != 2 {
		t.Fatalf("active count = %d, want 2 (capacity)", ctrl.activeCount())
	}
	if len(ctrl.pending) != 3 {
		t.Fatalf("pending length = %d, want 3 remaining", len(ctrl.pending))
	}
}

func TestDispatchPicksUpCapacityIncreaseOnNextCall(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	market := plentyMarket()
	market.MaxConcurrentPreflights = 1
	ctrl, _ := newTestController(t, &stallingProver{}, market, downstream)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i := byte(20); i < 23; i++ {
		ctrl.handleInbound(testOrder(i))
	}

	ctrl.dispatch(ctx)
	if ctrl.activeCount() != 1 {
		t.Fatalf("active count = %d, want 1", ctrl.activeCount())
	}

	ctrl.cfgView.Set(3, config.PriorityFIFO)
	ctrl.dispatch(ctx)
	if ctrl.activeCount() != 3 {
		t.Fatalf("active count = %d, want 3 after capacity increase", ctrl.activeCount())
	}
}

func TestRunEmitsHappyLockThenShutsDownCleanly(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	ctrl, _ := newTestController(t, prover.NewMock(), plentyMarket(), downstream)

	bus := statebus.New()
	sub := bus.Subscribe()
	inbound := make(chan *order.Order, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, inbound, sub) }()

	o := testOrder(30)
	inbound <- o

	select {
	case emitted := <-downstream:
		if emitted != o {
			t.Fatalf("unexpected order emitted downstream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on clean shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	if ctrl.Stats().Emitted != 1 {
		t.Fatalf("emitted = %d, want 1", ctrl.Stats().Emitted)
	}
}

func TestRunPropagatesFatalError(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	ctrl, _ := newTestController(t, prover.NewMock(), plentyMarket(), downstream)
	bus := statebus.New()
	sub := bus.Subscribe()
	inbound := make(chan *order.Order)

	wantErr := context.Canceled // any sentinel error works; Run just has to return it unchanged
	ctrl.fatal <- wantErr

	err := ctrl.Run(context.Background(), inbound, sub)
	if err != wantErr {
		t.Fatalf("Run err = %v, want %v", err, wantErr)
	}
}

func TestSnapshotReflectsEmittedAfterRun(t *testing.T) {
	downstream := make(chan *order.Order, 4)
	ctrl, _ := newTestController(t, prover.NewMock(), plentyMarket(), downstream)

	bus := statebus.New()
	sub := bus.Subscribe()
	inbound := make(chan *order.Order, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, inbound, sub) }()

	inbound <- testOrder(31)

	select {
	case <-downstream:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, emitted, _ := ctrl.Snapshot()
		if emitted == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot emitted never reached 1, got %d", emitted)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
