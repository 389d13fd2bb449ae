package priority

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/broker-core/internal/config"
	"github.com/web3guy0/broker-core/internal/order"
)

func entry(seq uint64, headInsert bool, lockTimeout time.Duration, maxPrice float64, biddingStart time.Time) Entry {
	return Entry{
		Order: &order.Order{
			Request: order.Request{
				Offer: order.Offer{
					MinPrice:     decimal.NewFromFloat(maxPrice),
					MaxPrice:     decimal.NewFromFloat(maxPrice),
					BiddingStart: biddingStart,
					LockTimeout:  lockTimeout,
					Timeout:      lockTimeout + time.Hour,
				},
			},
			FulfillmentType: order.LockAndFulfill,
		},
		HeadInsert: headInsert,
		Seq:        seq,
	}
}

func TestSelectFIFOPicksEarliestSeq(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pending := []Entry{
		entry(3, false, time.Hour, 1, now),
		entry(1, false, time.Hour, 1, now),
		entry(2, false, time.Hour, 1, now),
	}
	idx := Select(pending, config.PriorityFIFO, now)
	if pending[idx].Seq != 1 {
		t.Fatalf("expected seq 1, got %d", pending[idx].Seq)
	}
}

func TestSelectShortestExpiryFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pending := []Entry{
		entry(1, false, 2*time.Hour, 1, now),
		entry(2, false, 30*time.Minute, 1, now),
		entry(3, false, time.Hour, 1, now),
	}
	idx := Select(pending, config.PriorityShortestExpiryFirst, now)
	if pending[idx].Seq != 2 {
		t.Fatalf("expected seq 2 (shortest expiry), got %d", pending[idx].Seq)
	}
}

func TestSelectHighestPriceFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pending := []Entry{
		entry(1, false, time.Hour, 0.01, now),
		entry(2, false, time.Hour, 0.5, now),
		entry(3, false, time.Hour, 0.2, now),
	}
	idx := Select(pending, config.PriorityHighestPriceFirst, now)
	if pending[idx].Seq != 2 {
		t.Fatalf("expected seq 2 (highest price), got %d", pending[idx].Seq)
	}
}

func TestHeadInsertedOrderAlwaysWins(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pending := []Entry{
		entry(1, false, 30*time.Minute, 5, now), // would win under ShortestExpiryFirst
		entry(2, true, 10*time.Hour, 0.01, now), // head-inserted high-value order
	}
	idx := Select(pending, config.PriorityShortestExpiryFirst, now)
	if pending[idx].Seq != 2 {
		t.Fatalf("expected head-inserted order to win regardless of mode, got seq %d", pending[idx].Seq)
	}
}

func TestSelectEmptyPendingReturnsNegativeOne(t *testing.T) {
	if idx := Select(nil, config.PriorityFIFO, time.Now()); idx != -1 {
		t.Fatalf("expected -1 for empty pending, got %d", idx)
	}
}
