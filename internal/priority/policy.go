// Package priority implements the pending-queue selection policy the
// admission controller uses to pick its next order (spec.md §4.3).
package priority

import (
	"time"

	"github.com/web3guy0/broker-core/internal/config"
	"github.com/web3guy0/broker-core/internal/order"
)

// Entry is one pending order plus the insertion bookkeeping the policy
// needs for tie-breaking and the high-value fast path.
type Entry struct {
	Order      *order.Order
	HeadInsert bool // true if this order jumped the queue on arrival
	Seq        uint64
}

// Select returns the index into pending of the next order to dequeue
// according to mode, or -1 if pending is empty. Ties are broken by
// insertion order (lower Seq wins); entries inserted at the head always
// win over tail entries regardless of mode (spec.md §4.3).
func Select(pending []Entry, mode config.PricingPriority, now time.Time) int {
	if len(pending) == 0 {
		return -1
	}

	best := -1
	for i, e := range pending {
		if best == -1 {
			best = i
			continue
		}
		if better(e, pending[best], mode, now) {
			best = i
		}
	}
	return best
}

// better reports whether candidate should be selected over current.
func better(candidate, current Entry, mode config.PricingPriority, now time.Time) bool {
	if candidate.HeadInsert != current.HeadInsert {
		return candidate.HeadInsert
	}

	switch mode {
	case config.PriorityShortestExpiryFirst:
		ce := expiration(candidate.Order)
		cu := expiration(current.Order)
		if !ce.Equal(cu) {
			return ce.Before(cu)
		}
	case config.PriorityHighestPriceFirst:
		cp := candidate.Order.PriceAt(now)
		up := current.Order.PriceAt(now)
		if !cp.Equal(up) {
			return cp.GreaterThan(up)
		}
	case config.PriorityFIFO:
		// fall through to sequence tie-break below
	}

	return candidate.Seq < current.Seq
}

func expiration(o *order.Order) time.Time {
	if o.FulfillmentType == order.FulfillAfterLockExpire {
		return o.OrderExpiration()
	}
	return o.LockExpiration()
}
