// Package order defines the broker's view of a proof-marketplace order: the
// signed request plus the fulfillment intent the admission controller and
// pricing evaluator reason about. Signature verification itself is the
// submission boundary's job (spec.md §1); this package only carries the
// attributes the core actually consumes.
package order

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// FulfillmentType tags the broker's declared intent for an order.
type FulfillmentType string

const (
	// LockAndFulfill races to lock the request on-chain before proving it.
	LockAndFulfill FulfillmentType = "LockAndFulfill"
	// FulfillAfterLockExpire waits for another prover's lock to expire and
	// claims the slashed-stake share instead of the listed reward.
	FulfillAfterLockExpire FulfillmentType = "FulfillAfterLockExpire"
)

// RequestID is the 256-bit request identifier: the high 160 bits are the
// requesting client's address, and the low bits encode a per-client index
// and a smart-contract-signature flag (spec.md §3's "Derived from
// request.id" data model).
type RequestID [32]byte

func (id RequestID) String() string {
	return fmt.Sprintf("0x%x", [32]byte(id))
}

// Address recovers the client address embedded in the id's high 160 bits.
// This, not any wire-supplied field, is the authoritative client_address
// (spec.md §3) since the id is the part a request's signature commits to.
func (id RequestID) Address() common.Address {
	return common.BytesToAddress(id[:20])
}

// IsSmartContractSigned reports the request-id flag bit that marks a
// request as having been signed by a smart-contract wallet (ERC-1271)
// rather than an EOA.
func (id RequestID) IsSmartContractSigned() bool {
	return id[31]&0x01 != 0
}

// Offer carries the reward ramp-up and lifetime parameters of a request.
type Offer struct {
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	BiddingStart  time.Time
	RampUpPeriod  time.Duration
	LockTimeout   time.Duration
	Timeout       time.Duration
	LockStake     decimal.Decimal
}

// Requirements carries the proof-format selector and pass-through fields
// the prover needs; the core only inspects Selector.
type Requirements struct {
	Selector  string
	Predicate []byte
	Callback  CallbackConfig
}

// CallbackConfig is passed through to gas estimation and to the prover; the
// core treats it as opaque beyond its gas limit.
type CallbackConfig struct {
	Address  common.Address
	GasLimit uint64
}

// Request is the signed proof-request proper.
type Request struct {
	ID RequestID
	// ClientAddress is derived from ID (RequestID.Address), not taken from
	// any wire-supplied field (spec.md §3).
	ClientAddress  common.Address
	Offer          Offer
	Requirements   Requirements
	ImageURI       string
	InputURI       string
}

// Order bundles a request, its digest, and the broker's fulfillment intent.
type Order struct {
	Request        Request
	RequestDigest  [32]byte
	FulfillmentType FulfillmentType

	// TotalCycles, TargetTimestamp and ExpireTimestamp are copied from the
	// pricing outcome when the admission controller emits the order
	// downstream. ImageID and InputID are not set anywhere in this core and
	// stay empty.
	TotalCycles      uint64
	TargetTimestamp  time.Time
	ExpireTimestamp  time.Time
	ImageID          string
	InputID          string

	// InsertedAt records when the admission controller put the order on its
	// pending queue; the high-value check prices the order at this instant.
	// Queue tie-breaking uses priority.Entry.Seq, not this field.
	InsertedAt time.Time
}

// Identity is the dedup key: two orders are identical iff their request id,
// request digest, and fulfillment type all match (spec.md §3).
type Identity struct {
	RequestID       RequestID
	RequestDigest   [32]byte
	FulfillmentType FulfillmentType
}

func (o *Order) Identity() Identity {
	return Identity{
		RequestID:       o.Request.ID,
		RequestDigest:   o.RequestDigest,
		FulfillmentType: o.FulfillmentType,
	}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/0x%x/%s", id.RequestID, id.RequestDigest, id.FulfillmentType)
}

// LockExpiration is bidding_start + lock_timeout (spec.md §3).
func (o *Order) LockExpiration() time.Time {
	return o.Request.Offer.BiddingStart.Add(o.Request.Offer.LockTimeout)
}

// OrderExpiration is bidding_start + timeout (spec.md §3).
func (o *Order) OrderExpiration() time.Time {
	return o.Request.Offer.BiddingStart.Add(o.Request.Offer.Timeout)
}

// EffectiveWindow returns the window the order must be priced/fulfilled
// within, and the stake that would be locked for it, per the fulfillment
// type (spec.md §3's "Derived lifetimes").
func (o *Order) EffectiveWindow(now time.Time) (start, expiration time.Time, lockinStake decimal.Decimal) {
	if o.FulfillmentType == FulfillAfterLockExpire {
		return o.LockExpiration(), o.OrderExpiration(), decimal.Zero
	}
	return now, o.LockExpiration(), o.Request.Offer.LockStake
}

// PriceAt returns the current reward given linear ramp-up between
// bidding_start and bidding_start+ramp_up_period (spec.md §3).
func (o *Order) PriceAt(now time.Time) decimal.Decimal {
	offer := o.Request.Offer
	if now.Before(offer.BiddingStart) {
		return offer.MinPrice
	}
	elapsed := now.Sub(offer.BiddingStart)
	if offer.RampUpPeriod <= 0 || elapsed >= offer.RampUpPeriod {
		return offer.MaxPrice
	}
	span := offer.MaxPrice.Sub(offer.MinPrice)
	frac := decimal.NewFromFloat(elapsed.Seconds()).Div(decimal.NewFromFloat(offer.RampUpPeriod.Seconds()))
	return offer.MinPrice.Add(span.Mul(frac))
}
