package orderstream

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/broker-core/internal/order"
)

// sampleRequestID builds a RequestID whose high 160 bits encode addr, the
// way order.RequestID.Address() derives it back out (spec.md §3's
// "client_address ... Derived from request.id").
func sampleRequestID(addr common.Address) order.RequestID {
	var rid order.RequestID
	copy(rid[:20], addr.Bytes())
	rid[30], rid[31] = 0x01, 0x02 // arbitrary per-client index bits, flag bit clear
	return rid
}

func sampleOrder() *order.Order {
	clientAddr := common.HexToAddress("0xabc0000000000000000000000000000000000a")
	return &order.Order{
		Request: order.Request{
			ID:            sampleRequestID(clientAddr),
			ClientAddress: clientAddr,
			Offer: order.Offer{
				MinPrice:     decimal.NewFromFloat(0.01),
				MaxPrice:     decimal.NewFromFloat(0.05),
				BiddingStart: time.Unix(1_800_000_000, 0),
				RampUpPeriod: 60 * time.Second,
				LockTimeout:  900 * time.Second,
				Timeout:      1200 * time.Second,
				LockStake:    decimal.NewFromFloat(1.5),
			},
			Requirements: order.Requirements{
				Selector:  "Groth16V2",
				Predicate: []byte{0xde, 0xad, 0xbe, 0xef},
				Callback: order.CallbackConfig{
					Address:  common.HexToAddress("0xdef0000000000000000000000000000000000d"),
					GasLimit: 50000,
				},
			},
			ImageURI: "https://example.test/image",
			InputURI: "https://example.test/input",
		},
		RequestDigest:   [32]byte{9, 9, 9},
		FulfillmentType: order.LockAndFulfill,
	}
}

func TestWireRoundTrip(t *testing.T) {
	o := sampleOrder()
	sig := []byte{0x01, 0x02, 0x03}

	env := toWireEnvelope(o, sig)
	got, err := env.toOrder()
	if err != nil {
		t.Fatalf("toOrder: %v", err)
	}

	if got.Request.ID != o.Request.ID {
		t.Fatalf("request id mismatch: got %v want %v", got.Request.ID, o.Request.ID)
	}
	if got.RequestDigest != o.RequestDigest {
		t.Fatalf("request digest mismatch: got %v want %v", got.RequestDigest, o.RequestDigest)
	}
	if got.FulfillmentType != o.FulfillmentType {
		t.Fatalf("fulfillment type mismatch: got %v want %v", got.FulfillmentType, o.FulfillmentType)
	}
	if !got.Request.Offer.MinPrice.Equal(o.Request.Offer.MinPrice) {
		t.Fatalf("min price mismatch: got %v want %v", got.Request.Offer.MinPrice, o.Request.Offer.MinPrice)
	}
	if !got.Request.Offer.MaxPrice.Equal(o.Request.Offer.MaxPrice) {
		t.Fatalf("max price mismatch: got %v want %v", got.Request.Offer.MaxPrice, o.Request.Offer.MaxPrice)
	}
	if !got.Request.Offer.LockStake.Equal(o.Request.Offer.LockStake) {
		t.Fatalf("lock stake mismatch: got %v want %v", got.Request.Offer.LockStake, o.Request.Offer.LockStake)
	}
	if got.Request.Offer.BiddingStart.Unix() != o.Request.Offer.BiddingStart.Unix() {
		t.Fatalf("bidding start mismatch: got %v want %v", got.Request.Offer.BiddingStart, o.Request.Offer.BiddingStart)
	}
	if got.Request.Offer.RampUpPeriod != o.Request.Offer.RampUpPeriod {
		t.Fatalf("ramp up period mismatch: got %v want %v", got.Request.Offer.RampUpPeriod, o.Request.Offer.RampUpPeriod)
	}
	if got.Request.Offer.LockTimeout != o.Request.Offer.LockTimeout {
		t.Fatalf("lock timeout mismatch: got %v want %v", got.Request.Offer.LockTimeout, o.Request.Offer.LockTimeout)
	}
	if got.Request.Offer.Timeout != o.Request.Offer.Timeout {
		t.Fatalf("timeout mismatch: got %v want %v", got.Request.Offer.Timeout, o.Request.Offer.Timeout)
	}
	if got.Request.Requirements.Selector != o.Request.Requirements.Selector {
		t.Fatalf("selector mismatch: got %v want %v", got.Request.Requirements.Selector, o.Request.Requirements.Selector)
	}
	if string(got.Request.Requirements.Predicate) != string(o.Request.Requirements.Predicate) {
		t.Fatalf("predicate mismatch: got %x want %x", got.Request.Requirements.Predicate, o.Request.Requirements.Predicate)
	}
	if got.Request.Requirements.Callback.Address != o.Request.Requirements.Callback.Address {
		t.Fatalf("callback address mismatch: got %v want %v", got.Request.Requirements.Callback.Address, o.Request.Requirements.Callback.Address)
	}
	if got.Request.Requirements.Callback.GasLimit != o.Request.Requirements.Callback.GasLimit {
		t.Fatalf("callback gas limit mismatch: got %v want %v", got.Request.Requirements.Callback.GasLimit, o.Request.Requirements.Callback.GasLimit)
	}
	if got.Request.ClientAddress != o.Request.ClientAddress {
		t.Fatalf("client address mismatch: got %v want %v", got.Request.ClientAddress, o.Request.ClientAddress)
	}
	if got.Request.ImageURI != o.Request.ImageURI || got.Request.InputURI != o.Request.InputURI {
		t.Fatalf("image/input uri mismatch")
	}
	if env.Order.Signature != "0x"+"010203" {
		t.Fatalf("signature encoding mismatch: got %s", env.Order.Signature)
	}
}

func TestToOrderRejectsMalformedRequestID(t *testing.T) {
	env := toWireEnvelope(sampleOrder(), nil)
	env.Order.Request.ID = "not-hex"
	if _, err := env.toOrder(); err == nil {
		t.Fatal("expected an error decoding a malformed request id")
	}
}

func TestToOrderRejectsWrongLengthDigest(t *testing.T) {
	env := toWireEnvelope(sampleOrder(), nil)
	env.Order.RequestDigest = "0xdead"
	if _, err := env.toOrder(); err == nil {
		t.Fatal("expected an error decoding a short request digest")
	}
}

func TestTrimHexPrefix(t *testing.T) {
	cases := map[string]string{
		"0xabcd": "abcd",
		"0Xabcd": "abcd",
		"abcd":   "abcd",
		"":       "",
	}
	for in, want := range cases {
		if got := trimHexPrefix(in); got != want {
			t.Fatalf("trimHexPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
