package orderstream

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/broker-core/internal/order"
)

// wireEnvelope is the relay's JSON shape for a single order: {id, order:
// {request, request_digest, signature}, created_at} (spec.md §6). The
// fulfillment_type tag rides alongside the signed request, since spec.md §3
// bundles it with every Order the core consumes.
type wireEnvelope struct {
	ID        int64     `json:"id"`
	Order     wireOrder `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

type wireOrder struct {
	Request         wireRequest `json:"request"`
	RequestDigest   string      `json:"request_digest"`
	Signature       string      `json:"signature"`
	FulfillmentType string      `json:"fulfillment_type"`
}

type wireRequest struct {
	ID            string           `json:"id"`
	ClientAddress string           `json:"client_address"`
	Offer         wireOffer        `json:"offer"`
	Requirements  wireRequirements `json:"requirements"`
	ImageURI      string           `json:"image_uri"`
	InputURI      string           `json:"input_uri"`
}

type wireOffer struct {
	MinPrice     string `json:"min_price"`
	MaxPrice     string `json:"max_price"`
	BiddingStart int64  `json:"bidding_start"`
	RampUpPeriod int64  `json:"ramp_up_period"`
	LockTimeout  int64  `json:"lock_timeout"`
	Timeout      int64  `json:"timeout"`
	LockStake    string `json:"lock_stake"`
}

type wireRequirements struct {
	Selector  string       `json:"selector"`
	Predicate string       `json:"predicate"`
	Callback  wireCallback `json:"callback"`
}

type wireCallback struct {
	Address  string `json:"address"`
	GasLimit uint64 `json:"gas_limit"`
}

// toOrder translates the wire envelope into the core's domain type. A
// malformed envelope is reported as an error the caller logs and skips
// rather than something that should crash the feed.
func (e wireEnvelope) toOrder() (*order.Order, error) {
	ridBytes, err := decodeHex32(e.Order.Request.ID)
	if err != nil {
		return nil, fmt.Errorf("decode request id: %w", err)
	}
	digestBytes, err := decodeHex32(e.Order.RequestDigest)
	if err != nil {
		return nil, fmt.Errorf("decode request digest: %w", err)
	}

	minPrice, err := decimal.NewFromString(e.Order.Request.Offer.MinPrice)
	if err != nil {
		return nil, fmt.Errorf("decode min_price: %w", err)
	}
	maxPrice, err := decimal.NewFromString(e.Order.Request.Offer.MaxPrice)
	if err != nil {
		return nil, fmt.Errorf("decode max_price: %w", err)
	}
	lockStake, err := decimal.NewFromString(e.Order.Request.Offer.LockStake)
	if err != nil {
		return nil, fmt.Errorf("decode lock_stake: %w", err)
	}

	predicate, err := hex.DecodeString(trimHexPrefix(e.Order.Request.Requirements.Predicate))
	if err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}

	rid := order.RequestID(ridBytes)
	return &order.Order{
		Request: order.Request{
			ID: rid,
			// Derived from the id, not trusted from the wire's separate
			// client_address field, which an untrusted relay could shape
			// independently of who actually signed the request.
			ClientAddress: rid.Address(),
			Offer: order.Offer{
				MinPrice:     minPrice,
				MaxPrice:     maxPrice,
				BiddingStart: time.Unix(e.Order.Request.Offer.BiddingStart, 0),
				RampUpPeriod: time.Duration(e.Order.Request.Offer.RampUpPeriod) * time.Second,
				LockTimeout:  time.Duration(e.Order.Request.Offer.LockTimeout) * time.Second,
				Timeout:      time.Duration(e.Order.Request.Offer.Timeout) * time.Second,
				LockStake:    lockStake,
			},
			Requirements: order.Requirements{
				Selector:  e.Order.Request.Requirements.Selector,
				Predicate: predicate,
				Callback: order.CallbackConfig{
					Address:  common.HexToAddress(e.Order.Request.Requirements.Callback.Address),
					GasLimit: e.Order.Request.Requirements.Callback.GasLimit,
				},
			},
			ImageURI: e.Order.Request.ImageURI,
			InputURI: e.Order.Request.InputURI,
		},
		RequestDigest:   digestBytes,
		FulfillmentType: order.FulfillmentType(e.Order.FulfillmentType),
	}, nil
}

// toWireEnvelope is the reverse of toOrder, used by Client.SubmitOrder.
func toWireEnvelope(o *order.Order, signature []byte) wireEnvelope {
	return wireEnvelope{
		Order: wireOrder{
			Request: wireRequest{
				ID:            "0x" + hex.EncodeToString(o.Request.ID[:]),
				ClientAddress: o.Request.ClientAddress.Hex(),
				Offer: wireOffer{
					MinPrice:     o.Request.Offer.MinPrice.String(),
					MaxPrice:     o.Request.Offer.MaxPrice.String(),
					BiddingStart: o.Request.Offer.BiddingStart.Unix(),
					RampUpPeriod: int64(o.Request.Offer.RampUpPeriod / time.Second),
					LockTimeout:  int64(o.Request.Offer.LockTimeout / time.Second),
					Timeout:      int64(o.Request.Offer.Timeout / time.Second),
					LockStake:    o.Request.Offer.LockStake.String(),
				},
				Requirements: wireRequirements{
					Selector:  o.Request.Requirements.Selector,
					Predicate: "0x" + hex.EncodeToString(o.Request.Requirements.Predicate),
					Callback: wireCallback{
						Address:  o.Request.Requirements.Callback.Address.Hex(),
						GasLimit: o.Request.Requirements.Callback.GasLimit,
					},
				},
				ImageURI: o.Request.ImageURI,
				InputURI: o.Request.InputURI,
			},
			RequestDigest:   "0x" + hex.EncodeToString(o.RequestDigest[:]),
			Signature:       "0x" + hex.EncodeToString(signature),
			FulfillmentType: string(o.FulfillmentType),
		},
		CreatedAt: time.Now(),
	}
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
