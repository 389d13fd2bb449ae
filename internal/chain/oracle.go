// Package chain provides the broker's two live-environment readings: the
// spendable balance of the signing account (gas token and stake token) and
// the current estimated gas price. Both are best-effort, not strongly
// consistent (spec.md §2.1-2.2), and are read fresh on every call — no
// local cache beyond a single evaluation (spec.md §4.5).
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ERC-20 balanceOf(address) selector, same raw-call style the chainlink
// price-feed client uses for latestAnswer/decimals.
const balanceOfSelector = "70a08231"

// Oracle reads balances and gas price from a JSON-RPC endpoint via bare
// eth_call / eth_getBalance / eth_gasPrice requests, the same
// http.Client + json.Marshal round trip the teacher's chainlink client uses
// for its price-feed polling instead of pulling in a full contract binding.
type Oracle struct {
	rpcURL        string
	stakeTokenAddr common.Address
	httpClient    *http.Client
}

// NewOracle creates an Oracle against rpcURL, reading stake-token balances
// from the ERC-20 contract at stakeTokenAddr.
func NewOracle(rpcURL string, stakeTokenAddr common.Address) *Oracle {
	return &Oracle{
		rpcURL:         rpcURL,
		stakeTokenAddr: stakeTokenAddr,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *Oracle) call(ctx context.Context, method string, params []interface{}) (string, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return "", fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.rpcURL, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode rpc response for %s: %w", method, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("rpc error for %s: %s", method, parsed.Error.Message)
	}
	return parsed.Result, nil
}

// GasBalance returns the native gas-token balance of signer.
func (o *Oracle) GasBalance(ctx context.Context, signer common.Address) (*big.Int, error) {
	result, err := o.call(ctx, "eth_getBalance", []interface{}{signer.Hex(), "latest"})
	if err != nil {
		return nil, fmt.Errorf("read gas balance: %w", err)
	}
	return hexutil.DecodeBig(result)
}

// StakeBalance returns signer's balance of the stake token by raw-calling
// balanceOf(signer) on the configured ERC-20 contract.
func (o *Oracle) StakeBalance(ctx context.Context, signer common.Address) (*big.Int, error) {
	// Calldata: 4-byte selector + 32-byte left-padded address.
	calldata := "0x" + balanceOfSelector + hexutil.Encode(common.LeftPadBytes(signer.Bytes(), 32))[2:]

	result, err := o.call(ctx, "eth_call", []interface{}{
		map[string]string{
			"to":   o.stakeTokenAddr.Hex(),
			"data": calldata,
		},
		"latest",
	})
	if err != nil {
		return nil, fmt.Errorf("read stake balance: %w", err)
	}
	// eth_call returns ABI-encoded data (a zero-padded 32-byte word), not an
	// RPC quantity, so it is decoded as bytes rather than with DecodeBig.
	data, err := hexutil.Decode(result)
	if err != nil {
		return nil, fmt.Errorf("decode stake balance: %w", err)
	}
	return new(big.Int).SetBytes(data), nil
}

// GasPrice returns the chain's current estimated gas price.
func (o *Oracle) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := o.call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, fmt.Errorf("read gas price: %w", err)
	}
	return hexutil.DecodeBig(result)
}

// WeiToDecimal converts a wei-denominated *big.Int (18 decimals, the gas
// token's convention) to a decimal.Decimal, the same shift the teacher
// uses when converting on-chain amounts for display/accounting with
// shopspring/decimal.
func WeiToDecimal(wei *big.Int) decimal.Decimal {
	return TokenToDecimal(wei, 18)
}

// TokenToDecimal converts a raw on-chain integer amount to a
// decimal.Decimal of whole tokens using decimals, the token's own
// precision. The stake token need not use 18 decimals like the gas
// token, so stake-token amounts are converted here with their own
// decimals rather than with WeiToDecimal.
func TokenToDecimal(raw *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// LogBalances emits a single structured debug line for a raw gas/stake
// balance pair, the way the teacher's clients log every poll.
func LogBalances(component string, gas, stake *big.Int, stakeDecimals uint8) {
	log.Debug().
		Str("component", component).
		Str("gas_balance", WeiToDecimal(gas).String()).
		Str("stake_balance", TokenToDecimal(stake, stakeDecimals).String()).
		Msg("read on-chain balances")
}
