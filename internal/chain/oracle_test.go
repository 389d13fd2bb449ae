package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func fakeRPC(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, ok := responses[req.Method]
		if !ok {
			t.Fatalf("unexpected method %s", req.Method)
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: result})
	}))
}

func TestGasBalance(t *testing.T) {
	srv := fakeRPC(t, map[string]string{"eth_getBalance": "0xde0b6b3a7640000"}) // 1e18
	defer srv.Close()

	o := NewOracle(srv.URL, common.Address{})
	balance, err := o.GasBalance(context.Background(), common.HexToAddress("0x1"))
	if err != nil {
		t.Fatalf("GasBalance: %v", err)
	}
	if WeiToDecimal(balance).String() != "1" {
		t.Fatalf("got %s, want 1", WeiToDecimal(balance).String())
	}
}

func TestGasPrice(t *testing.T) {
	srv := fakeRPC(t, map[string]string{"eth_gasPrice": "0x3b9aca00"}) // 1 gwei
	defer srv.Close()

	o := NewOracle(srv.URL, common.Address{})
	price, err := o.GasPrice(context.Background())
	if err != nil {
		t.Fatalf("GasPrice: %v", err)
	}
	if price.Int64() != 1_000_000_000 {
		t.Fatalf("got %d, want 1e9", price.Int64())
	}
}

func TestStakeBalance(t *testing.T) {
	srv := fakeRPC(t, map[string]string{"eth_call": "0x0000000000000000000000000000000000000000000000000000000000000064"}) // 100
	defer srv.Close()

	o := NewOracle(srv.URL, common.HexToAddress("0xabc"))
	balance, err := o.StakeBalance(context.Background(), common.HexToAddress("0x1"))
	if err != nil {
		t.Fatalf("StakeBalance: %v", err)
	}
	if balance.Int64() != 100 {
		t.Fatalf("got %d, want 100", balance.Int64())
	}
}
