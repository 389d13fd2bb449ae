package orderstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
)

func TestHTTPBaseFromWS(t *testing.T) {
	cases := map[string]string{
		"wss://relay.example/ws/v1/orders?x=1": "https://relay.example",
		"ws://relay.example/ws/v1/orders":      "http://relay.example",
	}
	for in, want := range cases {
		got, err := httpBaseFromWS(in)
		if err != nil {
			t.Fatalf("httpBaseFromWS(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("httpBaseFromWS(%q) = %q, want %q", in, got, want)
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newTestRelay spins an httptest server implementing just enough of the
// nonce/ws surface to exercise the auth handshake and a single pushed order.
func newTestRelay(t *testing.T, pushed wireOrder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/nonce/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			Nonce string `json:"nonce"`
		}{Nonce: "test-nonce"})
	})
	mux.HandleFunc("/ws/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Data") == "" {
			http.Error(w, "missing auth", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		env := wireEnvelope{ID: 1, Order: pushed, CreatedAt: time.Now()}
		body, _ := json.Marshal(env)
		conn.WriteMessage(websocket.TextMessage, body)

		conn.SetPingHandler(func(appData string) error {
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/api/v1/submit_order", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			ID int64 `json:"id"`
		}{ID: 7})
	})
	mux.HandleFunc("/api/v1/orders/9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireEnvelope{ID: 9, Order: pushed, CreatedAt: time.Now()})
	})
	return httptest.NewServer(mux)
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/orders"
	c, err := New(Config{
		StreamURL:    wsURL,
		PingInterval: 50 * time.Millisecond,
		Signer:       key,
		SignerAddr:   crypto.PubkeyToAddress(key.PublicKey),
		Domain:       "relay.example",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClientReceivesPushedOrderOverWebsocket(t *testing.T) {
	env := toWireEnvelope(sampleOrder(), []byte{1, 2, 3})
	srv := newTestRelay(t, env.Order)
	defer srv.Close()

	c := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case got := <-c.Orders():
		if got.Request.Requirements.Selector != "Groth16V2" {
			t.Fatalf("unexpected selector: %s", got.Request.Requirements.Selector)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pushed order")
	}

	cancel()
	<-done
}

func TestClientSubmitAndFetchOrder(t *testing.T) {
	env := toWireEnvelope(sampleOrder(), []byte{1, 2, 3})
	srv := newTestRelay(t, env.Order)
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()

	id, err := c.SubmitOrder(ctx, sampleOrder(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if id != 7 {
		t.Fatalf("SubmitOrder id = %d, want 7", id)
	}

	got, err := c.FetchOrder(ctx, 9)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.Request.Requirements.Selector != "Groth16V2" {
		t.Fatalf("unexpected selector: %s", got.Request.Requirements.Selector)
	}
}

func TestInstallPingPongDetectsMismatchedPong(t *testing.T) {
	c := &Client{}
	c.lastPing = "expected-payload"

	dummy := &websocket.Conn{}
	c.installPingPong(dummy)

	pongHandler := dummy.PongHandler()
	if err := pongHandler("wrong-payload"); err == nil {
		t.Fatal("expected an error for a mismatched pong payload")
	}
	if err := pongHandler("expected-payload"); err != nil {
		t.Fatalf("expected no error for a matching pong payload, got %v", err)
	}
}
