// Package orderstream is the broker's inbound order-stream client: a
// reconnecting WebSocket feed from the order-relay authenticated via a SIWE
// (EIP-4361) signed nonce, plus the relay's HTTPS submit/fetch endpoints
// (spec.md §6's "Inbound order stream"). It is grounded on the teacher's
// internal/polymarket/ws_client.go for the dial/reconnect/ping-pong shape
// and internal/arbitrage/eip712.go for ECDSA signing via go-ethereum.
package orderstream

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/broker-core/internal/order"
)

const (
	writeWait      = 10 * time.Second
	reconnectDelay = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	StreamURL    string // wss://.../ws/v1/orders
	PingInterval time.Duration
	Signer       *ecdsa.PrivateKey
	SignerAddr   common.Address
	Domain       string // SIWE message's domain field
}

// Client is a reconnecting WebSocket feed of inbound orders plus the
// relay's HTTPS submit/fetch endpoints.
type Client struct {
	cfg        Config
	httpBase   string
	httpClient *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	pingMu   sync.Mutex
	lastPing string

	out chan *order.Order
}

// New creates a Client against cfg. Call Run to start the feed.
func New(cfg Config) (*Client, error) {
	base, err := httpBaseFromWS(cfg.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("derive http base from stream url: %w", err)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpBase:   base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		out:        make(chan *order.Order, 256),
	}, nil
}

// Orders returns the channel of successfully decoded inbound orders, meant
// to be wired directly into the admission controller's inbound channel.
func (c *Client) Orders() <-chan *order.Order { return c.out }

// Run connects and serves the feed until ctx is cancelled, reconnecting
// with a fixed backoff on any auth/read error, mirroring the teacher's
// handleDisconnect loop but bounded by ctx instead of retrying forever.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.connect(ctx); err != nil {
			log.Warn().Err(err).Str("component", "orderstream").Msg("connect failed, retrying")
		} else {
			c.readLoop(ctx)
		}
		c.disconnect()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	header, err := c.authHeader(ctx)
	if err != nil {
		return fmt.Errorf("build auth header: %w", err)
	}

	log.Info().Str("component", "orderstream").Str("url", c.cfg.StreamURL).Msg("connecting to order stream")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.StreamURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.installPingPong(conn)
	go c.pingLoop(ctx, conn)

	log.Info().Str("component", "orderstream").Msg("connected to order stream")
	return nil
}

// installPingPong answers server Ping frames with a matching Pong, and
// validates that Pongs received for our own Pings echo the payload we sent
// -- a mismatch terminates the connection (spec.md §6).
func (c *Client) installPingPong(conn *websocket.Conn) {
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(appData string) error {
		c.pingMu.Lock()
		want := c.lastPing
		c.pingMu.Unlock()
		if want != "" && appData != want {
			return fmt.Errorf("pong payload mismatch: got %q want %q", appData, want)
		}
		return nil
	})
}

// pingLoop emits a Ping with a fresh payload every PingInterval, per
// spec.md §6's "must itself emit a Ping every 10s". It exits once conn is
// superseded by a reconnect or the read loop tears it down.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}

			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			c.pingMu.Lock()
			c.lastPing = payload
			c.pingMu.Unlock()

			if err := conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("component", "orderstream").Msg("ping write failed")
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	// ReadMessage does not watch ctx, so closing the connection on
	// cancellation is what unblocks a pending read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("component", "orderstream").Msg("order stream read error")
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("component", "orderstream").Msg("malformed order envelope")
			continue
		}
		o, err := env.toOrder()
		if err != nil {
			log.Warn().Err(err).Int64("id", env.ID).Str("component", "orderstream").Msg("failed to decode order")
			continue
		}

		select {
		case c.out <- o:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.connected = false
}

// IsConnected reports the current connection status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// authHeader fetches a fresh nonce and returns the X-Auth-Data header
// carrying the signed SIWE message (spec.md §6).
func (c *Client) authHeader(ctx context.Context) (http.Header, error) {
	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return nil, err
	}

	addr := c.cfg.SignerAddr.Hex()
	msg := buildSIWEMessage(c.cfg.Domain, addr, c.cfg.StreamURL, nonce, 1, time.Now())
	sig, err := signPersonalMessage(msg, c.cfg.Signer)
	if err != nil {
		return nil, err
	}

	authData, err := json.Marshal(struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}{Message: msg, Signature: "0x" + hex.EncodeToString(sig)})
	if err != nil {
		return nil, fmt.Errorf("marshal auth data: %w", err)
	}

	header := http.Header{}
	header.Set("X-Auth-Data", string(authData))
	return header, nil
}

func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/api/v1/nonce/%s", c.httpBase, c.cfg.SignerAddr.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch nonce: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode nonce response: %w", err)
	}
	return body.Nonce, nil
}

// SubmitOrder posts a wire-encoded order to the relay's submit endpoint,
// returning the id the relay assigned it (spec.md §6's
// "/api/v1/submit_order").
func (c *Client) SubmitOrder(ctx context.Context, o *order.Order, signature []byte) (int64, error) {
	env := toWireEnvelope(o, signature)
	body, err := json.Marshal(env.Order)
	if err != nil {
		return 0, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+"/api/v1/submit_order", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("submit order: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode submit response: %w", err)
	}
	return result.ID, nil
}

// FetchOrder retrieves a single order by relay-assigned id (spec.md §6's
// "/api/v1/orders/{id}").
func (c *Client) FetchOrder(ctx context.Context, id int64) (*order.Order, error) {
	u := fmt.Sprintf("%s/api/v1/orders/%d", c.httpBase, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch order: unexpected status %d", resp.StatusCode)
	}

	var env wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return env.toOrder()
}

func httpBaseFromWS(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
