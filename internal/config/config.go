// Package config loads the broker's admission and pricing configuration from
// the environment, with the same typed-default style the rest of the stack
// uses for its own settings.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// PricingPriority selects how the pending queue picks its next order.
type PricingPriority string

const (
	PriorityFIFO                PricingPriority = "fifo"
	PriorityShortestExpiryFirst PricingPriority = "shortest_expiry_first"
	PriorityHighestPriceFirst   PricingPriority = "highest_price_first"
)

// MarketConfig holds the pricing/feasibility knobs from spec.md §6.
type MarketConfig struct {
	McyclePrice             decimal.Decimal
	McyclePriceStakeToken    decimal.Decimal
	MaxMcycleLimit           uint64 // 0 means unconfigured (no cap)
	PeakProveKhz             uint64 // 0 means unconfigured
	MinDeadline              time.Duration
	MaxJournalBytes          uint64
	MaxStake                 decimal.Decimal
	FulfillGasEstimate       uint64
	AllowClientAddresses     map[common.Address]struct{} // nil means no allow-list
	DenyRequestorAddresses   map[common.Address]struct{} // nil means no deny-list
	PriorityRequestorAddrs   map[common.Address]struct{}
	MaxConcurrentPreflights  int
	OrderPricingPriority     PricingPriority
	FastLockEnabled          bool
	StakeTokenDecimals       uint8
	SupportedSelectors       []string

	// HighValueThreshold is the current-price-at-now cutoff above which an
	// incoming order jumps the pending queue (spec.md §4.1's "high-value
	// threshold").
	HighValueThreshold decimal.Decimal
}

// Config is the broker's full runtime configuration.
type Config struct {
	Debug bool

	OrderStreamURL     string
	OrderStreamPingMS  int

	RPCURL            string
	StakeTokenAddress common.Address

	DatabasePath string

	SignerAddress common.Address
	// SignerKey signs the SIWE order-stream auth handshake (spec.md §6).
	SignerKey *ecdsa.PrivateKey

	OrderStreamDomain string

	TelegramToken  string
	TelegramChatID int64

	Market MarketConfig

	// ConfigRefreshInterval is the period of the admission controller's
	// refresh tick (spec.md §4.1, §5). The controller reads capacity and
	// priority mode from View, not from Market, after every loop event; the
	// tick guarantees such an event at least this often.
	ConfigRefreshInterval time.Duration
}

// View is a read-mostly, mutex-protected snapshot of the fields the
// admission controller polls on its refresh tick: capacity and priority
// mode. Everything else in Config is immutable after Load.
type View struct {
	mu       sync.RWMutex
	capacity int
	priority PricingPriority
}

// NewView seeds a View from the initial config.
func NewView(cfg *Config) *View {
	return &View{
		capacity: cfg.Market.MaxConcurrentPreflights,
		priority: cfg.Market.OrderPricingPriority,
	}
}

// Snapshot returns the current capacity and priority mode.
func (v *View) Snapshot() (int, PricingPriority) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.capacity, v.priority
}

// Set updates the live capacity and priority mode, e.g. from a reload.
func (v *View) Set(capacity int, priority PricingPriority) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.capacity = capacity
	v.priority = priority
}

// Load builds a Config from the environment. A missing ORDER_STREAM_URL or
// SIGNER_ADDRESS is a hard error since neither has a safe default.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:             getEnvBool("DEBUG", false),
		OrderStreamURL:    getEnv("ORDER_STREAM_URL", ""),
		OrderStreamPingMS: getEnvInt("ORDER_STREAM_CLIENT_PING_MS", 10_000),
		OrderStreamDomain: getEnv("ORDER_STREAM_DOMAIN", "broker.local"),
		RPCURL:            getEnv("RPC_URL", ""),
		DatabasePath:      getEnv("DATABASE_PATH", "data/broker.db"),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),

		ConfigRefreshInterval: getEnvDuration("CONFIG_REFRESH_INTERVAL", 5*time.Second),

		Market: MarketConfig{
			McyclePrice:             getEnvDecimal("MCYCLE_PRICE", decimal.NewFromFloat(0.0000001)),
			McyclePriceStakeToken:   getEnvDecimal("MCYCLE_PRICE_STAKE_TOKEN", decimal.NewFromFloat(1)),
			MaxMcycleLimit:          uint64(getEnvInt("MAX_MCYCLE_LIMIT", 0)),
			PeakProveKhz:            uint64(getEnvInt("PEAK_PROVE_KHZ", 0)),
			MinDeadline:             getEnvDuration("MIN_DEADLINE_SECS", 60*time.Second),
			MaxJournalBytes:         uint64(getEnvInt("MAX_JOURNAL_BYTES", 10_000)),
			MaxStake:                getEnvDecimal("MAX_STAKE", decimal.NewFromInt(0)),
			FulfillGasEstimate:      uint64(getEnvInt("FULFILL_GAS_ESTIMATE", 300_000)),
			AllowClientAddresses:    getEnvAddressSet("ALLOW_CLIENT_ADDRESSES"),
			DenyRequestorAddresses:  getEnvAddressSet("DENY_REQUESTOR_ADDRESSES"),
			PriorityRequestorAddrs:  getEnvAddressSet("PRIORITY_REQUESTOR_ADDRESSES"),
			MaxConcurrentPreflights: getEnvInt("MAX_CONCURRENT_PREFLIGHTS", 4),
			OrderPricingPriority:    PricingPriority(getEnv("ORDER_PRICING_PRIORITY", string(PriorityShortestExpiryFirst))),
			FastLockEnabled:         getEnvBool("FAST_LOCK_ENABLED", false),
			StakeTokenDecimals:      uint8(getEnvInt("STAKE_TOKEN_DECIMALS", 6)),
			HighValueThreshold:      getEnvDecimal("HIGH_VALUE_THRESHOLD", decimal.NewFromInt(0)),
			SupportedSelectors:      getEnvList("SUPPORTED_SELECTORS", []string{"Groth16V2"}),
		},
	}

	if cfg.OrderStreamURL == "" {
		return nil, fmt.Errorf("ORDER_STREAM_URL is required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}
	cfg.StakeTokenAddress = common.HexToAddress(getEnv("STAKE_TOKEN_ADDRESS", ""))

	signerHex := os.Getenv("SIGNER_ADDRESS")
	if signerHex == "" {
		return nil, fmt.Errorf("SIGNER_ADDRESS is required")
	}
	cfg.SignerAddress = common.HexToAddress(signerHex)

	keyHex := os.Getenv("SIGNER_PRIVATE_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("SIGNER_PRIVATE_KEY is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid SIGNER_PRIVATE_KEY: %w", err)
	}
	cfg.SignerKey = key

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAddressSet(key string) map[common.Address]struct{} {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	set := make(map[common.Address]struct{})
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		set[common.HexToAddress(part)] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
