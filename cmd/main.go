package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/broker-core/internal/accounting"
	"github.com/web3guy0/broker-core/internal/admission"
	"github.com/web3guy0/broker-core/internal/chain"
	"github.com/web3guy0/broker-core/internal/config"
	"github.com/web3guy0/broker-core/internal/db"
	"github.com/web3guy0/broker-core/internal/dedup"
	"github.com/web3guy0/broker-core/internal/notify"
	"github.com/web3guy0/broker-core/internal/order"
	"github.com/web3guy0/broker-core/internal/orderstream"
	"github.com/web3guy0/broker-core/internal/pricing"
	"github.com/web3guy0/broker-core/internal/prover"
	"github.com/web3guy0/broker-core/internal/statebus"
)

// repeatedErrorRunThreshold is how many consecutive controller restarts
// caused by the same pricing error kind trigger notify.AlertRepeatedError,
// on top of the per-restart notify.AlertRestart (spec.md §7).
const repeatedErrorRunThreshold = 3

const VERSION = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	} else {
		log.Info().Msg("✅ .env file loaded successfully")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("         BROKER %s - ORDER ADMISSION & PRICING CORE", VERSION)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE (Request Database)
	// ═══════════════════════════════════════════════════════════════════════════════

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open request database")
	}
	log.Info().Msg("✅ Request database initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 2: CHAIN (Balance Oracle + Gas-Price Source)
	// ═══════════════════════════════════════════════════════════════════════════════

	oracle := chain.NewOracle(cfg.RPCURL, cfg.StakeTokenAddress)
	accountant := accounting.NewAccountant(cfg.SignerAddress, oracle, database, cfg.Market.FulfillGasEstimate)
	log.Info().Str("rpc", cfg.RPCURL).Msg("✅ Chain oracle initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 3: DEDUP CACHE + PRICING EVALUATOR
	// ═══════════════════════════════════════════════════════════════════════════════

	dedupCache := dedup.New(dedup.DefaultMaxEntries, dedup.DefaultTTL)

	// The zero-knowledge prover backend is an external collaborator (spec.md
	// §1); prover.Mock stands in for the out-of-process preflight service
	// this core proxies to in production.
	prv := prover.NewMock()
	evaluator := pricing.NewEvaluator(cfg.Market, cfg.Market.SupportedSelectors, database, prv, accountant)
	log.Info().Strs("selectors", cfg.Market.SupportedSelectors).Msg("✅ Pricing evaluator initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 4: ORDER STREAM (Inbound Orders)
	// ═══════════════════════════════════════════════════════════════════════════════

	stream, err := orderstream.New(orderstream.Config{
		StreamURL:    cfg.OrderStreamURL,
		PingInterval: time.Duration(cfg.OrderStreamPingMS) * time.Millisecond,
		Signer:       cfg.SignerKey,
		SignerAddr:   cfg.SignerAddress,
		Domain:       cfg.OrderStreamDomain,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct order stream client")
	}
	go func() {
		if err := stream.Run(ctx); err != nil {
			log.Error().Err(err).Msg("order stream terminated")
		}
	}()
	log.Info().Str("url", cfg.OrderStreamURL).Msg("✅ Order stream client started")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 5: STATE BUS (Locked/Fulfilled preemption events)
	// ═══════════════════════════════════════════════════════════════════════════════

	// The on-chain log subscriber that publishes to this bus is the
	// chain-observer service, an external collaborator (spec.md §1, §2.7);
	// this core only owns the bus and its consumer side.
	bus := statebus.New()
	log.Info().Msg("✅ State-change bus initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 6: DOWNSTREAM (Priced orders ready for locking/fulfillment)
	// ═══════════════════════════════════════════════════════════════════════════════

	downstream := make(chan *order.Order, 256)
	go drainDownstream(ctx, downstream)

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 7: NOTIFICATIONS (Telegram operational alerts)
	// ═══════════════════════════════════════════════════════════════════════════════

	stats := &statsBox{}
	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, stats)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifier unavailable")
	} else {
		notifier.Start()
		defer notifier.Stop()
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// LAYER 8: ADMISSION CONTROLLER (supervised, restarts on unrecoverable error)
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("🚀 Running...")
	runSupervised(ctx, cfg, database, accountant, oracle, dedupCache, evaluator, bus, stream, downstream, notifier, stats)

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("                       SHUTDOWN COMPLETE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
}

// runSupervised implements spec.md §7's "An unrecoverable controller error
// signals the supervisor, which restarts the controller with a fresh
// pending queue; in-flight priced orders already emitted are unaffected."
// Each restart gets a fresh Controller (fresh pending queue and active-task
// table) and a fresh statebus subscription, since a lagged subscription is
// itself one of the unrecoverable conditions (Design Note iii).
func runSupervised(
	ctx context.Context,
	cfg *config.Config,
	database *db.Database,
	accountant *accounting.Accountant,
	oracle *chain.Oracle,
	dedupCache *dedup.Cache,
	evaluator *pricing.Evaluator,
	bus *statebus.Bus,
	stream *orderstream.Client,
	downstream chan<- *order.Order,
	notifier *notify.Notifier,
	stats *statsBox,
) {
	view := config.NewView(cfg)
	restarts := 0
	var errRunKind pricing.Kind
	errRunCount := 0

	for {
		sub := bus.Subscribe()
		controller := admission.New(cfg, view, evaluator, accountant, oracle, dedupCache, database, downstream)
		stats.set(controller)

		err := controller.Run(ctx, stream.Orders(), sub)
		sub.Unsubscribe()

		if ctx.Err() != nil || err == nil {
			return
		}

		restarts++
		log.Error().Err(err).Int("restart_count", restarts).Msg("admission controller stopped unexpectedly, restarting")
		if notifier != nil {
			notifier.AlertRestart(err)
		}

		// spec.md §7: a run of repeated Rpc/Unexpected pricing errors (each
		// one already fatal to its controller) gets its own escalated
		// alert, distinct from the per-restart AlertRestart above.
		var perr *pricing.Error
		if errors.As(err, &perr) && perr.Kind == errRunKind {
			errRunCount++
		} else if errors.As(err, &perr) {
			errRunKind = perr.Kind
			errRunCount = 1
		} else {
			errRunCount = 0
		}
		if notifier != nil && errRunCount >= repeatedErrorRunThreshold {
			notifier.AlertRepeatedError(errRunKind.String(), errRunCount, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// statsBox lets the Telegram notifier's /status command read the current
// Controller's Snapshot across supervisor restarts, since each restart
// replaces the Controller instance notify.New was handed at startup.
type statsBox struct {
	mu sync.Mutex
	c  *admission.Controller
}

func (s *statsBox) set(c *admission.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
}

func (s *statsBox) Snapshot() (pending, active, emitted, skipped int) {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return 0, 0, 0, 0
	}
	return c.Snapshot()
}

// drainDownstream stands in for the proving/locking executor (spec.md §1's
// "downstream proving pipeline"), an external collaborator out of scope for
// this core. It only logs what it receives.
func drainDownstream(ctx context.Context, downstream <-chan *order.Order) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-downstream:
			if !ok {
				return
			}
			log.Info().
				Str("request_id", o.Request.ID.String()).
				Str("fulfillment_type", string(o.FulfillmentType)).
				Uint64("total_cycles", o.TotalCycles).
				Msg("downstream: order ready for locking/fulfillment")
		}
	}
}
