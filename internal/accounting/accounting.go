// Package accounting reconciles on-chain balances with in-flight
// commitments for the admission controller (spec.md §4.5). Every value is
// read fresh: there is no local cache beyond the scope of a single
// evaluation, matching spec.md §5's "Between concurrent evaluations, no
// ordering is guaranteed".
package accounting

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/broker-core/internal/chain"
	"github.com/web3guy0/broker-core/internal/db"
)

// BalanceOracle is the narrowed capability accounting depends on (spec.md
// §9); satisfied by *chain.Oracle in production.
type BalanceOracle interface {
	GasBalance(ctx context.Context, signer common.Address) (*big.Int, error)
	StakeBalance(ctx context.Context, signer common.Address) (*big.Int, error)
}

// CommittedOrderSource answers "what is already committed downstream",
// satisfied by *db.Database.
type CommittedOrderSource interface {
	GetCommittedOrders() ([]db.CommittedOrder, error)
}

// Reading bundles a fresh gas/stake balance snapshot plus the reservations
// already committed to the downstream pipeline, the inputs pricing.Env
// needs (spec.md §4.2's env, §4.5).
type Reading struct {
	GasBalance              decimal.Decimal
	StakeBalance            decimal.Decimal
	CommittedGasReservation decimal.Decimal
	CommittedStakeReserved  decimal.Decimal
}

// Accountant computes a fresh Reading on demand. It holds no state of its
// own beyond its collaborators: every field of Reading is recomputed on
// every call, per spec.md §4.5.
type Accountant struct {
	signer             common.Address
	oracle             BalanceOracle
	database           CommittedOrderSource
	fulfillGasEstimate uint64 // base fulfill_gas_estimate added to every committed order, matching pricing.Evaluator.estimateFulfillGas
}

// NewAccountant wires the live balance oracle and the request database's
// committed-order ledger together.
func NewAccountant(signer common.Address, oracle BalanceOracle, database CommittedOrderSource, fulfillGasEstimate uint64) *Accountant {
	return &Accountant{
		signer:             signer,
		oracle:             oracle,
		database:           database,
		fulfillGasEstimate: fulfillGasEstimate,
	}
}

// Read gathers the inputs of available_gas and available_stake per spec.md
// §4.5: balance_of(signer) and the sum of fulfill_gas/lockin_stake already
// committed to the downstream pipeline. It returns them separately; the
// subtraction is left to the caller (pricing.Evaluate, AvailableGas).
func (a *Accountant) Read(ctx context.Context, gasPrice decimal.Decimal) (Reading, error) {
	gasWei, err := a.oracle.GasBalance(ctx, a.signer)
	if err != nil {
		return Reading{}, fmt.Errorf("read gas balance: %w", err)
	}
	stakeRaw, err := a.oracle.StakeBalance(ctx, a.signer)
	if err != nil {
		return Reading{}, fmt.Errorf("read stake balance: %w", err)
	}

	orders, err := a.database.GetCommittedOrders()
	if err != nil {
		return Reading{}, fmt.Errorf("list committed orders: %w", err)
	}

	committedGas := decimal.Zero
	committedStake := decimal.Zero
	for _, o := range orders {
		committedStake = committedStake.Add(o.LockinStake)
		committedGas = committedGas.Add(gasPrice.Mul(decimal.NewFromInt(int64(a.fulfillGas(o)))))
	}

	reading := Reading{
		GasBalance: chain.WeiToDecimal(gasWei),
		// StakeBalance is left as a raw on-chain integer, not scaled by the
		// stake token's decimals: lockinStake (order.EffectiveWindow) and
		// CommittedStakeReserved (summed below) are both raw offer.lock_stake
		// figures with no decimals division applied (wire.go parses
		// lock_stake straight through), so the stake-feasibility comparison
		// in pricing.Evaluate needs every operand in the same raw unit.
		// Matches original_source's order_picker.rs, which keeps
		// lockin_stake and available_stake_balance() both as raw U256.
		StakeBalance:            decimal.NewFromBigInt(stakeRaw, 0),
		CommittedGasReservation: committedGas,
		CommittedStakeReserved:  committedStake,
	}

	log.Debug().
		Str("component", "accounting").
		Str("gas_balance", reading.GasBalance.String()).
		Str("stake_balance", reading.StakeBalance.String()).
		Str("committed_gas", reading.CommittedGasReservation.String()).
		Str("committed_stake", reading.CommittedStakeReserved.String()).
		Msg("resource accounting snapshot")

	return reading, nil
}

// fulfillGas mirrors pricing.Evaluator.estimateFulfillGas so a committed
// order reserves the same gas the evaluator charged it for: the base
// fulfill_gas_estimate, plus its callback gas limit, plus the
// smart-contract-signature bump.
func (a *Accountant) fulfillGas(o db.CommittedOrder) uint64 {
	gas := a.fulfillGasEstimate
	if o.CallbackGas > 0 {
		gas += o.CallbackGas
	}
	if o.SmartContractSig {
		gas += 50_000
	}
	return gas
}

// AvailableGas reads a fresh balance and returns spendable gas (balance
// minus gas already reserved for other committed orders), for callers that
// only need the single number rather than the full Reading -- e.g.
// pricing's post-preflight recheck (spec.md §4.2 step 10).
func (a *Accountant) AvailableGas(ctx context.Context, gasPrice decimal.Decimal) (decimal.Decimal, error) {
	reading, err := a.Read(ctx, gasPrice)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return reading.GasBalance.Sub(reading.CommittedGasReservation), nil
}
