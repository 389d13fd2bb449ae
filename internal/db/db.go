// Package db persists skip records and answers lock/fulfill/committed-order
// queries for the pricing evaluator and resource accounting (spec.md
// §2.4). It follows the teacher's dual-driver gorm setup: sqlite by
// default, postgres when the DSN says so.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SkippedRequest is a persisted skip record (spec.md §2.4, §7). Writes are
// idempotent on the order identity (RequestID, RequestDigest,
// FulfillmentType): a second skip of the same identity adds no row.
type SkippedRequest struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	RequestID       string `gorm:"uniqueIndex:idx_request_identity"`
	RequestDigest   string `gorm:"uniqueIndex:idx_request_identity"`
	FulfillmentType string `gorm:"uniqueIndex:idx_request_identity"`
	ClientAddress   string `gorm:"index"`
	Reason          string
	ErrorCode       string // one of [B-OP-00x] or empty
	CreatedAt       time.Time
}

func (SkippedRequest) TableName() string { return "skipped_requests" }

// RequestState tracks whether a request has been locked (and by whom) or
// fulfilled, fed by the on-chain watcher via the admission controller's
// statebus subscription.
type RequestState struct {
	RequestID  string `gorm:"primaryKey"`
	Locked     bool
	LockedBy   string
	Fulfilled  bool
	UpdatedAt  time.Time
}

func (RequestState) TableName() string { return "request_states" }

// CommittedOrder is an order already emitted downstream and not yet
// resolved on-chain; it is the basis of the gas-reservation accounting in
// spec.md §4.5.
type CommittedOrder struct {
	RequestID       string `gorm:"primaryKey"`
	FulfillmentType string
	Selector        string
	CallbackGas     uint64
	SmartContractSig bool
	LockinStake     decimal.Decimal `gorm:"type:decimal(40,0)"`
	CreatedAt       time.Time
}

func (CommittedOrder) TableName() string { return "committed_orders" }

// Database wraps the gorm handle with the narrow set of methods the
// pricing/admission capability interfaces require (spec.md §9).
type Database struct {
	db *gorm.DB
}

// New opens dsn as a postgres DSN (prefix postgres:// or postgresql://) or
// falls back to a sqlite file path, mirroring the teacher's database.New.
func New(dsn string) (*Database, error) {
	var gdb *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("request database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		gdb, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("request database initialized (SQLite)")
	}

	if err := gdb.AutoMigrate(&SkippedRequest{}, &RequestState{}, &CommittedOrder{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Database{db: gdb}, nil
}

// InsertSkippedRequest persists a skip record. Re-submitting the same
// identity is idempotent: an existing row for (RequestID, RequestDigest,
// FulfillmentType) is left untouched rather than duplicated.
func (d *Database) InsertSkippedRequest(rec *SkippedRequest) error {
	var existing SkippedRequest
	err := d.db.Where("request_id = ? AND request_digest = ? AND fulfillment_type = ?",
		rec.RequestID, rec.RequestDigest, rec.FulfillmentType).First(&existing).Error
	if err == nil {
		return nil // idempotent: already recorded
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return d.db.Create(rec).Error
}

// IsRequestLocked reports whether requestID is already recorded as locked
// by another prover (spec.md §4.2 step 2).
func (d *Database) IsRequestLocked(requestID string) (bool, error) {
	var state RequestState
	err := d.db.First(&state, "request_id = ?", requestID).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Locked, nil
}

// IsRequestFulfilled reports whether requestID is already recorded as
// fulfilled (spec.md §4.2 step 2).
func (d *Database) IsRequestFulfilled(requestID string) (bool, error) {
	var state RequestState
	err := d.db.First(&state, "request_id = ?", requestID).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Fulfilled, nil
}

// MarkLocked records a Locked{request_id, prover} state-change event.
func (d *Database) MarkLocked(requestID, prover string) error {
	var state RequestState
	err := d.db.First(&state, "request_id = ?", requestID).Error
	if err == gorm.ErrRecordNotFound {
		state = RequestState{RequestID: requestID}
	} else if err != nil {
		return err
	}
	state.Locked = true
	state.LockedBy = prover
	state.UpdatedAt = time.Now()
	return d.db.Save(&state).Error
}

// MarkFulfilled records a Fulfilled{request_id} state-change event.
func (d *Database) MarkFulfilled(requestID string) error {
	var state RequestState
	err := d.db.First(&state, "request_id = ?", requestID).Error
	if err == gorm.ErrRecordNotFound {
		state = RequestState{RequestID: requestID}
	} else if err != nil {
		return err
	}
	state.Fulfilled = true
	state.UpdatedAt = time.Now()
	return d.db.Save(&state).Error
}

// InsertCommittedOrder records an order as emitted downstream and not yet
// resolved, for gas/stake reservation accounting.
func (d *Database) InsertCommittedOrder(rec *CommittedOrder) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return d.db.Save(rec).Error
}

// RemoveCommittedOrder clears a committed order once it has resolved
// on-chain (locked+fulfilled, expired, or slashed).
func (d *Database) RemoveCommittedOrder(requestID string) error {
	return d.db.Delete(&CommittedOrder{}, "request_id = ?", requestID).Error
}

// GetCommittedOrders returns every order still committed to the downstream
// pipeline, for the gas-reservation sum in spec.md §4.5.
func (d *Database) GetCommittedOrders() ([]CommittedOrder, error) {
	var orders []CommittedOrder
	err := d.db.Find(&orders).Error
	return orders, err
}

