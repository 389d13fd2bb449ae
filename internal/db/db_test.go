package db

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestInsertSkippedRequestIdempotent(t *testing.T) {
	d := newTestDB(t)
	rec := &SkippedRequest{RequestID: "0x1", RequestDigest: "0xaa", FulfillmentType: "LockAndFulfill", Reason: "unsupported selector"}

	if err := d.InsertSkippedRequest(rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := d.InsertSkippedRequest(rec); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	var all []SkippedRequest
	if err := d.db.Find(&all).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one skip record, got %d", len(all))
	}
}

func TestLockedAndFulfilledState(t *testing.T) {
	d := newTestDB(t)

	locked, err := d.IsRequestLocked("0x1")
	if err != nil || locked {
		t.Fatalf("expected not locked initially, err=%v locked=%v", err, locked)
	}

	if err := d.MarkLocked("0x1", "0xprover"); err != nil {
		t.Fatalf("MarkLocked: %v", err)
	}
	locked, err = d.IsRequestLocked("0x1")
	if err != nil || !locked {
		t.Fatalf("expected locked after MarkLocked, err=%v locked=%v", err, locked)
	}

	if err := d.MarkFulfilled("0x1"); err != nil {
		t.Fatalf("MarkFulfilled: %v", err)
	}
	fulfilled, err := d.IsRequestFulfilled("0x1")
	if err != nil || !fulfilled {
		t.Fatalf("expected fulfilled after MarkFulfilled, err=%v fulfilled=%v", err, fulfilled)
	}
}

func TestGetCommittedOrders(t *testing.T) {
	d := newTestDB(t)

	if err := d.InsertCommittedOrder(&CommittedOrder{RequestID: "0x1", LockinStake: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.InsertCommittedOrder(&CommittedOrder{RequestID: "0x2", LockinStake: decimal.NewFromInt(25)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	orders, err := d.GetCommittedOrders()
	if err != nil {
		t.Fatalf("GetCommittedOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}

	if err := d.RemoveCommittedOrder("0x1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	orders, err = d.GetCommittedOrders()
	if err != nil {
		t.Fatalf("GetCommittedOrders after remove: %v", err)
	}
	if len(orders) != 1 || orders[0].RequestID != "0x2" {
		t.Fatalf("got %+v, want only 0x2", orders)
	}
}
