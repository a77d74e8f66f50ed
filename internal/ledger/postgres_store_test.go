package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixstudio/genledger/internal/ledger"
	"github.com/pixstudio/genledger/internal/testutil"
)

func TestPostgresStore_AppendAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := ledger.NewPostgresStore(db)
	ctx := context.Background()

	entry, err := store.Append(ctx, ledger.EntryParams{
		UserID:         1,
		Amount:         100,
		Reason:         ledger.ReasonPurchase,
		IdempotencyKey: "payment:evt_1",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("expected an entry ID")
	}

	balance, err := store.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance != 100 {
		t.Errorf("expected balance 100, got %d", balance)
	}

	sum, err := store.Sum(ctx, 1)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if sum != balance {
		t.Errorf("entry sum %d diverged from balance %d", sum, balance)
	}
}

func TestPostgresStore_DuplicateKeyReturnsOriginal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := ledger.NewPostgresStore(db)
	ctx := context.Background()

	first, err := store.Append(ctx, ledger.EntryParams{
		UserID: 1, Amount: 100, Reason: ledger.ReasonPurchase, IdempotencyKey: "payment:evt_1",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Replay with a different amount must not apply anything.
	replay, err := store.Append(ctx, ledger.EntryParams{
		UserID: 1, Amount: 999, Reason: ledger.ReasonPurchase, IdempotencyKey: "payment:evt_1",
	})
	if !errors.Is(err, ledger.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
	if replay == nil || replay.ID != first.ID || replay.Amount != 100 {
		t.Errorf("expected the original entry back, got %+v", replay)
	}

	balance, _ := store.Balance(ctx, 1)
	if balance != 100 {
		t.Errorf("replay changed the balance: %d", balance)
	}
}

func TestPostgresStore_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := ledger.NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.Append(ctx, ledger.EntryParams{
		UserID: 1, Amount: 50, Reason: ledger.ReasonPurchase, IdempotencyKey: "payment:evt_1",
	}); err != nil {
		t.Fatalf("fund failed: %v", err)
	}

	_, err := store.Append(ctx, ledger.EntryParams{
		UserID: 1, Amount: -80, Reason: ledger.ReasonJobDebit, IdempotencyKey: "job:a:debit",
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	balance, _ := store.Balance(ctx, 1)
	if balance != 50 {
		t.Errorf("failed debit changed the balance: %d", balance)
	}
	entries, _ := store.History(ctx, 1, 10)
	if len(entries) != 1 {
		t.Errorf("failed debit left %d entries, expected 1", len(entries))
	}

	// The debit key must remain usable after the failure.
	if _, err := store.Append(ctx, ledger.EntryParams{
		UserID: 1, Amount: -30, Reason: ledger.ReasonJobDebit, IdempotencyKey: "job:a:debit",
	}); err != nil {
		t.Errorf("retry with same key failed: %v", err)
	}
}

func TestPostgresStore_SpentSince(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := ledger.NewPostgresStore(db)
	ctx := context.Background()

	seed := []ledger.EntryParams{
		{UserID: 1, Amount: 100, Reason: ledger.ReasonPurchase, IdempotencyKey: "payment:evt_1"},
		{UserID: 1, Amount: -30, Reason: ledger.ReasonJobDebit, IdempotencyKey: "job:a:debit"},
		{UserID: 1, Amount: -20, Reason: ledger.ReasonJobDebit, IdempotencyKey: "job:b:debit"},
		{UserID: 1, Amount: 30, Reason: ledger.ReasonJobRefund, IdempotencyKey: "job:a:refund"},
	}
	for _, p := range seed {
		if _, err := store.Append(ctx, p); err != nil {
			t.Fatalf("seed append failed: %v", err)
		}
	}

	spent, err := store.SpentSince(ctx, 1, ledger.ReasonJobDebit, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("spent since failed: %v", err)
	}
	if spent != -50 {
		t.Errorf("expected net debit -50, got %d", spent)
	}
}
