package payments

import (
	"context"
	"testing"

	"github.com/pixstudio/genledger/internal/ledger"
)

func newTestService(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()
	ledgerSvc := ledger.New(ledger.NewMemoryStore())
	store := NewMemoryStore(ledgerSvc)
	return New(store), ledgerSvc
}

func event(id string, userID, credits int64, status string) *Event {
	return &Event{
		ProviderEventID: id,
		Provider:        "stripe",
		UserID:          userID,
		Credits:         credits,
		AmountCents:     credits * 10,
		Currency:        "usd",
		Status:          status,
	}
}

func TestHandleEventCreditsUser(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, event("evt_1", 7, 100, "paid")); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	balance, _ := ledgerSvc.Balance(ctx, 7)
	if balance != 100 {
		t.Errorf("expected balance 100, got %d", balance)
	}

	stored, err := svc.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.UserID != 7 || stored.Credits != 100 {
		t.Errorf("stored event mismatch: %+v", stored)
	}
}

func TestHandleEventReplayIsNoOp(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()

	// Same event delivered three times.
	for i := 0; i < 3; i++ {
		if err := svc.HandleEvent(ctx, event("evt_dup", 7, 100, "paid")); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}
	balance, _ := ledgerSvc.Balance(ctx, 7)
	if balance != 100 {
		t.Errorf("replayed event credited more than once: balance %d", balance)
	}
}

func TestHandleEventUnsettledIgnored(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()

	for _, status := range []string{"pending", "failed", "refunded", "expired"} {
		if err := svc.HandleEvent(ctx, event("evt_"+status, 7, 100, status)); err != nil {
			t.Fatalf("handle %s failed: %v", status, err)
		}
	}
	balance, _ := ledgerSvc.Balance(ctx, 7)
	if balance != 0 {
		t.Errorf("unsettled events must not credit: balance %d", balance)
	}
}

func TestHandleEventInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.HandleEvent(ctx, event("evt_bad_user", 0, 100, "paid")); err == nil {
		t.Error("expected error for missing user")
	}
	if err := svc.HandleEvent(ctx, event("evt_bad_credits", 7, 0, "paid")); err == nil {
		t.Error("expected error for zero credits")
	}
}

func TestProducts(t *testing.T) {
	ledgerSvc := ledger.New(ledger.NewMemoryStore())
	store := NewMemoryStore(ledgerSvc)
	store.PutProduct(&Product{ID: 1, Title: "Starter", Credits: 50, PriceCents: 499, Currency: "usd", Active: true})
	store.PutProduct(&Product{ID: 2, Title: "Retired", Credits: 10, PriceCents: 99, Currency: "usd", Active: false})
	svc := New(store)
	ctx := context.Background()

	products, err := svc.Products(ctx)
	if err != nil {
		t.Fatalf("products failed: %v", err)
	}
	if len(products) != 1 || products[0].Title != "Starter" {
		t.Errorf("expected only the active product, got %+v", products)
	}

	if _, err := svc.Product(ctx, 2); err != nil {
		t.Errorf("inactive products are still fetchable by id: %v", err)
	}
	if _, err := svc.Product(ctx, 99); err != ErrProductNotFound {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}
