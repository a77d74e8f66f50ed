// Package payments reconciles external payment events into ledger credits.
// Providers deliver events at least once; the provider event ID doubles as
// the ledger idempotency key, so replays and duplicate webhooks credit a
// user exactly once.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixstudio/genledger/internal/ledger"
	"github.com/pixstudio/genledger/internal/logging"
	"github.com/pixstudio/genledger/internal/metrics"
	"github.com/pixstudio/genledger/internal/traces"
)

var (
	ErrEventNotFound   = errors.New("payment event not found")
	ErrProductNotFound = errors.New("product not found")
)

// Event is a payment notification from an external provider.
type Event struct {
	ProviderEventID string    `json:"providerEventId"`
	Provider        string    `json:"provider"`
	UserID          int64     `json:"userId"`
	Credits         int64     `json:"credits"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Product is a purchasable credit package.
type Product struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"priceCents"`
	Currency   string `json:"currency"`
	Active     bool   `json:"active"`
}

// Store persists payment events and products. Record commits the event row
// and its ledger credit atomically; a replayed event ID applies nothing
// and reports applied=false.
type Store interface {
	Record(ctx context.Context, event *Event, entry ledger.EntryParams) (applied bool, err error)
	Get(ctx context.Context, providerEventID string) (*Event, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
}

// Service reconciles payment events.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// settled reports whether the event represents completed payment.
func settled(status string) bool {
	switch status {
	case "paid", "succeeded", "completed", "complete":
		return true
	}
	return false
}

// HandleEvent applies a payment event to the ledger. It is safe to call
// any number of times with the same event. A failure here means money may
// have arrived without credits: it is flagged as an anomaly and the
// provider is expected to redeliver.
func (s *Service) HandleEvent(ctx context.Context, event *Event) error {
	ctx, span := traces.StartSpan(ctx, "payments.handle_event",
		traces.UserID(event.UserID), traces.Amount(event.Credits))
	defer span.End()
	log := logging.L(ctx).With("event_id", event.ProviderEventID, "provider", event.Provider)

	if !settled(event.Status) {
		log.Info("ignoring unsettled payment event", "status", event.Status)
		metrics.PaymentEventsTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	if event.UserID <= 0 || event.Credits <= 0 {
		metrics.PaymentEventsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid payment event %s: user %d, credits %d",
			event.ProviderEventID, event.UserID, event.Credits)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	applied, err := s.store.Record(ctx, event, ledger.EntryParams{
		UserID:         event.UserID,
		Amount:         event.Credits,
		Reason:         ledger.ReasonPurchase,
		IdempotencyKey: "payment:" + event.ProviderEventID,
		Note:           event.Provider,
	})
	if err != nil {
		metrics.PaymentAnomaliesTotal.Inc()
		log.Error("failed to reconcile payment event", "error", err)
		return fmt.Errorf("failed to reconcile payment event: %w", err)
	}
	if !applied {
		log.Info("payment event replayed, no-op")
		metrics.PaymentEventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	log.Info("payment credited", "user_id", event.UserID, "credits", event.Credits)
	metrics.PaymentEventsTotal.WithLabelValues("applied").Inc()
	return nil
}

// Products lists active credit packages.
func (s *Service) Products(ctx context.Context) ([]*Product, error) {
	return s.store.ListProducts(ctx)
}

// Product returns one product by ID.
func (s *Service) Product(ctx context.Context, id int64) (*Product, error) {
	return s.store.GetProduct(ctx, id)
}

// Get returns a recorded payment event.
func (s *Service) Get(ctx context.Context, providerEventID string) (*Event, error) {
	return s.store.Get(ctx, providerEventID)
}
