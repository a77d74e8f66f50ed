// Package ledger is the append-only credit ledger and the sole authority
// over user balances.
//
// Flow:
//  1. Every credit movement (purchase, bonus, job debit, refund, admin
//     adjustment) becomes one immutable Entry
//  2. A user's balance is the sum of their entries; a reconciled per-user
//     balance row is updated in the same atomic unit as each append
//  3. Idempotency keys deduplicate retries: appending with a key that was
//     already used returns the original entry and changes nothing
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixstudio/genledger/internal/idgen"
	"github.com/pixstudio/genledger/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEntry      = errors.New("ledger entry already exists for idempotency key")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMissingKey          = errors.New("idempotency key is required")
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonPurchase        Reason = "purchase"
	ReasonSignupBonus     Reason = "signup_bonus"
	ReasonReferralBonus   Reason = "referral_bonus"
	ReasonPromoBonus      Reason = "promo_bonus"
	ReasonJobDebit        Reason = "job_debit"
	ReasonJobRefund       Reason = "job_refund"
	ReasonAdminAdjustment Reason = "admin_adjustment"
)

// Entry is one immutable ledger record. Entries are never updated or deleted.
type Entry struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"userId"`
	Amount         int64     `json:"amount"` // signed credits
	Reason         Reason    `json:"reason"`
	IdempotencyKey string    `json:"idempotencyKey"`
	RelatedJobID   string    `json:"relatedJobId,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EntryParams describes an entry to append.
type EntryParams struct {
	UserID         int64
	Amount         int64
	Reason         Reason
	IdempotencyKey string
	RelatedJobID   string
	Note           string
}

// Store persists ledger entries and the reconciled balance.
type Store interface {
	// Append atomically records an entry and reconciles the balance.
	// A duplicate idempotency key returns the original entry together with
	// ErrDuplicateEntry; a debit that would push the balance below zero
	// returns ErrInsufficientBalance and records nothing.
	Append(ctx context.Context, p EntryParams) (*Entry, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	// Sum recomputes the balance from the entries themselves. Used by the
	// invariant audit; must always equal Balance.
	Sum(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit int) ([]*Entry, error)
	SpentSince(ctx context.Context, userID int64, reason Reason, since time.Time) (int64, error)
}

// BalanceCache is an optional read-through cache in front of Balance.
// It is invalidated on every append; the store remains the authority.
type BalanceCache interface {
	Get(ctx context.Context, userID int64) (int64, bool)
	Set(ctx context.Context, userID int64, balance int64)
	Invalidate(ctx context.Context, userID int64)
}

// Service exposes credit accounting over a Store.
type Service struct {
	store Store
	cache BalanceCache
}

// New creates a new accounting service.
func New(store Store) *Service {
	return &Service{store: store}
}

// WithCache adds a balance cache.
func (s *Service) WithCache(c BalanceCache) *Service {
	s.cache = c
	return s
}

// Append records a credit movement. Callers should treat ErrDuplicateEntry
// as success: the movement already happened and the returned entry is the
// original one.
func (s *Service) Append(ctx context.Context, p EntryParams) (*Entry, error) {
	if p.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if p.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}

	entry, err := s.store.Append(ctx, p)
	switch {
	case err == nil:
		metrics.LedgerEntriesTotal.WithLabelValues(string(p.Reason)).Inc()
	case errors.Is(err, ErrDuplicateEntry):
		metrics.LedgerDuplicatesTotal.Inc()
	case errors.Is(err, ErrInsufficientBalance):
		metrics.InsufficientBalanceTotal.Inc()
		return nil, err
	default:
		return nil, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, p.UserID)
	}
	return entry, err
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	if s.cache != nil {
		if bal, ok := s.cache.Get(ctx, userID); ok {
			return bal, nil
		}
	}
	bal, err := s.store.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, userID, bal)
	}
	return bal, nil
}

// Sum recomputes the balance from the entries. Balance and Sum must agree;
// a divergence means the reconciled cache row is corrupt.
func (s *Service) Sum(ctx context.Context, userID int64) (int64, error) {
	return s.store.Sum(ctx, userID)
}

// History returns the most recent entries for a user.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit)
}

// GrantSignupBonus credits a one-time signup bonus. Returns false if the
// bonus was already granted.
func (s *Service) GrantSignupBonus(ctx context.Context, userID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	_, err := s.Append(ctx, EntryParams{
		UserID:         userID,
		Amount:         amount,
		Reason:         ReasonSignupBonus,
		IdempotencyKey: fmt.Sprintf("signup:%d", userID),
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Adjust applies an admin adjustment (positive or negative). Each call is a
// distinct logical event, so the key is freshly generated.
func (s *Service) Adjust(ctx context.Context, userID, amount int64, note string) (*Entry, error) {
	entry, err := s.Append(ctx, EntryParams{
		UserID:         userID,
		Amount:         amount,
		Reason:         ReasonAdminAdjustment,
		IdempotencyKey: idgen.WithPrefix("adj_"),
		Note:           note,
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return entry, nil
	}
	return entry, err
}

// DailySpent returns the credits debited for jobs in the last 24 hours,
// as a positive number. Used for the daily spend cap.
func (s *Service) DailySpent(ctx context.Context, userID int64) (int64, error) {
	spent, err := s.store.SpentSince(ctx, userID, ReasonJobDebit, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	if spent < 0 {
		spent = -spent
	}
	return spent, nil
}
