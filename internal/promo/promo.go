// Package promo manages promo and referral codes. A code application is
// the only place two users can be credited in one step: a referral pays
// both the redeemer and the code's owner, atomically with marking the
// code used.
package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixstudio/genledger/internal/idgen"
	"github.com/pixstudio/genledger/internal/ledger"
	"github.com/pixstudio/genledger/internal/logging"
	"github.com/pixstudio/genledger/internal/metrics"
	"github.com/pixstudio/genledger/internal/traces"
)

var (
	ErrCodeNotFound   = errors.New("code not found")
	ErrCodeExpired    = errors.New("code has expired")
	ErrCodeExhausted  = errors.New("code has no uses left")
	ErrAlreadyApplied = errors.New("user already applied this code")
	ErrOwnCode        = errors.New("cannot redeem your own code")
)

const (
	promoCodeLength    = 12
	referralCodeLength = 8
)

// Code is a promo or referral code. A referral code has a non-zero owner
// who earns a bonus on each redemption.
type Code struct {
	Code        string     `json:"code"`
	BonusAmount int64      `json:"bonusAmount"`
	OwnerBonus  int64      `json:"ownerBonus,omitempty"`
	MaxUses     int        `json:"maxUses"` // 0 = unlimited
	UsesCount   int        `json:"usesCount"`
	OwnerUserID int64      `json:"ownerUserId,omitempty"` // 0 = promo code
	BatchID     string     `json:"batchId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsReferral reports whether the code pays its owner.
func (c *Code) IsReferral() bool { return c.OwnerUserID != 0 }

// Result describes one successful application.
type Result struct {
	Code        string `json:"code"`
	UserID      int64  `json:"userId"`
	BonusAmount int64  `json:"bonusAmount"`
	Referral    bool   `json:"referral"`
}

// Store persists codes and applications. Apply validates and commits in
// one atomic unit: the application record, the use count and every ledger
// entry land together or not at all.
type Store interface {
	CreateCode(ctx context.Context, code *Code) error
	GetCode(ctx context.Context, code string) (*Code, error)
	ListCodes(ctx context.Context, batchID string, limit int) ([]*Code, error)
	Apply(ctx context.Context, userID int64, code string, now time.Time) (*Code, error)
	Deactivate(ctx context.Context, code string) error
}

// bonusEntries builds the ledger entries one redemption produces. The keys
// bind each (code, user) pair to at most one credit per side, so even a
// bypassed atomicity path cannot double-credit on replay.
func bonusEntries(c *Code, userID int64) []ledger.EntryParams {
	reason := ledger.ReasonPromoBonus
	if c.IsReferral() {
		reason = ledger.ReasonReferralBonus
	}
	entries := []ledger.EntryParams{{
		UserID:         userID,
		Amount:         c.BonusAmount,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("promo:%s:%d", c.Code, userID),
		Note:           c.Code,
	}}
	if c.IsReferral() && c.OwnerBonus > 0 {
		entries = append(entries, ledger.EntryParams{
			UserID:         c.OwnerUserID,
			Amount:         c.OwnerBonus,
			Reason:         ledger.ReasonReferralBonus,
			IdempotencyKey: fmt.Sprintf("promo:%s:%d:owner", c.Code, userID),
			Note:           c.Code,
		})
	}
	return entries
}

// validateCode holds the checks both store implementations run inside
// their atomic section.
func validateCode(c *Code, userID int64, now time.Time) error {
	if !c.Active {
		return ErrCodeNotFound
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return ErrCodeExpired
	}
	if c.MaxUses > 0 && c.UsesCount >= c.MaxUses {
		return ErrCodeExhausted
	}
	if c.OwnerUserID == userID {
		return ErrOwnCode
	}
	return nil
}

// Service is the promo and referral engine.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Normalize canonicalizes user-entered codes.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ApplyCode redeems a code for a user.
func (s *Service) ApplyCode(ctx context.Context, userID int64, rawCode string) (*Result, error) {
	code := Normalize(rawCode)
	if code == "" {
		return nil, ErrCodeNotFound
	}
	ctx, span := traces.StartSpan(ctx, "promo.apply",
		traces.UserID(userID), traces.PromoCode(code))
	defer span.End()

	applied, err := s.store.Apply(ctx, userID, code, time.Now().UTC())
	if err != nil {
		metrics.PromoApplicationsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	metrics.PromoApplicationsTotal.WithLabelValues("applied").Inc()
	logging.L(ctx).Info("code applied",
		"code", code, "user_id", userID, "bonus", applied.BonusAmount, "referral", applied.IsReferral())
	return &Result{
		Code:        applied.Code,
		UserID:      userID,
		BonusAmount: applied.BonusAmount,
		Referral:    applied.IsReferral(),
	}, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrCodeExhausted):
		return "exhausted"
	case errors.Is(err, ErrAlreadyApplied):
		return "already_applied"
	case errors.Is(err, ErrOwnCode):
		return "own_code"
	default:
		return "error"
	}
}

// CreateBatch mints n promo codes sharing a batch ID for campaign tracking.
func (s *Service) CreateBatch(ctx context.Context, n int, bonus int64, maxUses int, expiresAt *time.Time) ([]*Code, error) {
	if n < 1 {
		n = 1
	}
	batchID := idgen.WithPrefix("batch_")
	codes := make([]*Code, 0, n)
	for i := 0; i < n; i++ {
		code := &Code{
			Code:        idgen.Code(promoCodeLength),
			BonusAmount: bonus,
			MaxUses:     maxUses,
			BatchID:     batchID,
			ExpiresAt:   expiresAt,
			Active:      true,
		}
		if err := s.store.CreateCode(ctx, code); err != nil {
			return codes, fmt.Errorf("failed to create code %d of %d: %w", i+1, n, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// EnsureReferralCode returns the user's referral code, minting one on
// first use. Both sides of a redemption earn the given bonuses.
func (s *Service) EnsureReferralCode(ctx context.Context, ownerUserID, redeemerBonus, ownerBonus int64) (*Code, error) {
	existing, err := s.store.ListCodes(ctx, referralBatch(ownerUserID), 1)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	code := &Code{
		Code:        idgen.Code(referralCodeLength),
		BonusAmount: redeemerBonus,
		OwnerBonus:  ownerBonus,
		OwnerUserID: ownerUserID,
		BatchID:     referralBatch(ownerUserID),
		Active:      true,
	}
	if err := s.store.CreateCode(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

func referralBatch(userID int64) string {
	return fmt.Sprintf("referral:%d", userID)
}

// GetCode returns a code by its normalized value.
func (s *Service) GetCode(ctx context.Context, rawCode string) (*Code, error) {
	return s.store.GetCode(ctx, Normalize(rawCode))
}

// Deactivate retires a code.
func (s *Service) Deactivate(ctx context.Context, rawCode string) error {
	return s.store.Deactivate(ctx, Normalize(rawCode))
}
