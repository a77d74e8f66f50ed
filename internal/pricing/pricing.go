// Package pricing resolves the credit cost of a generation request before
// any debit happens. Prices are integer credits per (model, option) pair;
// a request's total is base plus option modifiers, times the output count,
// minus the user's discount rounded in the user's favor.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrModelNotPriced = errors.New("model has no price entries")
	ErrTooManyOutputs = errors.New("output count exceeds the allowed maximum")
)

// BaseKey is the option key holding a model's base price.
const BaseKey = "base"

// Price is one priced (model, option) pair. The base price uses BaseKey;
// option modifiers use "<option>_<value>", e.g. "quality_high".
type Price struct {
	ModelKey  string `json:"modelKey"`
	OptionKey string `json:"optionKey"`
	Credits   int64  `json:"credits"`
	Active    bool   `json:"active"`
}

// Modifier is one option surcharge applied to a request.
type Modifier struct {
	Key     string `json:"key"`
	Credits int64  `json:"credits"`
}

// Breakdown explains how a request's total cost was computed.
type Breakdown struct {
	ModelKey    string     `json:"modelKey"`
	Base        int64      `json:"base"`
	Modifiers   []Modifier `json:"modifiers,omitempty"`
	PerOutput   int64      `json:"perOutput"`
	Outputs     int        `json:"outputs"`
	DiscountPct int        `json:"discountPct"`
	Total       int64      `json:"total"`
}

// Store provides price lookup and administration.
type Store interface {
	// PriceMap returns active option-key to credits for a model.
	PriceMap(ctx context.Context, modelKey string) (map[string]int64, error)
	SetPrice(ctx context.Context, p Price) error
	ListPrices(ctx context.Context, modelKey string) ([]Price, error)
}

// Service computes request costs from a Store.
type Service struct {
	store      Store
	maxOutputs int
}

func New(store Store, maxOutputs int) *Service {
	if maxOutputs < 1 {
		maxOutputs = 1
	}
	return &Service{store: store, maxOutputs: maxOutputs}
}

// Resolve computes the cost of a request. Options whose "<key>_<value>"
// pair carries no price contribute nothing; unknown options are not an
// error. discountPct is clamped to [0, 100] and rounding always favors
// the user (ceiling of the discounted subtotal).
func (s *Service) Resolve(ctx context.Context, modelKey string, options map[string]string, outputs, discountPct int) (*Breakdown, error) {
	if outputs < 1 {
		outputs = 1
	}
	if outputs > s.maxOutputs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOutputs, outputs, s.maxOutputs)
	}

	prices, err := s.store.PriceMap(ctx, modelKey)
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrModelNotPriced, modelKey)
	}

	b := &Breakdown{
		ModelKey: modelKey,
		Base:     prices[BaseKey],
		Outputs:  outputs,
	}

	// Deterministic modifier order for stable breakdowns.
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		optKey := k + "_" + options[k]
		if credits, ok := prices[optKey]; ok && credits != 0 {
			b.Modifiers = append(b.Modifiers, Modifier{Key: optKey, Credits: credits})
		}
	}

	b.PerOutput = b.Base
	for _, m := range b.Modifiers {
		b.PerOutput += m.Credits
	}
	subtotal := b.PerOutput * int64(outputs)

	if discountPct < 0 {
		discountPct = 0
	}
	if discountPct > 100 {
		discountPct = 100
	}
	b.DiscountPct = discountPct
	b.Total = applyDiscount(subtotal, discountPct)
	return b, nil
}

// applyDiscount rounds the discounted subtotal up, so the user never pays
// more than the undiscounted price and partial credits round toward them.
func applyDiscount(subtotal int64, pct int) int64 {
	if pct <= 0 {
		return subtotal
	}
	return (subtotal*int64(100-pct) + 99) / 100
}
