package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/pixstudio/genledger/internal/ledger"
)

const testWebhookSecret = "whsec_test_secret"

func newStripeRouter(t *testing.T) (*gin.Engine, *ledger.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ledgerSvc := ledger.New(ledger.NewMemoryStore())
	svc := New(NewMemoryStore(ledgerSvc))
	handler := NewStripeWebhook(svc, testWebhookSecret)

	r := gin.New()
	r.POST("/webhooks/stripe", handler.Handle)
	return r, ledgerSvc
}

func checkoutEvent(t *testing.T, eventID, clientRef, credits string) []byte {
	t.Helper()
	session := map[string]any{
		"id":                  "cs_test_1",
		"client_reference_id": clientRef,
		"amount_total":        499,
		"currency":            "usd",
		"metadata":            map[string]string{"credits": credits},
	}
	raw, _ := json.Marshal(session)
	body, err := json.Marshal(map[string]any{
		"id":          eventID,
		"type":        "checkout.session.completed",
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return body
}

func deliver(r *gin.Engine, body []byte, secret string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	r.ServeHTTP(w, req)
	return w
}

func TestStripeWebhookCreditsUser(t *testing.T) {
	r, ledgerSvc := newStripeRouter(t)
	body := checkoutEvent(t, "evt_stripe_1", "42", "150")

	w := deliver(r, body, testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	balance, _ := ledgerSvc.Balance(context.Background(), 42)
	if balance != 150 {
		t.Errorf("expected balance 150, got %d", balance)
	}
}

func TestStripeWebhookDuplicateDelivery(t *testing.T) {
	r, ledgerSvc := newStripeRouter(t)
	body := checkoutEvent(t, "evt_stripe_dup", "42", "150")

	for i := 0; i < 3; i++ {
		if w := deliver(r, body, testWebhookSecret); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, w.Code)
		}
	}

	balance, _ := ledgerSvc.Balance(context.Background(), 42)
	if balance != 150 {
		t.Errorf("duplicate deliveries credited more than once: balance %d", balance)
	}
}

func TestStripeWebhookBadSignature(t *testing.T) {
	r, ledgerSvc := newStripeRouter(t)
	body := checkoutEvent(t, "evt_stripe_forged", "42", "150")

	w := deliver(r, body, "whsec_wrong_secret")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", w.Code)
	}
	balance, _ := ledgerSvc.Balance(context.Background(), 42)
	if balance != 0 {
		t.Errorf("forged webhook credited user: balance %d", balance)
	}
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	r, ledgerSvc := newStripeRouter(t)
	body, _ := json.Marshal(map[string]any{
		"id":          "evt_other",
		"type":        "invoice.paid",
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": map[string]any{}},
	})

	w := deliver(r, body, testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	balance, _ := ledgerSvc.Balance(context.Background(), 42)
	if balance != 0 {
		t.Errorf("unrelated event credited user: balance %d", balance)
	}
}
