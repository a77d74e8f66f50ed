package payments

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/pixstudio/genledger/internal/logging"
)

// Stripe caps webhook payloads at 64KB; anything larger is not ours.
const maxWebhookBody = 65536

// StripeWebhook verifies and reconciles Stripe checkout webhooks.
type StripeWebhook struct {
	service *Service
	secret  string
}

func NewStripeWebhook(service *Service, secret string) *StripeWebhook {
	return &StripeWebhook{service: service, secret: secret}
}

// Handle processes a webhook delivery. Signature failures are rejected;
// everything verified is acknowledged with 200 so Stripe stops retrying,
// except reconciliation failures, where a 500 asks for redelivery.
func (h *StripeWebhook) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		logging.L(ctx).Warn("stripe signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if event.Type != "checkout.session.completed" {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": string(event.Type)})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		logging.L(ctx).Error("failed to parse checkout session", "event_id", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	userID, err := strconv.ParseInt(session.ClientReferenceID, 10, 64)
	if err != nil {
		logging.L(ctx).Error("checkout session has no usable client reference",
			"event_id", event.ID, "client_reference", session.ClientReferenceID)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": "no client reference"})
		return
	}
	credits, _ := strconv.ParseInt(session.Metadata["credits"], 10, 64)

	err = h.service.HandleEvent(ctx, &Event{
		ProviderEventID: event.ID,
		Provider:        "stripe",
		UserID:          userID,
		Credits:         credits,
		AmountCents:     session.AmountTotal,
		Currency:        string(session.Currency),
		Status:          "paid",
	})
	if err != nil {
		// Let Stripe redeliver; the idempotency key makes that safe.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
