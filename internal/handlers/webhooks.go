package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mollieapi "github.com/VictorAvelar/mollie-api-go/v4/mollie"
	"github.com/gin-gonic/gin"
	"github.com/sethvargo/go-retry"

	"bursar/internal/ledger"
	"bursar/pkg/config"
	"bursar/pkg/logging"
)

const maxWebhookBodyBytes = 1 << 16

// Stripe webhook payload structure
type StripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"` // Parsed per event type
	} `json:"data"`
}

// StripeCheckoutSessionObject for checkout.session.completed events
type StripeCheckoutSessionObject struct {
	ID            string `json:"id"`
	CustomerID    string `json:"customer"`
	Mode          string `json:"mode"`
	PaymentStatus string `json:"payment_status"`
	Metadata      struct {
		Purpose     string `json:"purpose"`
		ReferenceID string `json:"reference_id"`
	} `json:"metadata"`
}

// verifyStripeSignature verifies the Stripe webhook signature using HMAC-SHA256
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Parse Stripe signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	// Verify timestamp is within tolerance (5 minutes)
	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	// Create signed payload: timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	// Compare with provided signatures using constant-time comparison
	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")

	return false
}

// HandleStripeWebhook processes Stripe webhook events
func HandleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	secret := config.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	signature := c.GetHeader("Stripe-Signature")
	if !verifyStripeSignature(body, signature, secret) {
		logger.Warn("Invalid Stripe webhook signature")
		recordWebhookSignatureFailure("stripe")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid Stripe webhook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	logger.WithFields(logging.Fields{
		"event_id":   payload.ID,
		"event_type": payload.Type,
	}).Info("Received Stripe webhook")
	recordWebhookEvent("stripe", payload.Type)

	// Check idempotency - skip if already processed
	if isWebhookAlreadyProcessed("stripe", payload.ID) {
		logger.WithField("event_id", payload.ID).Debug("Stripe webhook already processed, skipping")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	switch payload.Type {
	case "checkout.session.completed":
		err = handleStripeCheckoutCompleted(c.Request.Context(), payload.Data.Object)
	default:
		logger.WithField("event_type", payload.Type).Debug("Ignoring unhandled Stripe event type")
	}

	if err != nil {
		logger.WithError(err).WithField("event_type", payload.Type).Error("Failed to process Stripe webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}

	// Mark as processed
	markWebhookProcessed("stripe", payload.ID, payload.Type)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleStripeCheckoutCompleted routes a completed checkout session by its
// metadata purpose.
func handleStripeCheckoutCompleted(ctx context.Context, object json.RawMessage) error {
	var obj StripeCheckoutSessionObject
	if err := json.Unmarshal(object, &obj); err != nil {
		return err
	}

	if CheckoutPurpose(obj.Metadata.Purpose) != PurposeAddCredit {
		logger.WithFields(logging.Fields{
			"session_id": obj.ID,
			"purpose":    obj.Metadata.Purpose,
		}).Debug("Ignoring checkout session with unhandled purpose")
		return nil
	}
	if obj.Metadata.ReferenceID == "" {
		logger.WithField("session_id", obj.ID).Warn("Checkout session completed without reference_id")
		return nil
	}

	credited, err := ledgerSvc.ApplyTopUp(ctx, obj.Metadata.ReferenceID, obj.ID)
	if errors.Is(err, ledger.ErrTopUpNotFound) {
		logger.WithFields(logging.Fields{
			"session_id":   obj.ID,
			"reference_id": obj.Metadata.ReferenceID,
		}).Warn("Checkout session references unknown top-up")
		return nil
	}
	if err != nil {
		return err
	}
	if credited {
		recordCreditOperation("topup", "success")
	}
	return nil
}

// HandleMollieWebhook processes Mollie webhook notifications. Mollie posts
// only a payment id; authenticity comes from fetching the payment back from
// the Mollie API.
func HandleMollieWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	c.Request.Body = io.NopCloser(strings.NewReader(string(body)))

	if checkout == nil || checkout.mollie == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Mollie is not configured"})
		return
	}

	if checkout.mollie.HasWebhookSecret() {
		if !checkout.mollie.VerifyWebhook(body, c.GetHeader("X-Mollie-Signature")) {
			logger.Warn("Invalid Mollie webhook signature")
			recordWebhookSignatureFailure("mollie")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	paymentID := c.PostForm("id")
	if paymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing payment id"})
		return
	}

	logger.WithField("payment_id", paymentID).Info("Received Mollie webhook")
	recordWebhookEvent("mollie", "payment")

	payment, err := fetchMolliePayment(c.Request.Context(), paymentID)
	if err != nil {
		logger.WithError(err).WithField("payment_id", paymentID).Error("Failed to fetch Mollie payment")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch payment"})
		return
	}

	if string(payment.Status) != "paid" {
		logger.WithFields(logging.Fields{
			"payment_id": paymentID,
			"status":     payment.Status,
		}).Debug("Ignoring Mollie payment in non-paid status")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	// Check idempotency - skip if already processed
	if isWebhookAlreadyProcessed("mollie", paymentID) {
		logger.WithField("payment_id", paymentID).Debug("Mollie payment already processed, skipping")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	referenceID := ""
	if metadata, ok := payment.Metadata.(map[string]interface{}); ok {
		if purpose, _ := metadata["purpose"].(string); CheckoutPurpose(purpose) != PurposeAddCredit {
			logger.WithField("payment_id", paymentID).Debug("Ignoring Mollie payment with unhandled purpose")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		referenceID, _ = metadata["reference_id"].(string)
	}
	if referenceID == "" {
		logger.WithField("payment_id", paymentID).Warn("Mollie payment without reference_id")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	credited, err := ledgerSvc.ApplyTopUp(c.Request.Context(), referenceID, paymentID)
	if err != nil && !errors.Is(err, ledger.ErrTopUpNotFound) {
		logger.WithError(err).WithField("payment_id", paymentID).Error("Failed to apply Mollie top-up")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}
	if credited {
		recordCreditOperation("topup", "success")
	}

	markWebhookProcessed("mollie", paymentID, "payment.paid")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// fetchMolliePayment reads the payment back from Mollie with bounded
// backoff. The read is idempotent, so retrying is safe.
func fetchMolliePayment(ctx context.Context, paymentID string) (*mollieapi.Payment, error) {
	var payment *mollieapi.Payment
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := checkout.mollie.GetPayment(ctx, paymentID)
		if err != nil {
			return retry.RetryableError(err)
		}
		payment = p
		return nil
	})
	return payment, err
}

// isWebhookAlreadyProcessed checks if a webhook event was already processed
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM bursar.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID, eventType string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO bursar.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}
