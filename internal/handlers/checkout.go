package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bursar/internal/customers"
	bursarmollie "bursar/internal/mollie"
	bursarstripe "bursar/internal/stripe"
	"bursar/pkg/billing"
	"bursar/pkg/config"
	"bursar/pkg/logging"
)

// CheckoutPurpose identifies the reason for creating a checkout session.
// Used in webhook handling to dispatch to the correct handler.
type CheckoutPurpose string

const (
	// PurposeAddCredit is for prepaid credit top-ups
	PurposeAddCredit CheckoutPurpose = "add_credit"
)

// CheckoutProvider identifies the payment provider
type CheckoutProvider string

const (
	ProviderStripe CheckoutProvider = "stripe"
	ProviderMollie CheckoutProvider = "mollie"
)

// MinTopUpCents is the smallest top-up the checkout accepts.
const MinTopUpCents int64 = 500

// CheckoutResult contains the response from creating a checkout session
type CheckoutResult struct {
	CheckoutURL string    `json:"checkout_url"`
	SessionID   string    `json:"session_id"`
	TopUpID     string    `json:"topup_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CheckoutService creates hosted checkout sessions across providers and
// records the pending top-up each session settles into.
type CheckoutService struct {
	db     *sql.DB
	logger logging.Logger
	stripe *bursarstripe.Client
	mollie *bursarmollie.Client
}

// NewCheckoutService creates a new checkout service. A nil provider client
// means that provider is not configured.
func NewCheckoutService(database *sql.DB, log logging.Logger, stripeClient *bursarstripe.Client, mollieClient *bursarmollie.Client) *CheckoutService {
	return &CheckoutService{
		db:     database,
		logger: log,
		stripe: stripeClient,
		mollie: mollieClient,
	}
}

// CreateCheckoutSession creates a hosted checkout session for a credit top-up
func CreateCheckoutSession(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	var req struct {
		AmountCents int64  `json:"amount_cents"`
		Provider    string `json:"provider"`
		SuccessURL  string `json:"success_url"`
		CancelURL   string `json:"cancel_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.AmountCents < MinTopUpCents {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":           fmt.Sprintf("Minimum top-up is %d cents", MinTopUpCents),
			"min_topup_cents": MinTopUpCents,
		})
		return
	}

	provider := CheckoutProvider(req.Provider)
	if provider == "" {
		provider = ProviderStripe
	}

	result, err := checkout.CreateTopUpCheckout(c.Request.Context(), customer, provider, req.AmountCents, req.SuccessURL, req.CancelURL)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"customer_id":  customer.ID,
			"provider":     provider,
			"amount_cents": req.AmountCents,
		}).Error("Failed to create checkout session")
		if metrics != nil && metrics.CheckoutSessions != nil {
			metrics.CheckoutSessions.WithLabelValues(string(provider), "error").Inc()
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create checkout session"})
		return
	}

	if metrics != nil && metrics.CheckoutSessions != nil {
		metrics.CheckoutSessions.WithLabelValues(string(provider), "created").Inc()
	}
	c.JSON(http.StatusOK, result)
}

// CreateTopUpCheckout records a pending top-up and opens a checkout session
// for it with the requested provider.
func (s *CheckoutService) CreateTopUpCheckout(ctx context.Context, customer *customers.Customer, provider CheckoutProvider, amountCents int64, successURL, cancelURL string) (*CheckoutResult, error) {
	currency := billing.DefaultCurrency()

	var topupID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.pending_topups (customer_id, amount_cents, currency, provider)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, customer.ID, amountCents, currency, string(provider)).Scan(&topupID)
	if err != nil {
		return nil, fmt.Errorf("failed to record pending top-up: %w", err)
	}

	var result *CheckoutResult
	switch provider {
	case ProviderStripe:
		result, err = s.createStripeCheckout(ctx, customer, topupID, amountCents, currency, successURL, cancelURL)
	case ProviderMollie:
		result, err = s.createMollieCheckout(ctx, customer, topupID, amountCents, currency, successURL)
	default:
		err = fmt.Errorf("unsupported payment provider: %s", provider)
	}
	if err != nil {
		// Leave the pending row behind; it can never be credited without a
		// completed session and is visible for reconciliation.
		return nil, err
	}

	_, updErr := s.db.ExecContext(ctx, `
		UPDATE bursar.pending_topups SET checkout_session_id = $1, updated_at = NOW() WHERE id = $2
	`, result.SessionID, topupID)
	if updErr != nil {
		s.logger.WithError(updErr).WithField("topup_id", topupID).Warn("Failed to store checkout session id")
	}

	result.TopUpID = topupID
	return result, nil
}

func (s *CheckoutService) createStripeCheckout(ctx context.Context, customer *customers.Customer, topupID string, amountCents int64, currency, successURL, cancelURL string) (*CheckoutResult, error) {
	if s.stripe == nil {
		return nil, fmt.Errorf("stripe is not configured")
	}

	stripeCustomerID, err := customerStore.EnsureStripeCustomer(ctx, customer, s.stripe)
	if err != nil {
		return nil, err
	}

	sess, err := s.stripe.CreateTopUpSession(ctx, bursarstripe.TopUpSessionParams{
		CustomerID:  stripeCustomerID,
		ReferenceID: topupID,
		AmountCents: amountCents,
		Currency:    currency,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
	})
	if err != nil {
		return nil, err
	}

	// Stripe sessions expire after 24 hours by default
	expiresAt := time.Now().Add(24 * time.Hour)
	if sess.ExpiresAt > 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0)
	}

	return &CheckoutResult{
		CheckoutURL: sess.URL,
		SessionID:   sess.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *CheckoutService) createMollieCheckout(ctx context.Context, customer *customers.Customer, topupID string, amountCents int64, currency, redirectURL string) (*CheckoutResult, error) {
	if s.mollie == nil {
		return nil, fmt.Errorf("mollie is not configured")
	}

	mollieCustomerID, err := customerStore.EnsureMollieCustomer(ctx, customer, s.mollie)
	if err != nil {
		return nil, err
	}

	payment, err := s.mollie.CreateTopUpPayment(ctx, bursarmollie.TopUpPaymentParams{
		CustomerID:  mollieCustomerID,
		ReferenceID: topupID,
		AmountCents: amountCents,
		Currency:    currency,
		Description: "Credit top-up",
		RedirectURL: redirectURL,
		WebhookURL:  config.GetEnv("MOLLIE_WEBHOOK_URL", ""),
	})
	if err != nil {
		return nil, err
	}

	checkoutURL := ""
	if payment.Links.Checkout != nil {
		checkoutURL = payment.Links.Checkout.Href
	}

	// Mollie payments expire after 15 minutes by default
	expiresAt := time.Now().Add(15 * time.Minute)
	if payment.ExpiresAt != nil {
		expiresAt = *payment.ExpiresAt
	}

	return &CheckoutResult{
		CheckoutURL: checkoutURL,
		SessionID:   payment.ID,
		ExpiresAt:   expiresAt,
	}, nil
}
