package stripe

import (
	"context"
	"fmt"
	"strings"

	"bursar/internal/ledger"
	"bursar/pkg/logging"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Client wraps the Stripe API operations the ledger needs: customer
// creation, hosted checkout for top-ups, stored-payment-method lookup and
// off-session charges for auto-recharge.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// HasWebhookSecret reports whether webhook verification is configured.
func (c *Client) HasWebhookSecret() bool {
	return c.webhookSecret != ""
}

// CreateCustomer finds an existing Stripe customer by platform user id or
// creates a new one, returning the Stripe customer id.
func (c *Client) CreateCustomer(ctx context.Context, platformUserID, email, name string) (string, error) {
	// Search for existing customer by platform_user_id metadata
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['platform_user_id']:'%s'", platformUserID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("stripe_customer_id", cust.ID).Debug("Found existing Stripe customer")
		return cust.ID, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for Stripe customer, will create new")
	}

	createParams := &stripe.CustomerParams{
		Metadata: map[string]string{
			"platform_user_id": platformUserID,
		},
	}
	if email != "" {
		createParams.Email = stripe.String(email)
	}
	if name != "" {
		createParams.Name = stripe.String(name)
	}

	cust, err := customer.New(createParams)
	if err != nil {
		return "", fmt.Errorf("failed to create Stripe customer: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"stripe_customer_id": cust.ID,
		"platform_user_id":   platformUserID,
	}).Info("Created new Stripe customer")

	return cust.ID, nil
}

// TopUpSessionParams for creating a one-time payment checkout session
type TopUpSessionParams struct {
	CustomerID  string // Stripe customer ID
	ReferenceID string // pending top-up id, carried in metadata
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// CreateTopUpSession creates a payment-mode Checkout Session for a credit
// top-up. The metadata purpose tag routes the completion webhook back to the
// ledger.
func (c *Client) CreateTopUpSession(ctx context.Context, params TopUpSessionParams) (*stripe.CheckoutSession, error) {
	metadata := map[string]string{
		"purpose":      "add_credit",
		"reference_id": params.ReferenceID,
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Customer: stripe.String(params.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(params.Currency)),
					UnitAmount: stripe.Int64(params.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Credit top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata:   metadata,
	}
	// Save the card for later off-session recharges.
	sessionParams.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		SetupFutureUsage: stripe.String("off_session"),
		Metadata:         metadata,
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id":   sess.ID,
		"reference_id": params.ReferenceID,
		"amount_cents": params.AmountCents,
	}).Info("Created Stripe top-up checkout session")

	return sess, nil
}

// GetDefaultPaymentMethod returns the customer's default payment method, or
// nil when none is stored. The invoice-settings default wins; otherwise the
// most recently attached card is used.
func (c *Client) GetDefaultPaymentMethod(ctx context.Context, stripeCustomerID string) (*ledger.PaymentMethod, error) {
	custParams := &stripe.CustomerParams{}
	custParams.AddExpand("invoice_settings.default_payment_method")
	cust, err := customer.Get(stripeCustomerID, custParams)
	if err != nil {
		return nil, fmt.Errorf("failed to get Stripe customer: %w", err)
	}

	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		return toPaymentMethod(cust.InvoiceSettings.DefaultPaymentMethod), nil
	}

	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(stripeCustomerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	listParams.Limit = stripe.Int64(1)
	iter := paymentmethod.List(listParams)
	for iter.Next() {
		return toPaymentMethod(iter.PaymentMethod()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}

	return nil, nil
}

// CreateOffSessionCharge charges a stored payment method without the
// customer present. The idempotency key makes a retried call a no-op at
// Stripe rather than a second charge.
func (c *Client) CreateOffSessionCharge(ctx context.Context, req ledger.ChargeRequest) (*ledger.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.ProcessorCustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, &ledger.PaymentProcessingError{Provider: "stripe", Err: err}
	}

	c.logger.WithFields(logging.Fields{
		"payment_intent_id": intent.ID,
		"amount_cents":      req.AmountCents,
		"status":            string(intent.Status),
	}).Info("Created off-session charge")

	return &ledger.ChargeResult{ChargeID: intent.ID, Status: string(intent.Status)}, nil
}

// VerifyAndParseWebhook verifies the webhook signature and parses the event
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return &event, nil
}

// CheckoutSessionFromEvent extracts checkout session from a webhook event
func (c *Client) CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	if event.Type != "checkout.session.completed" {
		return nil, fmt.Errorf("event type %s is not checkout.session.completed", event.Type)
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	return &sess, nil
}

func toPaymentMethod(pm *stripe.PaymentMethod) *ledger.PaymentMethod {
	method := &ledger.PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		method.Brand = string(pm.Card.Brand)
		method.Last4 = pm.Card.Last4
	}
	return method
}
