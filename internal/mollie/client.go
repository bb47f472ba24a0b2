package mollie

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"bursar/pkg/logging"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"
)

// Client wraps the Mollie API operations used for hosted-checkout top-ups.
// Mollie payments are one-off here; recurring charges stay on Stripe.
type Client struct {
	client        *mollie.Client
	webhookSecret string // For webhook signature verification (if enabled)
	logger        logging.Logger
}

// Config for creating a new Mollie client
type Config struct {
	APIKey        string // MOLLIE_API_KEY (live_xxx or test_xxx)
	WebhookSecret string // Optional: for webhook signature verification
	Logger        logging.Logger
}

// NewClient creates a new Mollie client
func NewClient(config Config) (*Client, error) {
	mollieConfig := mollie.NewAPITestingConfig(true) // Use testing mode for test keys
	if len(config.APIKey) > 5 && config.APIKey[:5] == "live_" {
		mollieConfig = mollie.NewAPIConfig(true) // Use live mode for live keys
	}

	client, err := mollie.NewClient(nil, mollieConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie client: %w", err)
	}

	if err := client.WithAuthenticationValue(config.APIKey); err != nil {
		return nil, fmt.Errorf("failed to set Mollie API key: %w", err)
	}

	return &Client{
		client:        client,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}, nil
}

// HasWebhookSecret returns true when webhook signature verification is configured.
func (c *Client) HasWebhookSecret() bool {
	return c.webhookSecret != ""
}

// CreateCustomer creates a Mollie customer and returns its id. Mollie has no
// metadata search, so the id mapping lives in our customers table.
func (c *Client) CreateCustomer(ctx context.Context, platformUserID, email, name string) (string, error) {
	_, customer, err := c.client.Customers.Create(ctx, mollie.CreateCustomer{
		Name:   name,
		Email:  email,
		Locale: mollie.English,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create Mollie customer: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"mollie_customer_id": customer.ID,
		"platform_user_id":   platformUserID,
	}).Info("Created Mollie customer")

	return customer.ID, nil
}

// TopUpPaymentParams for creating a one-off top-up payment
type TopUpPaymentParams struct {
	CustomerID  string // Mollie customer ID
	ReferenceID string // pending top-up id, carried in metadata
	AmountCents int64
	Currency    string
	Description string
	RedirectURL string // Where to redirect after payment
	WebhookURL  string // Webhook for payment status updates
}

// CreateTopUpPayment creates a one-off payment for a credit top-up and
// returns the payment with its hosted checkout URL.
func (c *Client) CreateTopUpPayment(ctx context.Context, params TopUpPaymentParams) (*mollie.Payment, error) {
	paymentParams := mollie.CreatePayment{
		Amount:      Amount(params.AmountCents, params.Currency),
		Description: params.Description,
		RedirectURL: params.RedirectURL,
		WebhookURL:  params.WebhookURL,
		Metadata: map[string]interface{}{
			"purpose":      "add_credit",
			"reference_id": params.ReferenceID,
		},
	}

	_, payment, err := c.client.Customers.CreatePayment(ctx, params.CustomerID, paymentParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create top-up payment: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"payment_id":   payment.ID,
		"customer_id":  params.CustomerID,
		"reference_id": params.ReferenceID,
		"amount_cents": params.AmountCents,
	}).Info("Created Mollie top-up payment")

	return payment, nil
}

// GetPayment retrieves a payment by ID
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*mollie.Payment, error) {
	_, payment, err := c.client.Payments.Get(ctx, paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get Mollie payment: %w", err)
	}
	return payment, nil
}

// VerifyWebhook verifies the webhook signature (if webhook secret is configured)
// Mollie doesn't sign webhooks by default - they recommend IP allowlisting or
// fetching the payment from their API to verify authenticity. This method
// provides optional HMAC verification if configured.
func (c *Client) VerifyWebhook(payload []byte, signature string) bool {
	if c.webhookSecret == "" {
		// No secret configured, skip verification
		// Caller should verify by fetching from Mollie API
		return true
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// Amount converts integer cents into Mollie's decimal string amount.
func Amount(cents int64, currency string) *mollie.Amount {
	return &mollie.Amount{
		Value:    fmt.Sprintf("%d.%02d", cents/100, cents%100),
		Currency: currency,
	}
}
