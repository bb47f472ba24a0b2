package customers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bursar/pkg/logging"
)

// ErrNotFound is returned when a customer lookup matches no row.
var ErrNotFound = errors.New("customer not found")

// Customer is a tenant of the credit ledger. Processor customer ids are
// created lazily, the first time the customer touches the relevant provider.
type Customer struct {
	ID               string `json:"id"`
	PlatformUserID   string `json:"platform_user_id"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
	MollieCustomerID string `json:"mollie_customer_id,omitempty"`
	Email            string `json:"email,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
}

// ProcessorCustomerCreator creates (or finds) the counterpart customer
// object at a payment provider.
type ProcessorCustomerCreator interface {
	CreateCustomer(ctx context.Context, platformUserID, email, name string) (string, error)
}

// Store persists the mapping between platform identities and ledger
// customers.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// NewStore creates a customer store.
func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// GetOrCreate resolves the ledger customer for a platform user, creating the
// row on first contact.
func (s *Store) GetOrCreate(ctx context.Context, platformUserID, email, displayName string) (*Customer, error) {
	if platformUserID == "" {
		return nil, fmt.Errorf("platform user id is required")
	}

	customer := &Customer{}
	var stripeID, mollieID, storedEmail, storedName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.customers (platform_user_id, email, display_name)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		ON CONFLICT (platform_user_id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), bursar.customers.email),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), bursar.customers.display_name),
			updated_at = NOW()
		RETURNING id, platform_user_id, stripe_customer_id, mollie_customer_id, email, display_name
	`, platformUserID, email, displayName).Scan(
		&customer.ID, &customer.PlatformUserID, &stripeID, &mollieID, &storedEmail, &storedName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	customer.StripeCustomerID = stripeID.String
	customer.MollieCustomerID = mollieID.String
	customer.Email = storedEmail.String
	customer.DisplayName = storedName.String
	return customer, nil
}

// GetByID loads a customer by ledger id.
func (s *Store) GetByID(ctx context.Context, customerID string) (*Customer, error) {
	customer := &Customer{}
	var stripeID, mollieID, email, name sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform_user_id, stripe_customer_id, mollie_customer_id, email, display_name
		FROM bursar.customers
		WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.PlatformUserID, &stripeID, &mollieID, &email, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}

	customer.StripeCustomerID = stripeID.String
	customer.MollieCustomerID = mollieID.String
	customer.Email = email.String
	customer.DisplayName = name.String
	return customer, nil
}

// EnsureStripeCustomer returns the customer's Stripe customer id, creating
// the Stripe-side customer on first use and persisting the mapping.
func (s *Store) EnsureStripeCustomer(ctx context.Context, customer *Customer, creator ProcessorCustomerCreator) (string, error) {
	if customer.StripeCustomerID != "" {
		return customer.StripeCustomerID, nil
	}

	stripeID, err := creator.CreateCustomer(ctx, customer.PlatformUserID, customer.Email, customer.DisplayName)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE bursar.customers SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2
	`, stripeID, customer.ID)
	if err != nil {
		return "", fmt.Errorf("failed to store stripe customer id: %w", err)
	}

	customer.StripeCustomerID = stripeID
	s.logger.WithFields(logging.Fields{
		"customer_id":        customer.ID,
		"stripe_customer_id": stripeID,
	}).Info("Linked customer to Stripe")
	return stripeID, nil
}

// EnsureMollieCustomer returns the customer's Mollie customer id, creating
// the Mollie-side customer on first use and persisting the mapping.
func (s *Store) EnsureMollieCustomer(ctx context.Context, customer *Customer, creator ProcessorCustomerCreator) (string, error) {
	if customer.MollieCustomerID != "" {
		return customer.MollieCustomerID, nil
	}

	mollieID, err := creator.CreateCustomer(ctx, customer.PlatformUserID, customer.Email, customer.DisplayName)
	if err != nil {
		return "", fmt.Errorf("failed to create mollie customer: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE bursar.customers SET mollie_customer_id = $1, updated_at = NOW() WHERE id = $2
	`, mollieID, customer.ID)
	if err != nil {
		return "", fmt.Errorf("failed to store mollie customer id: %w", err)
	}

	customer.MollieCustomerID = mollieID
	s.logger.WithFields(logging.Fields{
		"customer_id":        customer.ID,
		"mollie_customer_id": mollieID,
	}).Info("Linked customer to Mollie")
	return mollieID, nil
}
