package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"bursar/pkg/billing"
	"bursar/pkg/logging"
)

// Default auto-recharge settings applied to customers with no stored row.
const (
	DefaultThresholdCents int64 = 500
	DefaultRechargeCents  int64 = 1000
)

const processorCallTimeout = 15 * time.Second

// AutoRechargeSettings controls threshold-triggered top-ups for a customer.
type AutoRechargeSettings struct {
	CustomerID     string `json:"customer_id"`
	Enabled        bool   `json:"enabled"`
	ThresholdCents int64  `json:"threshold_cents"`
	RechargeCents  int64  `json:"recharge_cents"`
}

// PaymentMethod is a stored payment instrument at the processor.
type PaymentMethod struct {
	ID    string
	Brand string
	Last4 string
}

// ChargeRequest describes an off-session charge against a stored payment
// method. IdempotencyKey guards against double-charging on retried writes.
type ChargeRequest struct {
	ProcessorCustomerID string
	PaymentMethodID     string
	AmountCents         int64
	Currency            string
	Description         string
	IdempotencyKey      string
}

// ChargeResult is the processor's confirmation of a charge.
type ChargeResult struct {
	ChargeID string
	Status   string
}

// PaymentProcessor is the slice of the payment provider the auto-recharger
// needs: payment-method lookup and off-session charging.
type PaymentProcessor interface {
	GetDefaultPaymentMethod(ctx context.Context, processorCustomerID string) (*PaymentMethod, error)
	CreateOffSessionCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// AutoRecharger tops a balance back up when a deduction leaves it at or
// below the customer's threshold. It never surfaces errors to the deduction
// path: a failed attempt is logged and retried implicitly by the next
// deduction that crosses the threshold.
type AutoRecharger struct {
	db        *sql.DB
	logger    logging.Logger
	ledger    *Service
	processor PaymentProcessor

	// onAttempt, when set, observes attempt outcomes for metrics.
	onAttempt func(status string)
}

// NewAutoRecharger creates an auto-recharger.
func NewAutoRecharger(db *sql.DB, logger logging.Logger, ledgerSvc *Service, processor PaymentProcessor) *AutoRecharger {
	return &AutoRecharger{db: db, logger: logger, ledger: ledgerSvc, processor: processor}
}

// OnAttempt registers an observer for recharge attempt outcomes.
func (r *AutoRecharger) OnAttempt(fn func(status string)) {
	r.onAttempt = fn
}

// GetSettings returns the customer's auto-recharge settings, falling back
// to the disabled defaults when none are stored.
func (r *AutoRecharger) GetSettings(ctx context.Context, customerID string) (AutoRechargeSettings, error) {
	settings := AutoRechargeSettings{
		CustomerID:     customerID,
		Enabled:        false,
		ThresholdCents: DefaultThresholdCents,
		RechargeCents:  DefaultRechargeCents,
	}

	err := r.db.QueryRowContext(ctx, `
		SELECT enabled, threshold_cents, recharge_cents
		FROM bursar.auto_recharge_settings
		WHERE customer_id = $1
	`, customerID).Scan(&settings.Enabled, &settings.ThresholdCents, &settings.RechargeCents)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to read auto-recharge settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings stores the customer's auto-recharge settings.
func (r *AutoRecharger) UpdateSettings(ctx context.Context, settings AutoRechargeSettings) error {
	if settings.ThresholdCents < 0 {
		return ErrInvalidAmount
	}
	if settings.RechargeCents <= 0 {
		return ErrInvalidAmount
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bursar.auto_recharge_settings (customer_id, enabled, threshold_cents, recharge_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (customer_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			threshold_cents = EXCLUDED.threshold_cents,
			recharge_cents = EXCLUDED.recharge_cents,
			updated_at = NOW()
	`, settings.CustomerID, settings.Enabled, settings.ThresholdCents, settings.RechargeCents)
	if err != nil {
		return fmt.Errorf("failed to store auto-recharge settings: %w", err)
	}
	return nil
}

// MaybeRecharge runs one pass of the recharge state machine and reports
// whether a top-up was charged and credited.
func (r *AutoRecharger) MaybeRecharge(ctx context.Context, customerID string, balanceCents int64) bool {
	settings, err := r.GetSettings(ctx, customerID)
	if err != nil {
		r.logger.WithError(err).WithField("customer_id", customerID).Warn("Failed to load auto-recharge settings")
		r.recordAttempt("settings_error")
		return false
	}
	if !settings.Enabled {
		return false
	}
	if balanceCents > settings.ThresholdCents {
		return false
	}

	var processorCustomerID sql.NullString
	err = r.db.QueryRowContext(ctx, `
		SELECT stripe_customer_id FROM bursar.customers WHERE id = $1
	`, customerID).Scan(&processorCustomerID)
	if err != nil {
		r.logger.WithError(err).WithField("customer_id", customerID).Warn("Failed to resolve processor customer for auto-recharge")
		r.recordAttempt("lookup_error")
		return false
	}
	if !processorCustomerID.Valid || processorCustomerID.String == "" {
		r.logger.WithField("customer_id", customerID).Info("Auto-recharge skipped: no processor customer on file")
		r.recordAttempt("no_payment_method")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, processorCallTimeout)
	defer cancel()

	paymentMethod, err := r.defaultPaymentMethod(callCtx, processorCustomerID.String)
	if err != nil {
		r.logger.WithError(err).WithField("customer_id", customerID).Warn("Failed to look up default payment method")
		r.recordAttempt("lookup_error")
		return false
	}
	if paymentMethod == nil {
		r.logger.WithField("customer_id", customerID).Info("Auto-recharge skipped: no default payment method")
		r.recordAttempt("no_payment_method")
		return false
	}

	result, err := r.processor.CreateOffSessionCharge(callCtx, ChargeRequest{
		ProcessorCustomerID: processorCustomerID.String,
		PaymentMethodID:     paymentMethod.ID,
		AmountCents:         settings.RechargeCents,
		Currency:            billing.DefaultCurrency(),
		Description:         "Automatic recharge",
		IdempotencyKey:      uuid.New().String(),
	})
	if err != nil {
		// A decline is recovered locally: the next deduction that crosses
		// the threshold re-runs this flow.
		r.logger.WithError(err).WithFields(logging.Fields{
			"customer_id":  customerID,
			"amount_cents": settings.RechargeCents,
		}).Warn("Auto-recharge charge failed")
		r.recordAttempt("charge_failed")
		return false
	}

	if _, err := r.ledger.AddCredit(ctx, customerID, settings.RechargeCents, "Automatic recharge"); err != nil {
		// The charge went through but the credit did not land; this needs
		// operator reconciliation against the processor charge id.
		r.logger.WithError(err).WithFields(logging.Fields{
			"customer_id":  customerID,
			"charge_id":    result.ChargeID,
			"amount_cents": settings.RechargeCents,
		}).Error("Auto-recharge charged but crediting failed")
		r.recordAttempt("credit_failed")
		return true
	}

	r.logger.WithFields(logging.Fields{
		"customer_id":  customerID,
		"charge_id":    result.ChargeID,
		"amount_cents": settings.RechargeCents,
	}).Info("Auto-recharge applied")
	r.recordAttempt("success")
	return true
}

// defaultPaymentMethod looks up the stored payment method with bounded
// backoff. The lookup is an idempotent read, so retrying is safe; the charge
// itself is never retried here.
func (r *AutoRecharger) defaultPaymentMethod(ctx context.Context, processorCustomerID string) (*PaymentMethod, error) {
	var paymentMethod *PaymentMethod
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		pm, err := r.processor.GetDefaultPaymentMethod(ctx, processorCustomerID)
		if err != nil {
			return retry.RetryableError(err)
		}
		paymentMethod = pm
		return nil
	})
	return paymentMethod, err
}

func (r *AutoRecharger) recordAttempt(status string) {
	if r.onAttempt != nil {
		r.onAttempt(status)
	}
}
