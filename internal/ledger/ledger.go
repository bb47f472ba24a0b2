package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bursar/pkg/logging"
)

// Balance is the derived credit position of a customer. It is maintained as
// an authoritative running balance alongside the append-only transaction
// log, so reads never depend on a bounded history window.
type Balance struct {
	GrantedCents   int64 `json:"granted_cents"`
	UsedCents      int64 `json:"used_cents"`
	RemainingCents int64 `json:"remaining_cents"`
}

// Transaction is one immutable row of the credit ledger.
// Sign convention: negative = credit granted, positive = usage debited.
type Transaction struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recharger is consulted after every successful deduction with the
// post-deduction balance. Implementations must never return an error to the
// deduction path; a failed recharge is recovered locally.
type Recharger interface {
	MaybeRecharge(ctx context.Context, customerID string, balanceCents int64) bool
}

// Service owns all mutations of the credit ledger.
//
// Serialization: every mutating operation locks the customer's
// credit_balances row (SELECT ... FOR UPDATE) for the duration of its
// transaction, so concurrent mutations against one customer are serialized
// by the database while different customers proceed in parallel.
type Service struct {
	db        *sql.DB
	logger    logging.Logger
	recharger Recharger
}

// NewService creates a ledger service.
func NewService(db *sql.DB, logger logging.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// SetRecharger installs the auto-recharge hook invoked after deductions.
func (s *Service) SetRecharger(r Recharger) {
	s.recharger = r
}

// GetBalance returns the customer's current balance. A customer with no
// ledger history has an all-zero balance.
func (s *Service) GetBalance(ctx context.Context, customerID string) (Balance, error) {
	var granted, used int64
	err := s.db.QueryRowContext(ctx, `
		SELECT granted_cents, used_cents FROM bursar.credit_balances
		WHERE customer_id = $1
	`, customerID).Scan(&granted, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return Balance{GrantedCents: granted, UsedCents: used, RemainingCents: granted - used}, nil
}

// AddCredit grants amountCents of credit and returns the new balance.
// Used for sign-up credit, purchased top-ups and auto-recharge proceeds.
func (s *Service) AddCredit(ctx context.Context, customerID string, amountCents int64, description string) (Balance, error) {
	if amountCents <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	granted, used, err := s.lockBalance(ctx, tx, customerID)
	if err != nil {
		return Balance{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_transactions (customer_id, amount_cents, description)
		VALUES ($1, $2, $3)
	`, customerID, -amountCents, description)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to append credit transaction: %w", err)
	}

	granted += amountCents
	if err := s.writeBalance(ctx, tx, customerID, granted, used); err != nil {
		return Balance{}, err
	}

	if err := tx.Commit(); err != nil {
		return Balance{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	balance := Balance{GrantedCents: granted, UsedCents: used, RemainingCents: granted - used}

	s.logger.WithFields(logging.Fields{
		"customer_id":     customerID,
		"amount_cents":    amountCents,
		"remaining_cents": balance.RemainingCents,
		"description":     description,
	}).Info("Credit granted")

	return balance, nil
}

// DeductCredit debits amountCents of usage and returns the new balance.
// It fails with InsufficientCreditError when the remaining balance does not
// cover the request. After a successful deduction the auto-recharger is
// consulted with the post-deduction balance; its outcome never affects the
// deduction that already happened.
func (s *Service) DeductCredit(ctx context.Context, customerID string, amountCents int64, description string) (Balance, error) {
	if amountCents <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	granted, used, err := s.lockBalance(ctx, tx, customerID)
	if err != nil {
		return Balance{}, err
	}

	remaining := granted - used
	if remaining < amountCents {
		return Balance{}, &InsufficientCreditError{RemainingCents: remaining, RequestedCents: amountCents}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_transactions (customer_id, amount_cents, description)
		VALUES ($1, $2, $3)
	`, customerID, amountCents, description)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to append debit transaction: %w", err)
	}

	used += amountCents
	if err := s.writeBalance(ctx, tx, customerID, granted, used); err != nil {
		return Balance{}, err
	}

	if err := tx.Commit(); err != nil {
		return Balance{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	balance := Balance{GrantedCents: granted, UsedCents: used, RemainingCents: granted - used}

	s.logger.WithFields(logging.Fields{
		"customer_id":     customerID,
		"amount_cents":    amountCents,
		"remaining_cents": balance.RemainingCents,
		"description":     description,
	}).Info("Credit deducted")

	if s.recharger != nil {
		if s.recharger.MaybeRecharge(ctx, customerID, balance.RemainingCents) {
			if refreshed, err := s.GetBalance(ctx, customerID); err == nil {
				balance = refreshed
			}
		}
	}

	return balance, nil
}

// ApplyTopUp credits a pending hosted-checkout top-up. It is idempotent:
// once the top-up has left the pending state, redelivered confirmations are
// acknowledged without crediting again. Returns whether credit was applied.
func (s *Service) ApplyTopUp(ctx context.Context, topupID, sessionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var customerID, status, provider string
	var amountCents int64
	err = tx.QueryRowContext(ctx, `
		SELECT customer_id, amount_cents, provider, status
		FROM bursar.pending_topups
		WHERE id = $1
		FOR UPDATE
	`, topupID).Scan(&customerID, &amountCents, &provider, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTopUpNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load pending top-up: %w", err)
	}

	if status != "pending" {
		s.logger.WithFields(logging.Fields{
			"topup_id": topupID,
			"status":   status,
		}).Info("Top-up already processed, skipping")
		return false, nil
	}

	granted, used, err := s.lockBalance(ctx, tx, customerID)
	if err != nil {
		return false, err
	}

	var txID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bursar.credit_transactions (customer_id, amount_cents, description)
		VALUES ($1, $2, $3)
		RETURNING id
	`, customerID, -amountCents, "Payment via hosted checkout").Scan(&txID)
	if err != nil {
		return false, fmt.Errorf("failed to append top-up transaction: %w", err)
	}

	granted += amountCents
	if err := s.writeBalance(ctx, tx, customerID, granted, used); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.pending_topups
		SET status = 'completed', completed_at = NOW(), credit_transaction_id = $1,
		    checkout_session_id = COALESCE(NULLIF($2, ''), checkout_session_id),
		    updated_at = NOW()
		WHERE id = $3
	`, txID, sessionID, topupID)
	if err != nil {
		return false, fmt.Errorf("failed to complete pending top-up: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"customer_id":     customerID,
		"topup_id":        topupID,
		"amount_cents":    amountCents,
		"provider":        provider,
		"remaining_cents": granted - used,
		"transaction_id":  txID,
	}).Info("Credited balance from hosted checkout top-up")

	return true, nil
}

// ListTransactions returns the customer's most recent ledger entries,
// newest first.
func (s *Service) ListTransactions(ctx context.Context, customerID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, amount_cents, description, created_at
		FROM bursar.credit_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.AmountCents, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// lockBalance ensures the customer's balance row exists and locks it for the
// duration of the surrounding transaction.
func (s *Service) lockBalance(ctx context.Context, tx *sql.Tx, customerID string) (granted, used int64, err error) {
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_balances (customer_id)
		VALUES ($1)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT granted_cents, used_cents FROM bursar.credit_balances
		WHERE customer_id = $1
		FOR UPDATE
	`, customerID).Scan(&granted, &used)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock balance row: %w", err)
	}
	return granted, used, nil
}

func (s *Service) writeBalance(ctx context.Context, tx *sql.Tx, customerID string, granted, used int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_balances
		SET granted_cents = $1, used_cents = $2, updated_at = NOW()
		WHERE customer_id = $3
	`, granted, used, customerID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}
