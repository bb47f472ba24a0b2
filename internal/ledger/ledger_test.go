package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"bursar/pkg/logging"
)

func TestGetBalance_NoHistoryIsZero(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	customerID := uuid.New().String()

	mock.ExpectQuery("SELECT granted_cents, used_cents FROM bursar.credit_balances").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"granted_cents", "used_cents"}))

	balance, err := svc.GetBalance(context.Background(), customerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.GrantedCents != 0 || balance.UsedCents != 0 || balance.RemainingCents != 0 {
		t.Fatalf("expected zero balance, got %+v", balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddCredit_AppendsNegativeTransactionAndUpdatesBalance(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	customerID := uuid.New().String()
	amountCents := int64(1000)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.credit_balances").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT granted_cents, used_cents.*FOR UPDATE`).
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"granted_cents", "used_cents"}).AddRow(500, 200))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WithArgs(customerID, -amountCents, "Sign-up credit").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WithArgs(int64(1500), int64(200), customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	balance, err := svc.AddCredit(context.Background(), customerID, amountCents, "Sign-up credit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.RemainingCents != 1300 {
		t.Fatalf("expected remaining 1300, got %d", balance.RemainingCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddCredit_RejectsNonPositiveAmount(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())

	if _, err := svc.AddCredit(context.Background(), uuid.New().String(), 0, "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.AddCredit(context.Background(), uuid.New().String(), -5, "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDeductCredit_DebitsAndReturnsBalance(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	customerID := uuid.New().String()
	amountCents := int64(300)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.credit_balances").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT granted_cents, used_cents.*FOR UPDATE`).
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"granted_cents", "used_cents"}).AddRow(1000, 0))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WithArgs(customerID, amountCents, "API usage").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WithArgs(int64(1000), int64(300), customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	balance, err := svc.DeductCredit(context.Background(), customerID, amountCents, "API usage")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.RemainingCents != 700 {
		t.Fatalf("expected remaining 700, got %d", balance.RemainingCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeductCredit_InsufficientCredit(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	customerID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.credit_balances").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT granted_cents, used_cents.*FOR UPDATE`).
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"granted_cents", "used_cents"}).AddRow(1000, 900))
	mock.ExpectRollback()

	_, err = svc.DeductCredit(context.Background(), customerID, 200, "API usage")
	var insufficient *InsufficientCreditError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditError, got %v", err)
	}
	if insufficient.RemainingCents != 100 || insufficient.RequestedCents != 200 {
		t.Fatalf("unexpected error detail: %+v", insufficient)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeductCredit_TriggersRechargerWithPostDeductionBalance(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	customerID := uuid.New().String()

	var observed int64 = -1
	svc.SetRecharger(rechargerFunc(func(ctx context.Context, id string, balanceCents int64) bool {
		observed = balanceCents
		return false
	}))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.credit_balances").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT granted_cents, used_cents.*FOR UPDATE`).
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"granted_cents", "used_cents"}).AddRow(600, 0))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WithArgs(customerID, int64(200), "API usage").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WithArgs(int64(600), int64(200), customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := svc.DeductCredit(context.Background(), customerID, 200, "API usage"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed != 400 {
		t.Fatalf("expected recharger to see balance 400, got %d", observed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyTopUp_CreditsPendingTopUp(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	customerID := uuid.New().String()
	topupID := uuid.New().String()
	txID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT customer_id, amount_cents, provider, status.*FOR UPDATE`).
		WithArgs(topupID).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "amount_cents", "provider", "status"}).
			AddRow(customerID, 1000, "stripe", "pending"))
	mock.ExpectExec("INSERT INTO bursar.credit_balances").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT granted_cents, used_cents.*FOR UPDATE`).
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"granted_cents", "used_cents"}).AddRow(0, 0))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs(customerID, int64(-1000), "Payment via hosted checkout").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txID))
	mock.ExpectExec("UPDATE bursar.credit_balances").
		WithArgs(int64(1000), int64(0), customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.pending_topups").
		WithArgs(txID, "cs_test_123", topupID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	credited, err := svc.ApplyTopUp(context.Background(), topupID, "cs_test_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !credited {
		t.Fatal("expected top-up to credit")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyTopUp_AlreadyCompletedIsNoOp(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	topupID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT customer_id, amount_cents, provider, status.*FOR UPDATE`).
		WithArgs(topupID).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "amount_cents", "provider", "status"}).
			AddRow(uuid.New().String(), 1000, "stripe", "completed"))
	mock.ExpectRollback()

	credited, err := svc.ApplyTopUp(context.Background(), topupID, "cs_test_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credited {
		t.Fatal("expected redelivered top-up to be skipped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyTopUp_UnknownTopUp(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	svc := NewService(mockDB, logging.NewLogger())
	topupID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT customer_id, amount_cents, provider, status.*FOR UPDATE`).
		WithArgs(topupID).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "amount_cents", "provider", "status"}))
	mock.ExpectRollback()

	if _, err := svc.ApplyTopUp(context.Background(), topupID, ""); !errors.Is(err, ErrTopUpNotFound) {
		t.Fatalf("expected ErrTopUpNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type rechargerFunc func(ctx context.Context, customerID string, balanceCents int64) bool

func (f rechargerFunc) MaybeRecharge(ctx context.Context, customerID string, balanceCents int64) bool {
	return f(ctx, customerID, balanceCents)
}
