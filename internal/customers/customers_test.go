package customers

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"bursar/pkg/logging"
)

func TestGetOrCreate_ResolvesExistingCustomer(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, logging.NewLogger())
	customerID := uuid.New().String()

	mock.ExpectQuery("INSERT INTO bursar.customers").
		WithArgs("user-1", "u@example.com", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "platform_user_id", "stripe_customer_id", "mollie_customer_id", "email", "display_name"}).
			AddRow(customerID, "user-1", "cus_abc", nil, "u@example.com", nil))

	customer, err := store.GetOrCreate(context.Background(), "user-1", "u@example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if customer.ID != customerID {
		t.Fatalf("expected id %s, got %s", customerID, customer.ID)
	}
	if customer.StripeCustomerID != "cus_abc" {
		t.Fatalf("expected stripe id cus_abc, got %q", customer.StripeCustomerID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetOrCreate_RequiresPlatformUserID(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, logging.NewLogger())
	if _, err := store.GetOrCreate(context.Background(), "", "", ""); err == nil {
		t.Fatal("expected error for empty platform user id")
	}
}

func TestGetByID_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, logging.NewLogger())
	customerID := uuid.New().String()

	mock.ExpectQuery("SELECT id, platform_user_id, stripe_customer_id").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "platform_user_id", "stripe_customer_id", "mollie_customer_id", "email", "display_name"}))

	if _, err := store.GetByID(context.Background(), customerID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type fakeCreator struct {
	id  string
	err error
}

func (f *fakeCreator) CreateCustomer(ctx context.Context, platformUserID, email, name string) (string, error) {
	return f.id, f.err
}

func TestEnsureStripeCustomer_CreatesAndPersistsOnce(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewStore(mockDB, logging.NewLogger())
	customer := &Customer{ID: uuid.New().String(), PlatformUserID: "user-1"}

	mock.ExpectExec("UPDATE bursar.customers SET stripe_customer_id").
		WithArgs("cus_new", customer.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stripeID, err := store.EnsureStripeCustomer(context.Background(), customer, &fakeCreator{id: "cus_new"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stripeID != "cus_new" {
		t.Fatalf("expected cus_new, got %q", stripeID)
	}

	// Second call returns the cached id without touching the creator or DB.
	stripeID, err = store.EnsureStripeCustomer(context.Background(), customer, &fakeCreator{err: errors.New("should not be called")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stripeID != "cus_new" {
		t.Fatalf("expected cached cus_new, got %q", stripeID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
