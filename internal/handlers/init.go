package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"bursar/internal/customers"
	"bursar/internal/ledger"
	"bursar/pkg/logging"
)

var (
	db            *sql.DB
	logger        logging.Logger
	metrics       *BursarMetrics
	ledgerSvc     *ledger.Service
	pricer        *ledger.Pricer
	recharger     *ledger.AutoRecharger
	customerStore *customers.Store
	checkout      *CheckoutService
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	CreditOperations         *prometheus.CounterVec
	RechargeAttempts         *prometheus.CounterVec
	CheckoutSessions         *prometheus.CounterVec
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures *prometheus.CounterVec
}

// Deps bundles everything the handlers need.
type Deps struct {
	DB            *sql.DB
	Logger        logging.Logger
	Metrics       *BursarMetrics
	Ledger        *ledger.Service
	Pricer        *ledger.Pricer
	Recharger     *ledger.AutoRecharger
	CustomerStore *customers.Store
	Checkout      *CheckoutService
}

// Init initializes the handlers with database, logger and services
func Init(deps Deps) {
	db = deps.DB
	logger = deps.Logger
	metrics = deps.Metrics
	ledgerSvc = deps.Ledger
	pricer = deps.Pricer
	recharger = deps.Recharger
	customerStore = deps.CustomerStore
	checkout = deps.Checkout
}

func recordCreditOperation(operation, outcome string) {
	if metrics != nil && metrics.CreditOperations != nil {
		metrics.CreditOperations.WithLabelValues(operation, outcome).Inc()
	}
}

func recordWebhookEvent(provider, eventType string) {
	if metrics != nil && metrics.WebhookEvents != nil {
		metrics.WebhookEvents.WithLabelValues(provider, eventType).Inc()
	}
}

func recordWebhookSignatureFailure(provider string) {
	if metrics != nil && metrics.WebhookSignatureFailures != nil {
		metrics.WebhookSignatureFailures.WithLabelValues(provider).Inc()
	}
}
