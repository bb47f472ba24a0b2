package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bursar/internal/customers"
	"bursar/internal/ledger"
)

// currentCustomer resolves the authenticated platform user to a ledger
// customer, creating the customer row on first contact.
func currentCustomer(c *gin.Context) (*customers.Customer, bool) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}

	customer, err := customerStore.GetOrCreate(c.Request.Context(), userID, c.GetString("email"), "")
	if err != nil {
		logger.WithError(err).WithField("platform_user_id", userID).Error("Failed to resolve customer")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve customer"})
		return nil, false
	}
	return customer, true
}

// UsageRequest carries the raw usage counters of one billable event.
type UsageRequest struct {
	ToolCalls    int64 `json:"tool_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// GetCredit returns the customer's current balance
func GetCredit(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	balance, err := ledgerSvc.GetBalance(c.Request.Context(), customer.ID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read balance"})
		return
	}

	settings, err := recharger.GetSettings(c.Request.Context(), customer.ID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", customer.ID).Warn("Failed to read auto-recharge settings")
	}

	c.JSON(http.StatusOK, gin.H{
		"customer_id":           customer.ID,
		"balance":               balance,
		"auto_recharge_enabled": settings.Enabled,
	})
}

// ValidateCredit reports whether the balance covers a prospective charge,
// without mutating the ledger. The caller supplies either a flat amount or
// raw usage counters to be priced.
func ValidateCredit(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	var req struct {
		AmountCents int64 `json:"amount_cents"`
		UsageRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AmountCents < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_cents must not be negative"})
		return
	}

	totalCents := req.AmountCents
	var items []ledger.ConsumptionItem
	if totalCents == 0 {
		consumption := pricer.PriceUsage(req.ToolCalls, req.InputTokens, req.OutputTokens)
		totalCents = consumption.TotalCents
		items = consumption.Items
	}

	balance, err := ledgerSvc.GetBalance(c.Request.Context(), customer.ID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read balance"})
		return
	}

	allowed := balance.RemainingCents >= totalCents
	recordCreditOperation("validate", strconv.FormatBool(allowed))

	resp := gin.H{
		"allowed":         allowed,
		"total_cents":     totalCents,
		"remaining_cents": balance.RemainingCents,
	}
	if items != nil {
		resp["items"] = items
	}
	c.JSON(http.StatusOK, resp)
}

// DeductCredit prices a usage event and debits it from the balance. A
// zero-cost event does not touch the ledger.
func DeductCredit(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	consumption := pricer.PriceUsage(req.ToolCalls, req.InputTokens, req.OutputTokens)

	if consumption.TotalCents == 0 {
		balance, err := ledgerSvc.GetBalance(c.Request.Context(), customer.ID)
		if err != nil {
			logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to read balance")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read balance"})
			return
		}
		recordCreditOperation("deduct", "zero_cost")
		c.JSON(http.StatusOK, gin.H{
			"deducted_cents": int64(0),
			"balance":        balance,
			"items":          consumption.Items,
		})
		return
	}

	balance, err := ledgerSvc.DeductCredit(c.Request.Context(), customer.ID, consumption.TotalCents, "API usage")
	if err != nil {
		var insufficient *ledger.InsufficientCreditError
		if errors.As(err, &insufficient) {
			recordCreditOperation("deduct", "insufficient_credit")
			c.JSON(http.StatusBadRequest, gin.H{
				"error":           "Insufficient credit",
				"code":            "insufficient_credit",
				"remaining_cents": insufficient.RemainingCents,
				"requested_cents": insufficient.RequestedCents,
			})
			return
		}
		logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to deduct credit")
		recordCreditOperation("deduct", "error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deduct credit"})
		return
	}

	recordCreditOperation("deduct", "success")
	c.JSON(http.StatusOK, gin.H{
		"deducted_cents": consumption.TotalCents,
		"balance":        balance,
		"items":          consumption.Items,
	})
}

// GetCreditTransactions returns the customer's recent ledger entries
func GetCreditTransactions(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	transactions, err := ledgerSvc.ListTransactions(c.Request.Context(), customer.ID, limit)
	if err != nil {
		logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to list transactions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}
