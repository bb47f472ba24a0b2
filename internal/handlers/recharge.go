package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bursar/internal/ledger"
)

// GetAutoRecharge returns the customer's auto-recharge settings
func GetAutoRecharge(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	settings, err := recharger.GetSettings(c.Request.Context(), customer.ID)
	if err != nil {
		logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to read auto-recharge settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read auto-recharge settings"})
		return
	}

	c.JSON(http.StatusOK, settings)
}

// UpdateAutoRecharge stores the customer's auto-recharge settings
func UpdateAutoRecharge(c *gin.Context) {
	customer, ok := currentCustomer(c)
	if !ok {
		return
	}

	var req struct {
		Enabled        bool  `json:"enabled"`
		ThresholdCents int64 `json:"threshold_cents"`
		RechargeCents  int64 `json:"recharge_cents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ThresholdCents == 0 {
		req.ThresholdCents = ledger.DefaultThresholdCents
	}
	if req.RechargeCents == 0 {
		req.RechargeCents = ledger.DefaultRechargeCents
	}

	settings := ledger.AutoRechargeSettings{
		CustomerID:     customer.ID,
		Enabled:        req.Enabled,
		ThresholdCents: req.ThresholdCents,
		RechargeCents:  req.RechargeCents,
	}

	if err := recharger.UpdateSettings(c.Request.Context(), settings); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold_cents must be >= 0 and recharge_cents must be > 0"})
			return
		}
		logger.WithError(err).WithField("customer_id", customer.ID).Error("Failed to store auto-recharge settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store auto-recharge settings"})
		return
	}

	c.JSON(http.StatusOK, settings)
}
