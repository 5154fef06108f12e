package app

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Admin response texts.
const (
	MessageRefundFailed       = "Refund failed."
	MessageInvalidPaymentLink = "Juspay Error: Invalid payment link."
	MessageOrderNotFound      = "Order not found"
)

// RefundRequest is the body of POST /admin/orders/:id/refunds.
type RefundRequest struct {
	Amount   string `json:"amount" binding:"required,numeric"`
	RefundID string `json:"refund_id" binding:"omitempty,max=64"`
	Reason   string `json:"reason"`
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return 0, false
	}
	return id, true
}

// isMobile follows the storefront's device sniffing: an explicit mobile
// query wins, otherwise the user agent decides.
func isMobile(c *gin.Context) bool {
	if v, ok := c.GetQuery("mobile"); ok {
		b, _ := strconv.ParseBool(v)
		return b
	}
	ua := c.GetHeader("User-Agent")
	return strings.Contains(ua, "Mobi") || strings.Contains(ua, "Android")
}

func (a *App) paymentLink(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	link, err := a.Payments.PaymentURL(c.Request.Context(), id, isMobile(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "payment_url": link})
}

func (a *App) refund(c *gin.Context) {
	id, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	res, err := a.Payments.Refund(c.Request.Context(), id, amount, req.RefundID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if req.Reason != "" {
		a.Logger.Info("refund reason", logging.OrderID(id), zap.String("reason", req.Reason))
	}
	c.JSON(http.StatusAccepted, res)
}

func (a *App) report(c *gin.Context) {
	rep, err := a.Journal.Report()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (a *App) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": MessageOrderNotFound})
	case errors.Is(err, payment.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{"error": MessageRefundFailed})
	case errors.Is(err, gateway.ErrInvalidPaymentLink):
		c.JSON(http.StatusBadGateway, gin.H{"error": MessageInvalidPaymentLink})
	case gateway.KindOf(err) != 0, errors.Is(err, gateway.ErrCircuitOpen):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Juspay Error: " + gateway.UserMessage(err)})
	default:
		a.Logger.Error("admin request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gateway.MessageInternal})
	}
}
