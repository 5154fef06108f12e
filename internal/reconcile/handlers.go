package reconcile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/status"
)

// handler applies one transition to one order.
type handler struct {
	engine *Engine
	order  *order.Order
	remote *gateway.RemoteOrderState
	req    Request
	res    *Result
}

func (h *handler) logger() *zap.Logger {
	return h.engine.logger.With(logging.OrderKey(h.order.Key), logging.Channel(string(h.req.Channel)))
}

// transition moves the order to target with note, subject to the guard.
// Moving to the current status is a no-op and records nothing.
func (h *handler) transition(target order.Status, note string) (bool, error) {
	if h.order.Status == target {
		return false, nil
	}
	ok, rule, err := h.engine.guard(h.order, target, h.req.Channel)
	if err != nil {
		return false, err
	}
	if !ok {
		h.logger().Warn("status change refused",
			zap.String("from", string(h.order.Status)), zap.String("to", string(target)), zap.String("rule", rule))
		h.res.Outcome = OutcomeBlocked
		h.res.BlockedBy = rule
		return false, nil
	}
	h.order.SetStatus(target, note)
	return true, nil
}

// addNoteOnce appends note unless the order already carries it, so a
// redelivered notification does not duplicate history.
func (h *handler) addNoteOnce(note string) {
	for _, n := range h.order.Notes {
		if n.Text == note {
			return
		}
	}
	h.order.AddNote(note)
}

func (h *handler) completed() error {
	if h.order.IsPaid() {
		h.logger().Info("aborting, order is already paid")
		return nil
	}
	if mismatch := h.validate(); mismatch != nil {
		h.logger().Warn("payment error", zap.Error(mismatch))
		h.res.Mismatch = mismatch
		var note string
		if mismatch.Field == "currency" {
			note = fmt.Sprintf("Validation error: Juspay currencies do not match (code %s).", mismatch.Got)
		} else {
			note = fmt.Sprintf("Validation error: Juspay amounts do not match (amount %s).", mismatch.Got)
		}
		if _, err := h.transition(order.StatusOnHold, note); err != nil {
			return err
		}
		if h.res.Outcome != OutcomeBlocked {
			h.res.Outcome = OutcomeMismatch
		}
		return nil
	}

	target := order.StatusCompleted
	if h.order.NeedsProcessing {
		target = order.StatusProcessing
	}
	ok, rule, err := h.engine.guard(h.order, target, h.req.Channel)
	if err != nil {
		return err
	}
	if !ok {
		h.logger().Warn("payment completion refused", zap.String("rule", rule))
		h.res.Outcome = OutcomeBlocked
		h.res.BlockedBy = rule
		return nil
	}

	h.order.AddNote(fmt.Sprintf("Payment Completed via %s.", h.req.Channel))
	h.order.MarkPaymentComplete(h.remote.TxnID)
	h.order.AddNote(fmt.Sprintf("Juspay payment method: %s.", h.remote.PaymentMethod))
	if epg := h.remote.EPGTxnID(); epg != "" {
		h.order.AddNote(fmt.Sprintf("epgTxnId: %s.", epg))
	}
	h.res.EmptyCart = !h.req.Admin
	return nil
}

// validate compares the processor amount (to two decimal places) and
// currency with the order.
func (h *handler) validate() *ValidationMismatchError {
	want := h.order.Total.StringFixed(2)
	if got := h.remote.Amount.StringFixed(2); got != want {
		return &ValidationMismatchError{Field: "amount", Expected: want, Got: h.remote.Amount.String()}
	}
	if h.remote.Currency != h.order.Currency {
		return &ValidationMismatchError{Field: "currency", Expected: h.order.Currency, Got: h.remote.Currency}
	}
	return nil
}

func (h *handler) pending() error {
	if h.order.IsPaid() {
		h.logger().Info("aborting, order is already paid")
		return nil
	}
	note := fmt.Sprintf("Payment %s via %s.", status.ToReadable(h.remote.Status), h.req.Channel)
	if _, err := h.transition(order.StatusOnHold, note); err != nil {
		return err
	}
	h.res.EmptyCart = !h.req.Admin
	return nil
}

func (h *handler) failed() error {
	note := fmt.Sprintf("Payment %s via %s.", status.ToReadable(h.remote.Status), h.req.Channel)
	if _, err := h.transition(order.StatusFailed, note); err != nil {
		return err
	}
	if h.res.Outcome != OutcomeBlocked && h.remote.BankErrorMessage != "" {
		h.addNoteOnce(fmt.Sprintf("Payment Error: %s.", h.remote.BankErrorMessage))
	}
	return nil
}

// refunded handles full refunds by status change and partial refunds by a
// note only.
func (h *handler) refunded() error {
	if h.remote.Refunded {
		_, err := h.transition(order.StatusRefunded, fmt.Sprintf("FULL Refund processed via %s.", h.req.Channel))
		return err
	}
	r, ok := h.remote.LatestRefund(gateway.RefundSuccess)
	if !ok {
		return nil
	}
	h.addNoteOnce(fmt.Sprintf("Refund Successful via %s. Amount: %s, Id: %s.", h.req.Channel, r.Amount.String(), r.ID))
	return nil
}

func (h *handler) refundFailed() {
	r, ok := h.remote.LatestRefund(gateway.RefundFailure)
	if !ok {
		return
	}
	h.addNoteOnce(fmt.Sprintf("Refund failed via %s. Amount: %s, Reason: %s, Id: %s.", h.req.Channel, r.Amount.String(), r.ErrorMessage, r.ID))
}
