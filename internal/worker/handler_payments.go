package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"commerce-outbox/internal/models"
	"commerce-outbox/internal/payments"
)

// paymentFollowupHandler re-checks a pending payment reference with the
// provider and records the confirmed state on the order.
type paymentFollowupHandler struct {
	deps HandlerDeps
	log  *logrus.Entry
}

func newPaymentFollowupHandler(deps HandlerDeps) Handler {
	return &paymentFollowupHandler{deps: deps, log: deps.Log.WithField("handler", "payment_followup")}
}

func (h *paymentFollowupHandler) Execute(ctx context.Context, job models.Job) models.Outcome {
	var p models.PaymentFollowupPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return models.Permanent(fmt.Errorf("malformed payment_followup payload: %w", err))
	}
	if p.OrderID == "" || p.Reference == "" {
		return models.Permanent(fmt.Errorf("payment_followup payload missing order_id or reference"))
	}

	var tx payments.Transaction
	out := guarded(ctx, h.deps.Breakers, h.deps.Classifier, ServicePayments, func(ctx context.Context) error {
		var err error
		tx, err = h.deps.Payments.VerifyTransaction(ctx, p.Reference)
		return err
	})
	if out.Kind != models.ErrorKindNone {
		return out
	}

	switch tx.Status {
	case payments.TxSuccess, payments.TxFailed:
		if err := h.deps.Entities.UpdateOrderPaymentStatus(ctx, p.OrderID, tx.Status); err != nil {
			return models.Retryable(fmt.Errorf("record payment status: %w", err))
		}
		return models.Success()
	default:
		// Still pending upstream; check again later.
		return models.Retryable(fmt.Errorf("payment %s still %s", p.Reference, tx.Status))
	}
}

// reconcileSubaccountHandler refreshes the cached provider subaccount view
// for a merchant.
type reconcileSubaccountHandler struct {
	deps HandlerDeps
}

func newReconcileSubaccountHandler(deps HandlerDeps) Handler {
	h := &reconcileSubaccountHandler{deps: deps}
	return HandlerFunc(h.execute)
}

func (h *reconcileSubaccountHandler) execute(ctx context.Context, job models.Job) models.Outcome {
	var p models.ReconcileSubaccountPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return models.Permanent(fmt.Errorf("malformed reconcile_subaccount payload: %w", err))
	}
	if p.SubaccountCode == "" {
		return models.Permanent(fmt.Errorf("reconcile_subaccount payload missing subaccount_code"))
	}

	var sub payments.Subaccount
	out := guarded(ctx, h.deps.Breakers, h.deps.Classifier, ServicePayments, func(ctx context.Context) error {
		var err error
		sub, err = h.deps.Payments.FetchSubaccount(ctx, p.SubaccountCode)
		return err
	})
	if out.Kind != models.ErrorKindNone {
		return out
	}

	status := "inactive"
	if sub.Active {
		status = "active"
	}
	if err := h.deps.Entities.UpdateSubaccountSnapshot(ctx, job.MerchantID, sub.Code, status, time.Now().UTC()); err != nil {
		return models.Retryable(fmt.Errorf("record subaccount snapshot: %w", err))
	}
	return models.Success()
}
