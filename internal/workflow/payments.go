package workflow

import (
	"context"
	"errors"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/payments"
	"github.com/example/fleetxchange/internal/storage"
)

type PaymentInput struct {
	// Amount defaults to the invoice amount when zero.
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
}

func paymentTopics(p *models.Payment) []string {
	return []string{events.UserTopic(p.PayerID), events.LoadTopic(p.LoadID), events.Broadcast}
}

func payable(inv *models.Invoice) bool {
	switch inv.Role {
	case models.InvoiceRoleClient:
		return inv.Status == models.InvoicePendingPayment
	case models.InvoiceRoleTransporter:
		return inv.Status == models.InvoiceApproved
	}
	return false
}

func (e *Engine) InitiatePayment(ctx context.Context, actor access.Actor, invoiceID string, in PaymentInput) (pay *models.Payment, err error) {
	ctx, span := e.start(ctx, "InitiatePayment", actor)
	defer func() { e.finish(span, "InitiatePayment", err) }()

	inv, err := get[models.Invoice](ctx, e.store, storage.CollInvoices, invoiceID, "invoice")
	if err != nil {
		return nil, err
	}
	if err := access.RequirePayer(actor, inv); err != nil {
		return nil, err
	}
	if !payable(inv) {
		return nil, apperrors.PreconditionFailed("invoice is not awaiting payment")
	}
	method, err := models.ParsePaymentMethod(in.Method)
	if err != nil {
		return nil, apperrors.InvalidArgument(err.Error())
	}
	amount := in.Amount
	if amount == 0 {
		amount = inv.Amount
	}
	if amount <= 0 {
		return nil, apperrors.InvalidArgument("amount must be positive")
	}

	now := e.now()
	pay = &models.Payment{
		ID:        e.newID(),
		InvoiceID: inv.ID,
		LoadID:    inv.LoadID,
		PayerID:   actor.ID,
		Amount:    round2(amount),
		Currency:  inv.Currency,
		Method:    method,
		Status:    models.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if method == models.PaymentCard {
		ref, err := e.payments.Hold(ctx, payments.MinorUnits(pay.Amount), payments.ProviderCurrency(pay.Currency), pay.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "place payment hold", err)
		}
		pay.ProviderRef = ref
	}
	guard := storage.Filter{
		Fields:   map[string]any{"invoice_id": inv.ID},
		StatusIn: []string{string(models.PaymentPending), string(models.PaymentInProgress), string(models.PaymentCompleted)},
	}
	if err := e.store.InsertUnique(ctx, storage.CollPayments, pay, guard); err != nil {
		if pay.ProviderRef != "" {
			if cerr := e.payments.Cancel(ctx, pay.ProviderRef); cerr != nil {
				e.logger.Error("cancel orphaned payment hold failed", "provider_ref", pay.ProviderRef, "error", cerr)
			}
		}
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.Conflict("a payment already exists for this invoice")
		}
		return nil, storeErr(err, "payment")
	}
	e.transition("payment", pay.ID, "", string(pay.Status))

	b := events.NewBatch(actor.ID, now)
	b.Add(events.PaymentInitiated, pay, paymentTopics(pay)...)
	e.notifier.Notify(b)
	return pay, nil
}

// UpdatePaymentStatus advances a payment. Completion is claimed with a
// conditional write before any card hold is captured, so concurrent callers
// capture at most once; the loser gets a conflict. A COMPLETED payment whose
// capture did not finish is captured again on the next completion request,
// which also re-checks the invoice.
func (e *Engine) UpdatePaymentStatus(ctx context.Context, actor access.Actor, paymentID string, to models.PaymentStatus) (pay *models.Payment, err error) {
	ctx, span := e.start(ctx, "UpdatePaymentStatus", actor)
	defer func() { e.finish(span, "UpdatePaymentStatus", err) }()

	if err := access.RequireOperator(actor); err != nil {
		return nil, err
	}
	pay, err = get[models.Payment](ctx, e.store, storage.CollPayments, paymentID, "payment")
	if err != nil {
		return nil, err
	}
	now := e.now()
	b := events.NewBatch(actor.ID, now)

	if pay.Status == models.PaymentCompleted && to == models.PaymentCompleted {
		if pay.CapturePending {
			if err := e.capturePayment(ctx, pay); err != nil {
				return nil, err
			}
			b.Add(events.PaymentStatusChange, pay, paymentTopics(pay)...)
		}
		if err := e.settleAndNotify(ctx, pay, b); err != nil {
			return nil, err
		}
		return pay, nil
	}
	if !pay.Status.CanTransition(to) {
		return nil, apperrors.PreconditionFailed("payment cannot move from " + string(pay.Status) + " to " + string(to))
	}
	capture := to == models.PaymentCompleted && pay.Method == models.PaymentCard && pay.ProviderRef != ""
	patch := storage.Patch{"status": to, "updated_at": now}
	if capture {
		patch["capture_pending"] = true
	}
	if err := e.store.UpdateConditional(ctx, storage.CollPayments, pay.ID, string(pay.Status), patch); err != nil {
		return nil, storeErr(err, "payment")
	}
	e.transition("payment", pay.ID, string(pay.Status), string(to))
	pay.Status, pay.UpdatedAt, pay.CapturePending = to, now, capture
	if capture {
		if err := e.capturePayment(ctx, pay); err != nil {
			return nil, err
		}
	}
	b.Add(events.PaymentStatusChange, pay, paymentTopics(pay)...)

	if to != models.PaymentCompleted {
		e.notifier.Notify(b)
		return pay, nil
	}
	if err := e.settleAndNotify(ctx, pay, b); err != nil {
		return nil, err
	}
	return pay, nil
}

// capturePayment captures the card hold of a claimed completion and clears
// the pending marker.
func (e *Engine) capturePayment(ctx context.Context, pay *models.Payment) error {
	if err := e.payments.Capture(ctx, pay.ProviderRef); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "capture payment", err)
	}
	now := e.now()
	err := e.store.UpdateConditional(ctx, storage.CollPayments, pay.ID, string(models.PaymentCompleted), storage.Patch{"capture_pending": false, "updated_at": now})
	if err != nil {
		return storeErr(err, "payment")
	}
	pay.CapturePending, pay.UpdatedAt = false, now
	return nil
}

// settleAndNotify settles the invoice and sends b whether or not that
// succeeds; the payment changes in b are already committed.
func (e *Engine) settleAndNotify(ctx context.Context, pay *models.Payment, b *events.Batch) error {
	err := e.settleInvoice(ctx, pay, b)
	e.notifier.Notify(b)
	return err
}

// settleInvoice moves the paid invoice to PAID unless it already is.
func (e *Engine) settleInvoice(ctx context.Context, pay *models.Payment, b *events.Batch) error {
	inv, err := get[models.Invoice](ctx, e.store, storage.CollInvoices, pay.InvoiceID, "invoice")
	if err != nil {
		return err
	}
	if inv.Status == models.InvoicePaid {
		return nil
	}
	if !inv.Status.CanTransition(models.InvoicePaid) {
		return apperrors.PreconditionFailed("invoice in status " + string(inv.Status) + " cannot be paid")
	}
	now := e.now()
	err = e.store.UpdateConditional(ctx, storage.CollInvoices, inv.ID, string(inv.Status), storage.Patch{"status": models.InvoicePaid, "updated_at": now})
	if errors.Is(err, storage.ErrConflict) {
		cur, gerr := get[models.Invoice](ctx, e.store, storage.CollInvoices, inv.ID, "invoice")
		if gerr == nil && cur.Status == models.InvoicePaid {
			return nil
		}
	}
	if err != nil {
		return storeErr(err, "invoice")
	}
	e.transition("invoice", inv.ID, string(inv.Status), string(models.InvoicePaid))
	inv.Status, inv.UpdatedAt = models.InvoicePaid, now
	b.Add(events.InvoiceStatusChange, inv, append(invoiceTopics(inv), events.Broadcast)...)
	return nil
}

// ListPayments lists a load's payments for its participants.
func (e *Engine) ListPayments(ctx context.Context, actor access.Actor, loadID string) ([]models.Payment, error) {
	load, err := get[models.Load](ctx, e.store, storage.CollLoads, loadID, "load")
	if err != nil {
		return nil, err
	}
	if err := access.RequireLoadParticipant(actor, load); err != nil {
		return nil, err
	}
	return find[models.Payment](ctx, e.store, storage.CollPayments, storage.Filter{Fields: map[string]any{"load_id": load.ID}}, "payment")
}
