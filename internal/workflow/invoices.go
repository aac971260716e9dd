package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/reconcile"
	"github.com/example/fleetxchange/internal/storage"
)

type InvoiceInput struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	PODID    string  `json:"pod_id"`
	Notes    string  `json:"notes"`
}

func invoiceTopics(inv *models.Invoice) []string {
	return []string{events.UserTopic(inv.SubmittedBy), events.UserTopic(inv.ClientID), events.LoadTopic(inv.LoadID)}
}

// approvedPOD returns the POD an invoice may be billed against: podID when
// given, otherwise any approved POD of the load.
func (e *Engine) approvedPOD(ctx context.Context, loadID, podID string) (*models.ProofOfDelivery, error) {
	if podID != "" {
		pod, err := get[models.ProofOfDelivery](ctx, e.store, storage.CollPODs, podID, "proof of delivery")
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return nil, apperrors.PreconditionFailed("proof of delivery not found for this load")
		}
		if err != nil {
			return nil, err
		}
		if pod.LoadID != loadID {
			return nil, apperrors.PreconditionFailed("proof of delivery belongs to another load")
		}
		if reconcile.Resolve(pod.Review) != models.DecisionApproved {
			return nil, apperrors.PreconditionFailed("proof of delivery is not approved")
		}
		return pod, nil
	}
	pods, err := find[models.ProofOfDelivery](ctx, e.store, storage.CollPODs, storage.Filter{
		Fields:   map[string]any{"load_id": loadID},
		StatusIn: []string{string(models.PODApproved)},
	}, "proof of delivery")
	if err != nil {
		return nil, err
	}
	for i := range pods {
		if reconcile.Resolve(pods[i].Review) == models.DecisionApproved {
			return &pods[i], nil
		}
	}
	return nil, apperrors.PreconditionFailed("an approved proof of delivery is required before invoicing")
}

func (e *Engine) SubmitTransporterInvoice(ctx context.Context, actor access.Actor, loadID string, in InvoiceInput) (inv *models.Invoice, err error) {
	ctx, span := e.start(ctx, "SubmitTransporterInvoice", actor)
	defer func() { e.finish(span, "SubmitTransporterInvoice", err) }()

	load, err := e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireAssignedTransporter(actor, load); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, apperrors.InvalidArgument("amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = load.Currency
	}
	if !validCurrency(currency) {
		return nil, apperrors.InvalidArgument("unsupported currency " + currency)
	}
	pod, err := e.approvedPOD(ctx, load.ID, in.PODID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inv = &models.Invoice{
		ID:          e.newID(),
		LoadID:      load.ID,
		PODID:       pod.ID,
		Role:        models.InvoiceRoleTransporter,
		SubmittedBy: load.AssignedTransporterID,
		ClientID:    load.ClientID,
		Amount:      round2(in.Amount),
		Currency:    currency,
		Status:      models.InvoicePendingReview,
		Notes:       strings.TrimSpace(in.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	guard := storage.Filter{
		Fields:   map[string]any{"load_id": load.ID, "role": models.InvoiceRoleTransporter},
		StatusIn: []string{string(models.InvoicePendingReview), string(models.InvoiceApproved), string(models.InvoicePaid)},
	}
	if err := e.store.InsertUnique(ctx, storage.CollInvoices, inv, guard); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.Conflict("a transporter invoice is already open for this load")
		}
		return nil, storeErr(err, "invoice")
	}
	e.transition("invoice", inv.ID, "", string(inv.Status))

	b := events.NewBatch(actor.ID, now)
	b.Add(events.InvoiceSubmitted, inv, append(invoiceTopics(inv), events.Broadcast)...)
	e.notifier.Notify(b)
	return inv, nil
}

// GenerateClientInvoice bills the load owner for the approved transporter
// invoices plus the platform commission. A nil percent uses the configured
// default.
func (e *Engine) GenerateClientInvoice(ctx context.Context, actor access.Actor, loadID string, percent *float64, notes string) (inv *models.Invoice, err error) {
	ctx, span := e.start(ctx, "GenerateClientInvoice", actor)
	defer func() { e.finish(span, "GenerateClientInvoice", err) }()

	if err := access.RequireOperator(actor); err != nil {
		return nil, err
	}
	pct := e.commission
	if percent != nil {
		pct = *percent
	}
	if pct < 0 || pct > 100 {
		return nil, apperrors.InvalidArgument("commission percent must be between 0 and 100")
	}
	load, err := e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	billed, err := find[models.Invoice](ctx, e.store, storage.CollInvoices, storage.Filter{
		Fields:   map[string]any{"load_id": load.ID, "role": models.InvoiceRoleTransporter},
		StatusIn: []string{string(models.InvoiceApproved), string(models.InvoicePaid)},
	}, "invoice")
	if err != nil {
		return nil, err
	}
	if len(billed) == 0 {
		return nil, apperrors.PreconditionFailed("an approved transporter invoice is required")
	}
	var sum float64
	for _, t := range billed {
		sum += t.Amount
	}

	now := e.now()
	inv = &models.Invoice{
		ID:                e.newID(),
		LoadID:            load.ID,
		Role:              models.InvoiceRoleClient,
		SubmittedBy:       actor.ID,
		ClientID:          load.ClientID,
		Amount:            round2(sum * (1 + pct/100)),
		Currency:          billed[0].Currency,
		CommissionPercent: pct,
		CommissionAmount:  round2(sum * pct / 100),
		Status:            models.InvoicePendingPayment,
		Notes:             strings.TrimSpace(notes),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	guard := storage.Filter{
		Fields:   map[string]any{"load_id": load.ID, "role": models.InvoiceRoleClient},
		StatusIn: []string{string(models.InvoicePendingPayment), string(models.InvoicePaid)},
	}
	if err := e.store.InsertUnique(ctx, storage.CollInvoices, inv, guard); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.Conflict("a client invoice already exists for this load")
		}
		return nil, storeErr(err, "invoice")
	}
	e.transition("invoice", inv.ID, "", string(inv.Status))
	e.logger.Info("client invoice generated", "invoice_id", inv.ID, "load_id", load.ID, "amount", inv.Amount, "commission_percent", pct)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.InvoiceGenerated, inv, events.UserTopic(inv.ClientID), events.LoadTopic(inv.LoadID), events.Broadcast)
	e.notifier.Notify(b)
	return inv, nil
}

// ReviewInvoice applies the two-track review to a transporter invoice.
func (e *Engine) ReviewInvoice(ctx context.Context, actor access.Actor, invoiceID string, approve bool) (inv *models.Invoice, err error) {
	ctx, span := e.start(ctx, "ReviewInvoice", actor)
	defer func() { e.finish(span, "ReviewInvoice", err) }()

	for attempt := 0; ; attempt++ {
		inv, err = get[models.Invoice](ctx, e.store, storage.CollInvoices, invoiceID, "invoice")
		if err != nil {
			return nil, err
		}
		if inv.Role != models.InvoiceRoleTransporter {
			return nil, apperrors.PreconditionFailed("only transporter invoices are reviewed")
		}
		who, err := reviewerFor(actor, inv.ClientID)
		if err != nil {
			return nil, err
		}
		now := e.now()
		out, err := reconcile.Apply(inv.Review, who, approve, actor.ID, now)
		if err != nil {
			return nil, err
		}
		if !out.Changed {
			return inv, nil
		}
		to := models.InvoiceRejected
		if out.Canonical == models.DecisionApproved {
			to = models.InvoiceApproved
		}
		err = e.store.UpdateConditional(ctx, storage.CollInvoices, inv.ID, string(models.InvoicePendingReview), reviewPatch(out.Review, string(to), now))
		if errors.Is(err, storage.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, storeErr(err, "invoice")
		}
		e.transition("invoice", inv.ID, string(inv.Status), string(to))
		inv.Review, inv.Status, inv.UpdatedAt = out.Review, to, now

		b := events.NewBatch(actor.ID, now)
		b.Add(events.InvoiceStatusChange, inv, append(invoiceTopics(inv), events.Broadcast)...)
		e.notifier.Notify(b)
		return inv, nil
	}
}

// ListInvoices lists a load's invoices. The assigned transporter sees only
// the transporter invoices.
func (e *Engine) ListInvoices(ctx context.Context, actor access.Actor, loadID string) ([]models.Invoice, error) {
	load, err := get[models.Load](ctx, e.store, storage.CollLoads, loadID, "load")
	if err != nil {
		return nil, err
	}
	f := storage.Filter{Fields: map[string]any{"load_id": load.ID}}
	switch {
	case access.RequireLoadOwner(actor, load) == nil:
	case access.RequireAssignedTransporter(actor, load) == nil:
		f.Fields["role"] = models.InvoiceRoleTransporter
	default:
		return nil, apperrors.Forbidden("invoices of this load are not visible to this account")
	}
	return find[models.Invoice](ctx, e.store, storage.CollInvoices, f, "invoice")
}
