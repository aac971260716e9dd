package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/reconcile"
	"github.com/example/fleetxchange/internal/storage"
)

type PODInput struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
}

// reviewerFor picks the review track of actor. Operators review on their
// own track; the only other reviewer is the client that owns the load.
func reviewerFor(actor access.Actor, clientID string) (reconcile.Reviewer, error) {
	if actor.IsOperator() {
		return reconcile.Operator, nil
	}
	if err := access.RequireCounterparty(actor, clientID); err != nil {
		return 0, err
	}
	return reconcile.Counterparty, nil
}

func reviewPatch(r models.Review, status string, now time.Time) storage.Patch {
	return storage.Patch{
		"status":                   status,
		"operator_approval":        r.OperatorApproval,
		"operator_reviewed_by":     r.OperatorReviewedBy,
		"operator_reviewed_at":     r.OperatorReviewedAt,
		"counterparty_approval":    r.CounterpartyApproval,
		"counterparty_reviewed_by": r.CounterpartyReviewedBy,
		"counterparty_reviewed_at": r.CounterpartyReviewedAt,
		"updated_at":               now,
	}
}

func podTopics(p *models.ProofOfDelivery) []string {
	return []string{events.UserTopic(p.TransporterID), events.UserTopic(p.ClientID), events.LoadTopic(p.LoadID)}
}

func (e *Engine) UploadPOD(ctx context.Context, actor access.Actor, loadID string, in PODInput) (pod *models.ProofOfDelivery, err error) {
	ctx, span := e.start(ctx, "UploadPOD", actor)
	defer func() { e.finish(span, "UploadPOD", err) }()

	load, err := e.liveLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireAssignedTransporter(actor, load); err != nil {
		return nil, err
	}
	if load.Status != models.LoadAssigned {
		return nil, apperrors.PreconditionFailed("proof of delivery requires an assigned load")
	}
	if strings.TrimSpace(in.FileURL) == "" {
		return nil, apperrors.InvalidArgument("file_url is required")
	}
	now := e.now()
	pod = &models.ProofOfDelivery{
		ID:            e.newID(),
		LoadID:        load.ID,
		TransporterID: load.AssignedTransporterID,
		ClientID:      load.ClientID,
		FileURL:       strings.TrimSpace(in.FileURL),
		FileName:      strings.TrimSpace(in.FileName),
		Status:        models.PODPendingApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	guard := storage.Filter{
		Fields:   map[string]any{"load_id": load.ID},
		StatusIn: []string{string(models.PODPendingApproval), string(models.PODApproved)},
	}
	if err := e.store.InsertUnique(ctx, storage.CollPODs, pod, guard); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperrors.Conflict("a proof of delivery is already pending or approved for this load")
		}
		return nil, storeErr(err, "proof of delivery")
	}
	e.transition("pod", pod.ID, "", string(pod.Status))

	b := events.NewBatch(actor.ID, now)
	b.Add(events.PODUploaded, pod, append(podTopics(pod), events.Broadcast)...)
	e.notifier.Notify(b)
	return pod, nil
}

// ReviewPOD records an operator or counterparty decision. The first decision
// settles the POD; repeating it is a no-op and contradicting it fails.
func (e *Engine) ReviewPOD(ctx context.Context, actor access.Actor, podID string, approve bool) (pod *models.ProofOfDelivery, err error) {
	ctx, span := e.start(ctx, "ReviewPOD", actor)
	defer func() { e.finish(span, "ReviewPOD", err) }()

	for attempt := 0; ; attempt++ {
		pod, err = get[models.ProofOfDelivery](ctx, e.store, storage.CollPODs, podID, "proof of delivery")
		if err != nil {
			return nil, err
		}
		who, err := reviewerFor(actor, pod.ClientID)
		if err != nil {
			return nil, err
		}
		now := e.now()
		out, err := reconcile.Apply(pod.Review, who, approve, actor.ID, now)
		if err != nil {
			return nil, err
		}
		if !out.Changed {
			return pod, nil
		}
		to := models.PODRejected
		if out.Canonical == models.DecisionApproved {
			to = models.PODApproved
		}
		err = e.store.UpdateConditional(ctx, storage.CollPODs, pod.ID, string(models.PODPendingApproval), reviewPatch(out.Review, string(to), now))
		if errors.Is(err, storage.ErrConflict) && attempt == 0 {
			// Another reviewer settled it first; re-evaluate against their decision.
			continue
		}
		if err != nil {
			return nil, storeErr(err, "proof of delivery")
		}
		e.transition("pod", pod.ID, string(pod.Status), string(to))
		pod.Review, pod.Status, pod.UpdatedAt = out.Review, to, now

		b := events.NewBatch(actor.ID, now)
		b.Add(events.PODReviewed, pod, append(podTopics(pod), events.Broadcast)...)
		e.notifier.Notify(b)
		return pod, nil
	}
}

func (e *Engine) ListPODs(ctx context.Context, actor access.Actor, loadID string) ([]models.ProofOfDelivery, error) {
	load, err := get[models.Load](ctx, e.store, storage.CollLoads, loadID, "load")
	if err != nil {
		return nil, err
	}
	if err := access.RequireLoadParticipant(actor, load); err != nil {
		return nil, err
	}
	return find[models.ProofOfDelivery](ctx, e.store, storage.CollPODs, storage.Filter{Fields: map[string]any{"load_id": load.ID}}, "proof of delivery")
}
