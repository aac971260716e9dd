// Package reconcile merges the operator and counterparty review tracks of a
// reviewable entity into one canonical decision.
//
// The first decision recorded by either party settles the entity. An approval
// is mirrored onto the other track, a rejection is recorded on the rejecting
// track only. A later contrary decision is refused; repeating the settled
// decision changes nothing.
package reconcile

import (
	"time"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/models"
)

type Reviewer int

const (
	Operator Reviewer = iota + 1
	Counterparty
)

func (r Reviewer) String() string {
	switch r {
	case Operator:
		return "operator"
	case Counterparty:
		return "counterparty"
	}
	return "unknown"
}

// Outcome is the review state to persist. Changed is false when the request
// repeated the already settled decision.
type Outcome struct {
	Review    models.Review
	Canonical models.Decision
	Changed   bool
}

// Resolve derives the canonical decision from the two tracks.
func Resolve(r models.Review) models.Decision {
	if r.OperatorApproval == models.DecisionApproved || r.CounterpartyApproval == models.DecisionApproved {
		return models.DecisionApproved
	}
	if r.OperatorApproval == models.DecisionRejected || r.CounterpartyApproval == models.DecisionRejected {
		return models.DecisionRejected
	}
	return models.DecisionNone
}

// Apply records one reviewer's decision on top of the current review state.
func Apply(cur models.Review, who Reviewer, approve bool, by string, at time.Time) (Outcome, error) {
	if who != Operator && who != Counterparty {
		return Outcome{}, apperrors.InvalidArgument("unknown reviewer")
	}
	want := models.DecisionRejected
	if approve {
		want = models.DecisionApproved
	}

	settled := Resolve(cur)
	if settled != models.DecisionNone {
		if settled == want {
			return Outcome{Review: cur, Canonical: settled}, nil
		}
		return Outcome{}, apperrors.PreconditionFailed(who.String() + " cannot change a review already settled as " + string(settled))
	}

	next := cur
	stamp := at
	switch who {
	case Operator:
		next.OperatorApproval = want
		next.OperatorReviewedBy = by
		next.OperatorReviewedAt = &stamp
		if approve {
			next.CounterpartyApproval = models.DecisionApproved
		}
	case Counterparty:
		next.CounterpartyApproval = want
		next.CounterpartyReviewedBy = by
		next.CounterpartyReviewedAt = &stamp
		if approve {
			next.OperatorApproval = models.DecisionApproved
		}
	}
	return Outcome{Review: next, Canonical: Resolve(next), Changed: true}, nil
}
