package reconcile

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/models"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCounterpartyApprovalMirrors(t *testing.T) {
	out, err := Apply(models.Review{}, Counterparty, true, "client-1", now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Canonical != models.DecisionApproved {
		t.Fatalf("expected APPROVED, got %q", out.Canonical)
	}
	if out.Review.OperatorApproval != models.DecisionApproved || out.Review.CounterpartyApproval != models.DecisionApproved {
		t.Fatalf("expected both tracks approved, got %+v", out.Review)
	}
	if out.Review.CounterpartyReviewedBy != "client-1" || out.Review.OperatorReviewedBy != "" {
		t.Fatalf("reviewer ids recorded on wrong track: %+v", out.Review)
	}
}

func TestRejectionStaysOnTrack(t *testing.T) {
	out, err := Apply(models.Review{}, Operator, false, "op-1", now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Canonical != models.DecisionRejected {
		t.Fatalf("expected REJECTED, got %q", out.Canonical)
	}
	if out.Review.CounterpartyApproval != models.DecisionNone {
		t.Fatalf("rejection must not mirror, got %+v", out.Review)
	}
}

func TestFirstDecisionWins(t *testing.T) {
	cases := []struct {
		name    string
		first   bool
		second  bool
		wantErr bool
	}{
		{"approve then reject", true, false, true},
		{"reject then approve", false, true, true},
		{"approve twice", true, true, false},
		{"reject twice", false, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			first, err := Apply(models.Review{}, Operator, c.first, "op-1", now)
			if err != nil {
				t.Fatalf("first apply: %v", err)
			}
			second, err := Apply(first.Review, Counterparty, c.second, "client-1", now)
			if c.wantErr {
				if !errors.Is(err, apperrors.ErrPreconditionFailed) {
					t.Fatalf("expected precondition failure, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("repeat decision must be a no-op, got %v", err)
			}
			if second.Changed {
				t.Fatalf("repeat decision must not change state")
			}
			if second.Canonical != first.Canonical {
				t.Fatalf("canonical moved from %q to %q", first.Canonical, second.Canonical)
			}
		})
	}
}

func TestUnknownReviewer(t *testing.T) {
	if _, err := Apply(models.Review{}, Reviewer(0), true, "x", now); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSettledErrorNamesReviewer(t *testing.T) {
	first, err := Apply(models.Review{}, Counterparty, false, "client-1", now)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err = Apply(first.Review, Operator, true, "op-1", now)
	if err == nil || !strings.HasPrefix(err.Error(), "operator cannot change") || !strings.HasSuffix(err.Error(), "REJECTED") {
		t.Fatalf("unexpected error %v", err)
	}
	if Reviewer(9).String() != "unknown" || Counterparty.String() != "counterparty" {
		t.Fatalf("reviewer names")
	}
}
