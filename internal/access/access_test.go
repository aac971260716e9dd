package access

import (
	"errors"
	"testing"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/models"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{"ADMIN": RoleOperator, "operator": RoleOperator, "Client": RoleClient, "TRANSPORTER": RoleTransporter}
	for in, want := range cases {
		got, ok := ParseRole(in)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseRole("guest"); ok {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestLoadChecks(t *testing.T) {
	l := &models.Load{ClientID: "c1", AssignedTransporterID: "t1"}
	op := Actor{ID: "op", Role: RoleOperator}
	owner := Actor{ID: "c1", Role: RoleClient}
	other := Actor{ID: "c2", Role: RoleClient}
	carrier := Actor{ID: "t1", Role: RoleTransporter}
	stranger := Actor{ID: "t2", Role: RoleTransporter}

	if RequireLoadOwner(op, l) != nil || RequireLoadOwner(owner, l) != nil {
		t.Fatalf("operator and owner must manage load")
	}
	if err := RequireLoadOwner(other, l); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden for other client, got %v", err)
	}
	if RequireAssignedTransporter(carrier, l) != nil {
		t.Fatalf("assigned transporter must pass")
	}
	if RequireAssignedTransporter(stranger, l) == nil {
		t.Fatalf("other transporter must be denied")
	}
	if RequireLoadParticipant(carrier, l) != nil || RequireLoadParticipant(owner, l) != nil {
		t.Fatalf("participants must pass")
	}
	if RequireLoadParticipant(stranger, l) == nil {
		t.Fatalf("stranger must be denied")
	}
	// a client id that happens to equal the assigned transporter must not pass as transporter
	if RequireAssignedTransporter(Actor{ID: "t1", Role: RoleClient}, l) == nil {
		t.Fatalf("role must match relationship")
	}
}

func TestRequirePayer(t *testing.T) {
	clientInv := &models.Invoice{Role: models.InvoiceRoleClient, ClientID: "c1"}
	carrierInv := &models.Invoice{Role: models.InvoiceRoleTransporter, ClientID: "c1"}

	if RequirePayer(Actor{ID: "c1", Role: RoleClient}, clientInv) != nil {
		t.Fatalf("owner pays client invoice")
	}
	if RequirePayer(Actor{ID: "c1", Role: RoleClient}, carrierInv) == nil {
		t.Fatalf("client must not pay transporter invoice")
	}
	if RequirePayer(Actor{ID: "op", Role: RoleOperator}, carrierInv) != nil {
		t.Fatalf("operator pays transporter invoice")
	}
}
