// Package access holds the actor model and the capability checks shared by
// every guarded workflow operation. Each check covers one (role,
// relationship) pair and returns a FORBIDDEN domain error on denial.
package access

import (
	"strings"

	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/models"
)

type Role string

const (
	RoleOperator    Role = "OPERATOR"
	RoleClient      Role = "CLIENT"
	RoleTransporter Role = "TRANSPORTER"
)

// ParseRole accepts the role names issued by the credential service.
// ADMIN is the legacy name for an operator.
func ParseRole(v string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "OPERATOR", "ADMIN":
		return RoleOperator, true
	case "CLIENT":
		return RoleClient, true
	case "TRANSPORTER":
		return RoleTransporter, true
	}
	return "", false
}

// Actor is the authenticated account performing an operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsOperator() bool { return a.Role == RoleOperator }

func deny(msg string) error { return apperrors.Forbidden(msg) }

func RequireOperator(a Actor) error {
	if a.IsOperator() {
		return nil
	}
	return deny("operator access required")
}

// RequireRole admits operators and any of the listed roles.
func RequireRole(a Actor, roles ...Role) error {
	if a.IsOperator() {
		return nil
	}
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return deny("role " + string(a.Role) + " may not perform this operation")
}

// RequireLoadOwner admits the owning client or an operator.
func RequireLoadOwner(a Actor, l *models.Load) error {
	if a.IsOperator() || (a.Role == RoleClient && l.ClientID == a.ID) {
		return nil
	}
	return deny("not the owner of this load")
}

// RequireAssignedTransporter admits the transporter assigned to the load or an operator.
func RequireAssignedTransporter(a Actor, l *models.Load) error {
	if a.IsOperator() {
		return nil
	}
	if a.Role == RoleTransporter && l.AssignedTransporterID != "" && l.AssignedTransporterID == a.ID {
		return nil
	}
	return deny("not the transporter assigned to this load")
}

// RequireLoadParticipant admits the owner, the assigned transporter, or an operator.
func RequireLoadParticipant(a Actor, l *models.Load) error {
	if RequireLoadOwner(a, l) == nil || RequireAssignedTransporter(a, l) == nil {
		return nil
	}
	return deny("not a participant of this load")
}

// RequireBidOwner admits the transporter who placed the bid or an operator.
func RequireBidOwner(a Actor, b *models.Bid) error {
	if a.IsOperator() || (a.Role == RoleTransporter && b.TransporterID == a.ID) {
		return nil
	}
	return deny("not the owner of this bid")
}

// RequireCounterparty admits only the client owning the load behind a
// reviewable artifact. Operators review on their own track instead.
func RequireCounterparty(a Actor, clientID string) error {
	if a.Role == RoleClient && clientID == a.ID {
		return nil
	}
	return deny("not the counterparty of this load")
}

// RequirePayer admits the paying party of an invoice: the load owner for a
// client invoice and an operator for a transporter invoice.
func RequirePayer(a Actor, inv *models.Invoice) error {
	switch inv.Role {
	case models.InvoiceRoleClient:
		if a.IsOperator() || (a.Role == RoleClient && inv.ClientID == a.ID) {
			return nil
		}
	case models.InvoiceRoleTransporter:
		if a.IsOperator() {
			return nil
		}
	}
	return deny("not the paying party of this invoice")
}
