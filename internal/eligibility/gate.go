// Package eligibility decides whether an account may post loads or place
// bids. An account is eligible once at least one of its verification
// documents has been approved.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
)

// Decision is the gate's verdict. A denial is a value, not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Checker answers whether an account holds an approved verification document.
type Checker interface {
	HasApprovedDocument(ctx context.Context, accountID string) (bool, error)
}

type Gate struct {
	checker Checker
	logger  *slog.Logger
}

func NewGate(c Checker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{checker: c, logger: logger}
}

func (g *Gate) CanPostLoad(ctx context.Context, accountID string) (Decision, error) {
	return g.decide(ctx, accountID, "post loads")
}

func (g *Gate) CanPlaceBid(ctx context.Context, accountID string) (Decision, error) {
	return g.decide(ctx, accountID, "place bids")
}

func (g *Gate) decide(ctx context.Context, accountID, action string) (Decision, error) {
	if accountID == "" {
		return Decision{Reason: "no account"}, nil
	}
	ok, err := g.checker.HasApprovedDocument(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("check verification for %s: %w", accountID, err)
	}
	if !ok {
		g.logger.Debug("eligibility denied", "account_id", accountID, "action", action)
		return Decision{Reason: "account must have an approved verification document to " + action}, nil
	}
	return Decision{Allowed: true}, nil
}
