package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeGateway holds card funds with manual-capture PaymentIntents.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(apiKey string) *StripeGateway {
	return newStripeGateway(apiKey, nil)
}

func newStripeGateway(apiKey string, backends *stripe.Backends) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, backends)
	return &StripeGateway{api: api}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its ID.
func (s *StripeGateway) Hold(ctx context.Context, amountMinor int64, currency, reference string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if reference != "" {
		params.AddMetadata("reference", reference)
		params.SetIdempotencyKey("hold-" + reference)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture is safe to repeat: a capture the provider refuses because the
// intent already succeeded counts as done.
func (s *StripeGateway) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + ref)
	_, err := s.api.PaymentIntents.Capture(ref, params)
	if err != nil && s.reached(ctx, ref, stripe.PaymentIntentStatusSucceeded) {
		return nil
	}
	return err
}

func (s *StripeGateway) Cancel(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey("cancel-" + ref)
	_, err := s.api.PaymentIntents.Cancel(ref, params)
	if err != nil && s.reached(ctx, ref, stripe.PaymentIntentStatusCanceled) {
		return nil
	}
	return err
}

// reached reports whether the intent is already in status.
func (s *StripeGateway) reached(ctx context.Context, ref string, status stripe.PaymentIntentStatus) bool {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(ref, params)
	return err == nil && pi.Status == status
}
