// Package payments places, captures and releases holds on payer funds.
package payments

import (
	"context"
	"math"
	"strings"
)

// Gateway is the payment provider used for CARD payments.
type Gateway interface {
	// Hold reserves amountMinor (smallest currency unit) and returns the provider reference.
	Hold(ctx context.Context, amountMinor int64, currency, reference string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// OfflineGateway records references only. It is used when no card provider
// is configured; money moves outside the system.
type OfflineGateway struct{}

func (OfflineGateway) Hold(_ context.Context, _ int64, _ string, reference string) (string, error) {
	return "offline_" + reference, nil
}

func (OfflineGateway) Capture(context.Context, string) error { return nil }
func (OfflineGateway) Cancel(context.Context, string) error  { return nil }

// MinorUnits converts a decimal amount to the provider's smallest unit.
func MinorUnits(amount float64) int64 { return int64(math.Round(amount * 100)) }

// ProviderCurrency lowercases ISO codes the way card providers expect.
func ProviderCurrency(c string) string { return strings.ToLower(c) }
