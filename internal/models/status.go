package models

import "fmt"

// transitions is an explicit state-machine table: a transition is legal only
// when the target appears in the list for the source state.
type transitions[S ~string] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

func parseStatus[S ~string](kind, v string, known ...S) (S, error) {
	for _, s := range known {
		if string(s) == v {
			return s, nil
		}
	}
	var zero S
	return zero, fmt.Errorf("unknown %s status %q", kind, v)
}

type LoadStatus string

const (
	LoadActive    LoadStatus = "ACTIVE"
	LoadAssigned  LoadStatus = "ASSIGNED"
	LoadCompleted LoadStatus = "COMPLETED"
	LoadCancelled LoadStatus = "CANCELLED"
)

var loadTransitions = transitions[LoadStatus]{
	LoadActive:   {LoadAssigned, LoadCancelled},
	LoadAssigned: {LoadCompleted},
}

func ParseLoadStatus(v string) (LoadStatus, error) {
	return parseStatus("load", v, LoadActive, LoadAssigned, LoadCompleted, LoadCancelled)
}

func (s LoadStatus) CanTransition(to LoadStatus) bool { return loadTransitions.allows(s, to) }

// Terminal reports whether the load accepts no further field edits.
func (s LoadStatus) Terminal() bool { return s == LoadCompleted || s == LoadCancelled }

// Assigned reports whether a transporter must be attached in this state.
func (s LoadStatus) Assigned() bool { return s == LoadAssigned || s == LoadCompleted }

type BidStatus string

const (
	BidActive    BidStatus = "ACTIVE"
	BidWon       BidStatus = "WON"
	BidLost      BidStatus = "LOST"
	BidWithdrawn BidStatus = "WITHDRAWN"
)

var bidTransitions = transitions[BidStatus]{
	BidActive: {BidWon, BidLost, BidWithdrawn},
}

func ParseBidStatus(v string) (BidStatus, error) {
	return parseStatus("bid", v, BidActive, BidWon, BidLost, BidWithdrawn)
}

func (s BidStatus) CanTransition(to BidStatus) bool { return bidTransitions.allows(s, to) }

type PODStatus string

const (
	PODPendingApproval PODStatus = "PENDING_APPROVAL"
	PODApproved        PODStatus = "APPROVED"
	PODRejected        PODStatus = "REJECTED"
)

var podTransitions = transitions[PODStatus]{
	PODPendingApproval: {PODApproved, PODRejected},
}

func (s PODStatus) CanTransition(to PODStatus) bool { return podTransitions.allows(s, to) }

type InvoiceStatus string

const (
	InvoicePendingReview  InvoiceStatus = "PENDING_REVIEW"
	InvoiceApproved       InvoiceStatus = "APPROVED"
	InvoiceRejected       InvoiceStatus = "REJECTED"
	InvoicePendingPayment InvoiceStatus = "PENDING_PAYMENT"
	InvoicePaid           InvoiceStatus = "PAID"
)

var invoiceTransitions = transitions[InvoiceStatus]{
	InvoicePendingReview:  {InvoiceApproved, InvoiceRejected},
	InvoiceApproved:       {InvoicePaid},
	InvoicePendingPayment: {InvoicePaid},
}

func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool { return invoiceTransitions.allows(s, to) }

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentInProgress PaymentStatus = "IN_PROGRESS"
	PaymentCompleted  PaymentStatus = "COMPLETED"
)

var paymentTransitions = transitions[PaymentStatus]{
	PaymentPending:    {PaymentInProgress},
	PaymentInProgress: {PaymentCompleted},
}

func ParsePaymentStatus(v string) (PaymentStatus, error) {
	return parseStatus("payment", v, PaymentPending, PaymentInProgress, PaymentCompleted)
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool { return paymentTransitions.allows(s, to) }

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationApproved VerificationStatus = "APPROVED"
	VerificationRejected VerificationStatus = "REJECTED"
	VerificationMoreInfo VerificationStatus = "MORE_INFO_REQUIRED"
)

func ParseVerificationStatus(v string) (VerificationStatus, error) {
	return parseStatus("verification", v, VerificationPending, VerificationApproved, VerificationRejected, VerificationMoreInfo)
}

// AwardStatus tracks the per-load claim that serialises bid acceptance.
type AwardStatus string

const (
	AwardHeld     AwardStatus = "HELD"
	AwardReleased AwardStatus = "RELEASED"
)

type InvoiceRole string

const (
	InvoiceRoleTransporter InvoiceRole = "TRANSPORTER"
	InvoiceRoleClient      InvoiceRole = "CLIENT"
)

type PaymentMethod string

const (
	PaymentOffline PaymentMethod = "OFFLINE"
	PaymentCard    PaymentMethod = "CARD"
)

func ParsePaymentMethod(v string) (PaymentMethod, error) {
	if v == "" {
		return PaymentOffline, nil
	}
	return parseStatus("payment method", v, PaymentOffline, PaymentCard)
}
