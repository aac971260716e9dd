package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Load is a shippable cargo job posted by a client.
type Load struct {
	ID                    string     `json:"id"`
	ClientID              string     `json:"client_id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	CargoType             string     `json:"cargo_type"`
	Weight                float64    `json:"weight"`
	PickupLocation        string     `json:"pickup_location"`
	DeliveryLocation      string     `json:"delivery_location"`
	PickupCoord           *Coord     `json:"pickup_coord,omitempty"`
	DeliveryCoord         *Coord     `json:"delivery_coord,omitempty"`
	DistanceKm            float64    `json:"distance_km,omitempty"`
	PickupDate            time.Time  `json:"pickup_date"`
	DeliveryDate          time.Time  `json:"delivery_date"`
	BudgetMin             float64    `json:"budget_min"`
	BudgetMax             float64    `json:"budget_max"`
	Currency              string     `json:"currency"`
	Status                LoadStatus `json:"status"`
	AssignedTransporterID string     `json:"assigned_transporter_id"`
	Deleted               bool       `json:"deleted"`
	DeletedAt             *time.Time `json:"deleted_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Bid is a transporter's offer to carry a load.
type Bid struct {
	ID               string     `json:"id"`
	LoadID           string     `json:"load_id"`
	TransporterID    string     `json:"transporter_id"`
	ClientID         string     `json:"client_id"`
	Amount           float64    `json:"amount"`
	Message          string     `json:"message"`
	ProposedPickup   *time.Time `json:"proposed_pickup,omitempty"`
	ProposedDelivery *time.Time `json:"proposed_delivery,omitempty"`
	Status           BidStatus  `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Decision is one reviewer's recorded verdict; empty means not yet reviewed.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Review holds the two independent approval tracks of a reviewable entity.
type Review struct {
	OperatorApproval       Decision   `json:"operator_approval"`
	OperatorReviewedBy     string     `json:"operator_reviewed_by,omitempty"`
	OperatorReviewedAt     *time.Time `json:"operator_reviewed_at,omitempty"`
	CounterpartyApproval   Decision   `json:"counterparty_approval"`
	CounterpartyReviewedBy string     `json:"counterparty_reviewed_by,omitempty"`
	CounterpartyReviewedAt *time.Time `json:"counterparty_reviewed_at,omitempty"`
}

// ProofOfDelivery is evidence submitted by the assigned transporter.
type ProofOfDelivery struct {
	ID            string    `json:"id"`
	LoadID        string    `json:"load_id"`
	TransporterID string    `json:"transporter_id"`
	ClientID      string    `json:"client_id"`
	FileURL       string    `json:"file_url"`
	FileName      string    `json:"file_name"`
	Status        PODStatus `json:"status"`
	Review
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Invoice struct {
	ID                string        `json:"id"`
	LoadID            string        `json:"load_id"`
	PODID             string        `json:"pod_id,omitempty"`
	Role              InvoiceRole   `json:"role"`
	SubmittedBy       string        `json:"submitted_by"`
	ClientID          string        `json:"client_id"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency"`
	CommissionPercent float64       `json:"commission_percent,omitempty"`
	CommissionAmount  float64       `json:"commission_amount,omitempty"`
	Status            InvoiceStatus `json:"status"`
	Notes             string        `json:"notes"`
	Review
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Payment struct {
	ID          string        `json:"id"`
	InvoiceID   string        `json:"invoice_id"`
	LoadID      string        `json:"load_id"`
	PayerID     string        `json:"payer_id"`
	Amount      float64       `json:"amount"`
	Currency    string        `json:"currency"`
	Method      PaymentMethod `json:"method"`
	ProviderRef string        `json:"provider_ref,omitempty"`
	Status      PaymentStatus `json:"status"`
	// CapturePending marks a COMPLETED card payment whose hold is not captured yet.
	CapturePending bool      `json:"capture_pending,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VerificationDocument is an identity document consulted by the eligibility gate.
type VerificationDocument struct {
	ID           string             `json:"id"`
	AccountID    string             `json:"account_id"`
	DocumentType string             `json:"document_type"`
	FileURL      string             `json:"file_url"`
	Status       VerificationStatus `json:"status"`
	AdminNotes   string             `json:"admin_notes"`
	VerifiedBy   string             `json:"verified_by,omitempty"`
	VerifiedAt   *time.Time         `json:"verified_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// LoadAward is the claim record taken before a load leaves ACTIVE.
// BidID is empty when the claim was taken to cancel or delete the load.
type LoadAward struct {
	ID        string      `json:"id"`
	LoadID    string      `json:"load_id"`
	BidID     string      `json:"bid_id"`
	Status    AwardStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
