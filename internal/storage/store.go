package storage

import (
	"context"
	"errors"
)

// Collection names used by the workflow engine.
const (
	CollLoads         = "loads"
	CollBids          = "bids"
	CollPODs          = "pods"
	CollInvoices      = "invoices"
	CollPayments      = "payments"
	CollVerifications = "verification_documents"
	CollLoadAwards    = "load_awards"
)

var (
	ErrNotFound  = errors.New("storage: document not found")
	ErrConflict  = errors.New("storage: status precondition failed")
	ErrDuplicate = errors.New("storage: duplicate document")
)

// Filter selects documents. Fields are matched for equality against the
// top-level JSON fields of the document; StatusIn, when set, restricts the
// status; ExcludeID skips one document.
type Filter struct {
	Fields    map[string]any
	StatusIn  []string
	ExcludeID string
}

// Patch is a set of top-level field replacements. A "status" key also moves
// the document's indexed status.
type Patch map[string]any

// Store persists JSON documents carrying top-level "id" and "status" fields.
// Find returns documents in insertion order.
type Store interface {
	Get(ctx context.Context, coll, id string, out any) error
	Find(ctx context.Context, coll string, f Filter, out any) error
	Insert(ctx context.Context, coll string, doc any) error
	// InsertUnique inserts doc only if no document matches guard, atomically.
	InsertUnique(ctx context.Context, coll string, doc any, guard Filter) error
	// UpdateConditional applies p only while the document's status equals
	// expectedStatus. An empty expectedStatus applies unconditionally.
	UpdateConditional(ctx context.Context, coll, id, expectedStatus string, p Patch) error
	UpdateMany(ctx context.Context, coll string, f Filter, p Patch) (int, error)
	Close() error
}
