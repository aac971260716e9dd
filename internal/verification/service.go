// Package verification records identity documents and their review by
// operators. Approved documents make an account eligible to trade.
package verification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleetxchange/internal/access"
	"github.com/example/fleetxchange/internal/apperrors"
	"github.com/example/fleetxchange/internal/events"
	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/storage"
)

type Service struct {
	store    storage.Store
	notifier events.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store storage.Store, notifier events.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type DocumentInput struct {
	AccountID    string `json:"account_id"`
	DocumentType string `json:"document_type"`
	FileURL      string `json:"file_url"`
}

// Submit stores a PENDING document for the caller, or for AccountID when an
// operator submits on someone's behalf.
func (s *Service) Submit(ctx context.Context, actor access.Actor, in DocumentInput) (*models.VerificationDocument, error) {
	account := actor.ID
	if actor.IsOperator() && in.AccountID != "" {
		account = in.AccountID
	}
	if strings.TrimSpace(in.DocumentType) == "" || strings.TrimSpace(in.FileURL) == "" {
		return nil, apperrors.InvalidArgument("document_type and file_url are required")
	}
	now := s.now()
	doc := &models.VerificationDocument{
		ID:           uuid.NewString(),
		AccountID:    account,
		DocumentType: strings.TrimSpace(in.DocumentType),
		FileURL:      strings.TrimSpace(in.FileURL),
		Status:       models.VerificationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, storage.CollVerifications, doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "store document", err)
	}
	s.logger.Info("verification document submitted", "document_id", doc.ID, "account_id", account)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.DocumentSubmitted, doc, events.UserTopic(account), events.Broadcast)
	s.notifier.Notify(b)
	return doc, nil
}

// Review records an operator verdict on a document.
func (s *Service) Review(ctx context.Context, actor access.Actor, docID string, status models.VerificationStatus, notes string) (*models.VerificationDocument, error) {
	if err := access.RequireOperator(actor); err != nil {
		return nil, err
	}
	if status == models.VerificationPending {
		return nil, apperrors.InvalidArgument("review must approve, reject or request more information")
	}
	var doc models.VerificationDocument
	if err := s.store.Get(ctx, storage.CollVerifications, docID, &doc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("document not found")
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "load document", err)
	}
	now := s.now()
	patch := storage.Patch{
		"status":      status,
		"admin_notes": notes,
		"verified_by": actor.ID,
		"verified_at": now,
		"updated_at":  now,
	}
	if err := s.store.UpdateConditional(ctx, storage.CollVerifications, docID, string(doc.Status), patch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperrors.Conflict("document changed concurrently")
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "update document", err)
	}
	doc.Status, doc.AdminNotes, doc.VerifiedBy, doc.VerifiedAt, doc.UpdatedAt = status, notes, actor.ID, &now, now
	s.logger.Info("verification document reviewed", "document_id", docID, "status", status, "operator_id", actor.ID)

	b := events.NewBatch(actor.ID, now)
	b.Add(events.DocumentVerified, &doc, events.UserTopic(doc.AccountID))
	s.notifier.Notify(b)
	return &doc, nil
}

// List returns an account's documents. Non-operators may only list their own.
func (s *Service) List(ctx context.Context, actor access.Actor, accountID string) ([]models.VerificationDocument, error) {
	if accountID == "" {
		accountID = actor.ID
	}
	if accountID != actor.ID {
		if err := access.RequireOperator(actor); err != nil {
			return nil, err
		}
	}
	var docs []models.VerificationDocument
	if err := s.store.Find(ctx, storage.CollVerifications, storage.Filter{Fields: map[string]any{"account_id": accountID}}, &docs); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list documents", err)
	}
	return docs, nil
}
