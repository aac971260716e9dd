package eligibility

import (
	"context"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/fleetxchange/internal/models"
	"github.com/example/fleetxchange/internal/storage"
)

// StoreChecker reads verification documents from the engine store.
type StoreChecker struct {
	Store storage.Store
}

func (c StoreChecker) HasApprovedDocument(ctx context.Context, accountID string) (bool, error) {
	var docs []models.VerificationDocument
	f := storage.Filter{
		Fields:   map[string]any{"account_id": accountID},
		StatusIn: []string{string(models.VerificationApproved)},
	}
	if err := c.Store.Find(ctx, storage.CollVerifications, f, &docs); err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// identityVerification mirrors the verifications table kept by the identity
// backend. Status values there are lower case.
type identityVerification struct {
	gorm.Model
	VerificationID string `gorm:"uniqueIndex"`
	UserID         string `gorm:"index"`
	UserType       string
	DocumentType   string
	DocumentURL    string
	Status         string
	AdminNotes     string
	VerifiedBy     string
	VerifiedAt     *time.Time
}

func (identityVerification) TableName() string { return "verifications" }

// GormChecker reads an external identity database through GORM.
type GormChecker struct {
	db *gorm.DB
}

func OpenGormChecker(dsn string) (*GormChecker, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	return NewGormChecker(db), nil
}

func NewGormChecker(db *gorm.DB) *GormChecker { return &GormChecker{db: db} }

func (c *GormChecker) HasApprovedDocument(ctx context.Context, accountID string) (bool, error) {
	var n int64
	err := c.db.WithContext(ctx).
		Model(&identityVerification{}).
		Where("user_id = ? AND LOWER(status) = ?", accountID, strings.ToLower(string(models.VerificationApproved))).
		Count(&n).Error
	return n > 0, err
}

func (c *GormChecker) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
