// internal/services/audit_service.go
package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

const (
	AuditActionWebhookSignatureInvalid = "security.webhook_signature_invalid"
	AuditActionAuthorizationDenied     = "security.authorization_denied"
)

// AuditService writes request and security audit records.
type AuditService struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

type AuditRecord struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      models.JSONB
	IPAddress    string
	UserAgent    string
}

// Record persists an audit row. Failures are logged only.
func (s *AuditService) Record(ctx context.Context, rec AuditRecord) {
	row := models.AuditLog{
		UserID:       rec.UserID,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		NewValues:    rec.Details,
		IPAddress:    rec.IPAddress,
		UserAgent:    rec.UserAgent,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		logrus.WithError(err).WithField("action", rec.Action).Error("Failed to write audit log")
	}
}

// RecordSecurityEvent logs and persists a rejected security-relevant request.
func (s *AuditService) RecordSecurityEvent(ctx context.Context, rec AuditRecord) {
	logrus.WithFields(logrus.Fields{
		"security_event": true,
		"action":         rec.Action,
		"resource_type":  rec.ResourceType,
		"resource_id":    rec.ResourceID,
		"user_id":        rec.UserID,
		"ip":             rec.IPAddress,
		"details":        rec.Details,
	}).Warn("Security event")
	s.Record(ctx, rec)
}
