// internal/services/notification_service.go
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/metrics"
	"github.com/javajoker/bizmarket-backend/internal/models"
)

// Notification types emitted by the deal-closing workflow.
const (
	NotifyLOIReceived        = "loi_received"
	NotifyLOIAccepted        = "loi_accepted"
	NotifyLOIRejected        = "loi_rejected"
	NotifyLOISuperseded      = "loi_superseded"
	NotifyLOIWithdrawn       = "loi_withdrawn"
	NotifyLOIExpired         = "loi_expired"
	NotifyEscrowOpened       = "escrow_opened"
	NotifyEscrowFunded       = "escrow_funded"
	NotifyEscrowFailed       = "escrow_failed"
	NotifyEscrowCancelled    = "escrow_cancelled"
	NotifyEscrowCompleted    = "escrow_completed"
	NotifyEscrowReleased     = "escrow_released"
	NotifyTaskConfirmed      = "migration_task_confirmed"
	NotifyChecklistCompleted = "migration_checklist_completed"
)

// NotificationSink receives domain events for the delivery channels.
type NotificationSink interface {
	Emit(ctx context.Context, notes ...models.Notification)
}

type NotificationService struct {
	db *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// Emit persists notifications. It is called after the financial change has
// committed, so a failure here is logged and never returned.
func (s *NotificationService) Emit(ctx context.Context, notes ...models.Notification) {
	for i := range notes {
		note := notes[i]
		if note.Priority == "" {
			note.Priority = models.PriorityMedium
		}
		if note.Status == "" {
			note.Status = models.NotificationStatusUnread
		}
		if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
			metrics.Deal().NotificationFailed(note.Type)
			logrus.WithError(err).WithFields(logrus.Fields{
				"type":      note.Type,
				"recipient": note.RecipientID,
				"entity_id": note.RelatedEntityID,
			}).Error("Failed to persist notification")
		}
	}
}

// ListForUser returns the most recent notifications addressed to userID.
func (s *NotificationService) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var notes []models.Notification
	if err := s.db.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notes, nil
}

func loiNote(loi *models.LetterOfIntent, kind string, recipient uuid.UUID, priority models.NotificationPriority, title, message string) models.Notification {
	return models.Notification{
		Type:              kind,
		RelatedEntityType: "letter_of_intent",
		RelatedEntityID:   loi.ID,
		RecipientID:       recipient,
		Priority:          priority,
		Title:             title,
		Message:           message,
	}
}

func escrowNotes(escrow *models.EscrowTransaction, kind string, priority models.NotificationPriority, title, message string) []models.Notification {
	notes := make([]models.Notification, 0, 2)
	for _, recipient := range []uuid.UUID{escrow.BuyerID, escrow.SellerID} {
		notes = append(notes, models.Notification{
			Type:              kind,
			RelatedEntityType: "escrow_transaction",
			RelatedEntityID:   escrow.ID,
			RecipientID:       recipient,
			Priority:          priority,
			Title:             title,
			Message:           message,
		})
	}
	return notes
}
