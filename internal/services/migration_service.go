// internal/services/migration_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

// MigrationService runs the post-sale handover checklist. Parties only ever
// write their own confirmation flag; escrow finalization is left to the
// escrow controller.
type MigrationService struct {
	db       *gorm.DB
	escrow   *EscrowService
	notifier NotificationSink
	now      func() time.Time
}

func NewMigrationService(db *gorm.DB, escrow *EscrowService, notifier NotificationSink) *MigrationService {
	return &MigrationService{
		db:       db,
		escrow:   escrow,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateForTransaction instantiates the checklist for a funded escrow from the
// template of the listing's category. It is idempotent per escrow.
func (s *MigrationService) CreateForTransaction(ctx context.Context, tx *gorm.DB, escrow *models.EscrowTransaction) (*models.MigrationChecklist, error) {
	var existing models.MigrationChecklist
	err := tx.WithContext(ctx).Where("escrow_id = ?", escrow.ID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing checklist: %w", err)
	}

	checklist := &models.MigrationChecklist{
		EscrowID:  escrow.ID,
		ListingID: escrow.ListingID,
		BuyerID:   escrow.BuyerID,
		SellerID:  escrow.SellerID,
		Status:    models.ChecklistStatusInProgress,
	}
	if err := tx.WithContext(ctx).Create(checklist).Error; err != nil {
		return nil, fmt.Errorf("failed to create checklist: %w", err)
	}

	templates := templateFor(escrow.ListingCategory)
	tasks := make([]models.MigrationTask, 0, len(templates))
	for i, t := range templates {
		tasks = append(tasks, models.MigrationTask{
			ChecklistID: checklist.ID,
			Name:        t.Name,
			Category:    t.Category,
			Description: t.Description,
			SortOrder:   i + 1,
			Status:      models.TaskStatusPending,
		})
	}
	if err := tx.WithContext(ctx).Create(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to create checklist tasks: %w", err)
	}
	checklist.Tasks = tasks
	return checklist, nil
}

// Confirm records the actor's confirmation of a task in the given role.
// Confirmations are monotonic: confirming twice is a no-op and nothing
// un-confirms.
func (s *MigrationService) Confirm(ctx context.Context, taskID, actorID uuid.UUID, role models.PartyRole) (*models.MigrationTask, error) {
	if role != models.PartyRoleBuyer && role != models.PartyRoleSeller {
		return nil, validationErr("role", "must be buyer or seller")
	}

	checklist, err := s.checklistForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := s.escrow.lock(checklist.EscrowID)
	defer unlock()

	fx := &afterCommit{}
	var task models.MigrationTask
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		escrow, err := s.escrow.loadForUpdate(tx, checklist.EscrowID)
		if err != nil {
			return err
		}
		if !partyHoldsRole(escrow, actorID, role) {
			return &AuthorizationError{ActorID: actorID, Action: "confirm migration task as " + string(role)}
		}
		if escrow.Status != models.EscrowStatusFunded && escrow.Status != models.EscrowStatusMigrationInProgress {
			return &InvalidStateError{Entity: "escrow transaction", ID: escrow.ID, Current: string(escrow.Status), Operation: "confirm migration tasks for"}
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&task, "id = ?", taskID).Error; err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		now := s.now()
		updates := map[string]interface{}{}
		switch role {
		case models.PartyRoleBuyer:
			if task.BuyerConfirmed {
				return nil
			}
			task.BuyerConfirmed = true
			task.BuyerConfirmedAt = &now
			updates["buyer_confirmed"] = true
			updates["buyer_confirmed_at"] = now
		case models.PartyRoleSeller:
			if task.SellerConfirmed {
				return nil
			}
			task.SellerConfirmed = true
			task.SellerConfirmedAt = &now
			updates["seller_confirmed"] = true
			updates["seller_confirmed_at"] = now
		}

		task.Status = task.DeriveStatus()
		updates["status"] = task.Status
		if task.StartedAt == nil {
			task.StartedAt = &now
			updates["started_at"] = now
		}
		if task.Status == models.TaskStatusDone {
			task.CompletedAt = &now
			updates["completed_at"] = now
		}
		if err := tx.Model(&models.MigrationTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		if err := s.escrow.onMigrationStarted(tx, escrow.ID, actorID, fx); err != nil {
			return err
		}

		counterparty := escrow.SellerID
		if role == models.PartyRoleSeller {
			counterparty = escrow.BuyerID
		}
		fx.notify(models.Notification{
			Type:              NotifyTaskConfirmed,
			RelatedEntityType: "migration_task",
			RelatedEntityID:   task.ID,
			RecipientID:       counterparty,
			Priority:          models.PriorityMedium,
			Title:             "Migration task confirmed",
			Message:           fmt.Sprintf("The %s confirmed \"%s\".", role, task.Name),
		})

		_, err = s.recompute(tx, checklist.ID, fx)
		return err
	})
	if err != nil {
		return nil, err
	}

	fx.flush(ctx, s.notifier)
	return &task, nil
}

// RecomputeChecklistStatus completes the checklist when every task is done and
// finalizes the escrow. Confirm already runs it; operators re-drive it through
// POST /admin/checklists/:id/recompute.
func (s *MigrationService) RecomputeChecklistStatus(ctx context.Context, checklistID uuid.UUID) (*models.MigrationChecklist, error) {
	var checklist models.MigrationChecklist
	if err := s.db.WithContext(ctx).First(&checklist, "id = ?", checklistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("migration checklist", checklistID)
		}
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}

	unlock := s.escrow.lock(checklist.EscrowID)
	defer unlock()

	fx := &afterCommit{}
	var result *models.MigrationChecklist
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.recompute(tx, checklistID, fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	fx.flush(ctx, s.notifier)
	return result, nil
}

func (s *MigrationService) recompute(tx *gorm.DB, checklistID uuid.UUID, fx *afterCommit) (*models.MigrationChecklist, error) {
	var checklist models.MigrationChecklist
	if err := tx.First(&checklist, "id = ?", checklistID).Error; err != nil {
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}

	var total, open int64
	if err := tx.Model(&models.MigrationTask{}).Where("checklist_id = ?", checklistID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	if err := tx.Model(&models.MigrationTask{}).
		Where("checklist_id = ? AND NOT (buyer_confirmed AND seller_confirmed)", checklistID).
		Count(&open).Error; err != nil {
		return nil, fmt.Errorf("failed to count open tasks: %w", err)
	}

	if checklist.Status == models.ChecklistStatusCompleted {
		// Completed earlier; make sure the escrow caught up.
		_, err := s.escrow.onMigrationCompleted(tx, checklist.ID, fx)
		return &checklist, err
	}
	if total == 0 || open > 0 {
		return &checklist, nil
	}

	now := s.now()
	res := tx.Model(&models.MigrationChecklist{}).
		Where("id = ? AND status = ?", checklist.ID, models.ChecklistStatusInProgress).
		Updates(map[string]interface{}{
			"status":       models.ChecklistStatusCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to complete checklist: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &ConflictError{Entity: "migration checklist", ID: checklist.ID, Expected: string(models.ChecklistStatusInProgress)}
	}
	checklist.Status = models.ChecklistStatusCompleted
	checklist.CompletedAt = &now

	for _, recipient := range []uuid.UUID{checklist.BuyerID, checklist.SellerID} {
		fx.notify(models.Notification{
			Type:              NotifyChecklistCompleted,
			RelatedEntityType: "migration_checklist",
			RelatedEntityID:   checklist.ID,
			RecipientID:       recipient,
			Priority:          models.PriorityHigh,
			Title:             "Migration checklist completed",
			Message:           "Both parties confirmed every handover task.",
		})
	}

	if _, err := s.escrow.onMigrationCompleted(tx, checklist.ID, fx); err != nil {
		return nil, err
	}
	return &checklist, nil
}

// UpdateTaskNotes replaces the notes on a task. Either party may write notes
// until the checklist completes.
func (s *MigrationService) UpdateTaskNotes(ctx context.Context, taskID, actorID uuid.UUID, notes string) (*models.MigrationTask, error) {
	notes = strings.TrimSpace(notes)
	if len(notes) > 5000 {
		return nil, validationErr("notes", "must be at most 5000 characters")
	}

	checklist, err := s.checklistForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if actorID != checklist.BuyerID && actorID != checklist.SellerID {
		return nil, &AuthorizationError{ActorID: actorID, Action: "edit migration task notes"}
	}
	if checklist.Status == models.ChecklistStatusCompleted {
		return nil, &InvalidStateError{Entity: "migration checklist", ID: checklist.ID, Current: string(checklist.Status), Operation: "edit notes on"}
	}

	if err := s.db.WithContext(ctx).Model(&models.MigrationTask{}).Where("id = ?", taskID).Update("notes", notes).Error; err != nil {
		return nil, fmt.Errorf("failed to update notes: %w", err)
	}

	var task models.MigrationTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload task: %w", err)
	}
	return &task, nil
}

// GetForEscrow returns the checklist with its tasks in template order.
func (s *MigrationService) GetForEscrow(ctx context.Context, escrowID, actorID uuid.UUID, isAdmin bool) (*models.MigrationChecklist, error) {
	var checklist models.MigrationChecklist
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Where("escrow_id = ?", escrowID).
		First(&checklist).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("migration checklist", escrowID)
		}
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}
	if !isAdmin && actorID != checklist.BuyerID && actorID != checklist.SellerID {
		return nil, &AuthorizationError{ActorID: actorID, Action: "view migration checklist"}
	}
	return &checklist, nil
}

func (s *MigrationService) checklistForTask(ctx context.Context, taskID uuid.UUID) (*models.MigrationChecklist, error) {
	var task models.MigrationTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("migration task", taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	var checklist models.MigrationChecklist
	if err := s.db.WithContext(ctx).First(&checklist, "id = ?", task.ChecklistID).Error; err != nil {
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}
	return &checklist, nil
}

func partyHoldsRole(escrow *models.EscrowTransaction, actorID uuid.UUID, role models.PartyRole) bool {
	switch role {
	case models.PartyRoleBuyer:
		return actorID == escrow.BuyerID
	case models.PartyRoleSeller:
		return actorID == escrow.SellerID
	}
	return false
}
