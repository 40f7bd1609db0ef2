// internal/models/migration.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type ChecklistStatus string

const (
	ChecklistStatusInProgress ChecklistStatus = "in_progress"
	ChecklistStatusCompleted  ChecklistStatus = "completed"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

type TaskCategory string

const (
	TaskCategoryDomain    TaskCategory = "domain"
	TaskCategoryAccounts  TaskCategory = "accounts"
	TaskCategoryData      TaskCategory = "data"
	TaskCategoryFinancial TaskCategory = "financial"
	TaskCategoryLegal     TaskCategory = "legal"
	TaskCategoryOperation TaskCategory = "operations"
)

// MigrationChecklist tracks the post-sale handover for one escrow transaction.
type MigrationChecklist struct {
	BaseModel
	EscrowID    uuid.UUID       `json:"escrow_id" gorm:"type:uuid;not null;uniqueIndex"`
	ListingID   uuid.UUID       `json:"listing_id" gorm:"type:uuid;not null;index"`
	BuyerID     uuid.UUID       `json:"buyer_id" gorm:"type:uuid;not null;index"`
	SellerID    uuid.UUID       `json:"seller_id" gorm:"type:uuid;not null;index"`
	Status      ChecklistStatus `json:"status" gorm:"type:varchar(20);not null;default:'in_progress';index"`
	CompletedAt *time.Time      `json:"completed_at"`

	// Relationships
	Tasks []MigrationTask `json:"tasks,omitempty" gorm:"foreignKey:ChecklistID"`
}

// MigrationTask carries two independent confirmation flags. Status is derived
// from them and never set directly by a party.
type MigrationTask struct {
	BaseModel
	ChecklistID       uuid.UUID    `json:"checklist_id" gorm:"type:uuid;not null;index"`
	Name              string       `json:"name" gorm:"size:255;not null"`
	Category          TaskCategory `json:"category" gorm:"type:varchar(30);not null"`
	Description       string       `json:"description" gorm:"type:text"`
	SortOrder         int          `json:"sort_order" gorm:"not null;default:0"`
	Status            TaskStatus   `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	BuyerConfirmed    bool         `json:"buyer_confirmed" gorm:"not null;default:false"`
	BuyerConfirmedAt  *time.Time   `json:"buyer_confirmed_at"`
	SellerConfirmed   bool         `json:"seller_confirmed" gorm:"not null;default:false"`
	SellerConfirmedAt *time.Time   `json:"seller_confirmed_at"`
	Notes             string       `json:"notes,omitempty" gorm:"type:text"`
	StartedAt         *time.Time   `json:"started_at"`
	CompletedAt       *time.Time   `json:"completed_at"`
}

// DeriveStatus computes the task status from the confirmation flags.
func (t *MigrationTask) DeriveStatus() TaskStatus {
	switch {
	case t.BuyerConfirmed && t.SellerConfirmed:
		return TaskStatusDone
	case t.BuyerConfirmed || t.SellerConfirmed:
		return TaskStatusInProgress
	default:
		return TaskStatusPending
	}
}
