// internal/models/escrow.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowStatusInitiated           EscrowStatus = "initiated"
	EscrowStatusFunded              EscrowStatus = "funded"
	EscrowStatusMigrationInProgress EscrowStatus = "migration_in_progress"
	EscrowStatusCompleted           EscrowStatus = "completed"
	EscrowStatusReleased            EscrowStatus = "released"
	EscrowStatusFailed              EscrowStatus = "failed"
	EscrowStatusCancelled           EscrowStatus = "cancelled"
)

func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowStatusReleased, EscrowStatusFailed, EscrowStatusCancelled:
		return true
	}
	return false
}

// EscrowTransaction holds the money-movement state of a deal. Only the escrow
// controller writes to it.
type EscrowTransaction struct {
	BaseModel
	LOIID               *uuid.UUID      `json:"loi_id" gorm:"column:loi_id;type:uuid;uniqueIndex"`
	ListingID           uuid.UUID       `json:"listing_id" gorm:"type:uuid;not null;index"`
	BuyerID             uuid.UUID       `json:"buyer_id" gorm:"type:uuid;not null;index"`
	SellerID            uuid.UUID       `json:"seller_id" gorm:"type:uuid;not null;index"`
	Status              EscrowStatus    `json:"status" gorm:"type:varchar(30);not null;default:'initiated';index"`
	ListingCategory     string          `json:"listing_category" gorm:"size:50"`
	Currency            string          `json:"currency" gorm:"size:3;not null;default:'usd'"`
	EscrowAmount        decimal.Decimal `json:"escrow_amount" gorm:"type:decimal(15,2);not null"`
	EscrowReference     string          `json:"escrow_reference" gorm:"size:64;not null;uniqueIndex"`
	ProviderReferenceID string          `json:"provider_reference_id,omitempty" gorm:"size:255;index"`
	WebhookSecret       string          `json:"-" gorm:"type:text;not null"`
	FeePercentage       decimal.Decimal `json:"fee_percentage" gorm:"type:decimal(5,2);not null"`
	PlatformFeeAmount   decimal.Decimal `json:"platform_fee_amount" gorm:"type:decimal(15,2);not null;default:0"`
	BuyerTotalAmount    decimal.Decimal `json:"buyer_total_amount" gorm:"type:decimal(15,2);not null;default:0"`
	SellerNetAmount     decimal.Decimal `json:"seller_net_amount" gorm:"type:decimal(15,2);not null;default:0"`
	FeeFrozenAt         *time.Time      `json:"fee_frozen_at"`
	InitiatedAt         time.Time       `json:"initiated_at"`
	FundedAt            *time.Time      `json:"funded_at"`
	MigrationStartedAt  *time.Time      `json:"migration_started_at"`
	CompletedAt         *time.Time      `json:"completed_at"`
	ReleasedAt          *time.Time      `json:"released_at"`
	FailedAt            *time.Time      `json:"failed_at"`
	CancelledAt         *time.Time      `json:"cancelled_at"`
	CancelReason        string          `json:"cancel_reason,omitempty" gorm:"type:text"`
}

// IsParty reports whether the user is the buyer or the seller on the transaction.
func (e *EscrowTransaction) IsParty(userID uuid.UUID) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

// EscrowAuditEntry is an append-only record of one escrow status transition.
type EscrowAuditEntry struct {
	ID        uuid.UUID    `json:"id" gorm:"type:uuid;primary_key"`
	EscrowID  uuid.UUID    `json:"escrow_id" gorm:"type:uuid;not null;index"`
	OldStatus EscrowStatus `json:"old_status" gorm:"type:varchar(30)"`
	NewStatus EscrowStatus `json:"new_status" gorm:"type:varchar(30);not null"`
	Trigger   string       `json:"trigger" gorm:"size:255;not null"`
	ActorID   *uuid.UUID   `json:"actor_id,omitempty" gorm:"type:uuid"`
	Details   JSONB        `json:"details,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;index"`
}
