// internal/models/marketplace.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Listing is the read model of a business listing. The listing service owns
// these rows; deal closing only reads them.
type Listing struct {
	BaseModel
	SellerID    uuid.UUID       `json:"seller_id" gorm:"type:uuid;not null;index"`
	Title       string          `json:"title" gorm:"size:255;not null"`
	Category    string          `json:"category" gorm:"size:50;index"`
	AskingPrice decimal.Decimal `json:"asking_price" gorm:"type:decimal(15,2);not null"`
	Status      ListingStatus   `json:"status" gorm:"type:varchar(20);not null;default:'draft';index"`
}

// MembershipPlan carries the platform fee charged to sellers on the plan.
type MembershipPlan struct {
	BaseModel
	Name          string          `json:"name" gorm:"size:50;not null;uniqueIndex"`
	FeePercentage decimal.Decimal `json:"fee_percentage" gorm:"type:decimal(5,2);not null"`
	IsActive      bool            `json:"is_active" gorm:"default:true"`
}

type MembershipStatus string

const (
	MembershipStatusActive    MembershipStatus = "active"
	MembershipStatusCancelled MembershipStatus = "cancelled"
)

type Membership struct {
	BaseModel
	UserID    uuid.UUID        `json:"user_id" gorm:"type:uuid;not null;index"`
	PlanID    uuid.UUID        `json:"plan_id" gorm:"type:uuid;not null;index"`
	Status    MembershipStatus `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	StartedAt time.Time        `json:"started_at"`

	// Relationships
	Plan MembershipPlan `json:"plan,omitempty" gorm:"foreignKey:PlanID"`
}

// PayoutAccount maps a user to an account at the escrow provider.
type PayoutAccount struct {
	BaseModel
	UserID     uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_payout_user_provider"`
	Provider   string    `json:"provider" gorm:"size:30;not null;uniqueIndex:idx_payout_user_provider"`
	AccountRef string    `json:"account_ref" gorm:"size:255;not null"`
}
