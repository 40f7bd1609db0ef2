// internal/models/loi.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LOIStatus string

const (
	LOIStatusDraft     LOIStatus = "draft"
	LOIStatusSent      LOIStatus = "sent"
	LOIStatusAccepted  LOIStatus = "accepted"
	LOIStatusRejected  LOIStatus = "rejected"
	LOIStatusExpired   LOIStatus = "expired"
	LOIStatusWithdrawn LOIStatus = "withdrawn"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s LOIStatus) IsTerminal() bool {
	switch s {
	case LOIStatusAccepted, LOIStatusRejected, LOIStatusExpired, LOIStatusWithdrawn:
		return true
	}
	return false
}

type LOIDecision string

const (
	LOIDecisionAccept LOIDecision = "accept"
	LOIDecisionReject LOIDecision = "reject"
)

// LetterOfIntent is a buyer's offer on a listing. Price terms are fixed once the
// LOI leaves draft.
type LetterOfIntent struct {
	BaseModel
	ListingID        uuid.UUID       `json:"listing_id" gorm:"type:uuid;not null;index"`
	BuyerID          uuid.UUID       `json:"buyer_id" gorm:"type:uuid;not null;index"`
	SellerID         uuid.UUID       `json:"seller_id" gorm:"type:uuid;not null;index"`
	Status           LOIStatus       `json:"status" gorm:"type:varchar(20);not null;default:'draft';index"`
	OfferPrice       decimal.Decimal `json:"offer_price" gorm:"type:decimal(15,2);not null"`
	CashAmount       decimal.Decimal `json:"cash_amount" gorm:"type:decimal(15,2);not null"`
	EarnoutAmount    decimal.Decimal `json:"earnout_amount" gorm:"type:decimal(15,2);not null"`
	EarnoutTerms     string          `json:"earnout_terms,omitempty" gorm:"type:text"`
	DueDiligenceDays int             `json:"due_diligence_days" gorm:"not null"`
	ExclusivityDays  int             `json:"exclusivity_days" gorm:"not null;default:0"`
	Conditions       StringList      `json:"conditions" gorm:"type:text"`
	ExpirationDate   time.Time       `json:"expiration_date" gorm:"not null;index"`
	SentAt           *time.Time      `json:"sent_at"`
	RespondedAt      *time.Time      `json:"responded_at"`
	ResponseNotes    string          `json:"response_notes,omitempty" gorm:"type:text"`
	WithdrawnAt      *time.Time      `json:"withdrawn_at"`
	ExpiredAt        *time.Time      `json:"expired_at"`
	SupersededByID   *uuid.UUID      `json:"superseded_by_id,omitempty" gorm:"type:uuid"`
}

func (LetterOfIntent) TableName() string {
	return "letters_of_intent"
}

// PriceTermsBalanced reports whether cash and earnout add up to the offer price.
func (l *LetterOfIntent) PriceTermsBalanced() bool {
	return l.CashAmount.Add(l.EarnoutAmount).Equal(l.OfferPrice)
}

// IsParty reports whether the user is the buyer or the seller on the LOI.
func (l *LetterOfIntent) IsParty(userID uuid.UUID) bool {
	return userID == l.BuyerID || userID == l.SellerID
}
