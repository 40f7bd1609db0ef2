// internal/models/provider.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ProviderEventType string

const (
	ProviderEventFunded         ProviderEventType = "funded"
	ProviderEventFailed         ProviderEventType = "failed"
	ProviderEventReleased       ProviderEventType = "released"
	ProviderEventFeeTransferred ProviderEventType = "fee_transferred"
)

type ProviderEventOutcome string

const (
	ProviderEventApplied  ProviderEventOutcome = "applied"
	ProviderEventIgnored  ProviderEventOutcome = "ignored"
	ProviderEventRejected ProviderEventOutcome = "rejected"
)

// ProviderEventRecord is the inbox row for one provider event delivery. The
// (escrow_reference, event_type, provider_event_id) triple is unique.
type ProviderEventRecord struct {
	ID              uuid.UUID            `json:"id" gorm:"type:uuid;primary_key"`
	EscrowReference string               `json:"escrow_reference" gorm:"size:64;not null;uniqueIndex:idx_provider_event_dedup"`
	EventType       ProviderEventType    `json:"event_type" gorm:"type:varchar(30);not null;uniqueIndex:idx_provider_event_dedup"`
	ProviderEventID string               `json:"provider_event_id" gorm:"size:255;not null;uniqueIndex:idx_provider_event_dedup"`
	EscrowID        uuid.UUID            `json:"escrow_id" gorm:"type:uuid;not null;index"`
	Amount          decimal.Decimal      `json:"amount" gorm:"type:decimal(15,2);not null;default:0"`
	OccurredAt      time.Time            `json:"occurred_at"`
	ReceivedAt      time.Time            `json:"received_at" gorm:"not null"`
	Outcome         ProviderEventOutcome `json:"outcome" gorm:"type:varchar(20);not null"`
	Reason          string               `json:"reason,omitempty" gorm:"type:text"`
}

type ProviderCallKind string

const (
	ProviderCallInitiateFunding ProviderCallKind = "initiate_funding"
	ProviderCallFeeTransfer     ProviderCallKind = "fee_transfer"
	ProviderCallRelease         ProviderCallKind = "release"
)

type ProviderCallStatus string

const (
	ProviderCallPending        ProviderCallStatus = "pending"
	ProviderCallInFlight       ProviderCallStatus = "in_flight"
	ProviderCallSubmitted      ProviderCallStatus = "submitted"
	ProviderCallUnknownOutcome ProviderCallStatus = "unknown_outcome"
	ProviderCallEscalated      ProviderCallStatus = "escalated"
	ProviderCallCancelled      ProviderCallStatus = "cancelled"
)

// ProviderCall is an outbound request to the escrow provider, written in the
// same database transaction as the state change that requires it.
type ProviderCall struct {
	BaseModel
	EscrowID          uuid.UUID          `json:"escrow_id" gorm:"type:uuid;not null;index"`
	Kind              ProviderCallKind   `json:"kind" gorm:"type:varchar(30);not null"`
	Sequence          int                `json:"sequence" gorm:"not null"`
	Amount            decimal.Decimal    `json:"amount" gorm:"type:decimal(15,2);not null"`
	IdempotencyKey    string             `json:"idempotency_key" gorm:"size:128;not null;uniqueIndex"`
	Status            ProviderCallStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Attempts          int                `json:"attempts" gorm:"not null;default:0"`
	LastError         string             `json:"last_error,omitempty" gorm:"type:text"`
	ProviderReference string             `json:"provider_reference,omitempty" gorm:"size:255"`
	SubmittedAt       *time.Time         `json:"submitted_at"`
}

// ProviderCallSequence orders the calls of one escrow. A call is dispatched
// only after every call with a lower sequence has been submitted.
func ProviderCallSequence(kind ProviderCallKind) int {
	switch kind {
	case ProviderCallInitiateFunding:
		return 1
	case ProviderCallFeeTransfer:
		return 2
	default:
		return 3
	}
}
