// internal/models/admin.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog records mutating API requests and security events.
type AuditLog struct {
	BaseModel
	UserID       *uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Action       string     `json:"action" gorm:"size:100;not null;index"`
	ResourceType string     `json:"resource_type" gorm:"size:50;not null;index"`
	ResourceID   *uuid.UUID `json:"resource_id" gorm:"type:uuid;index"`
	NewValues    JSONB      `json:"new_values" gorm:"type:jsonb"`
	IPAddress    string     `json:"ip_address" gorm:"size:45"`
	UserAgent    string     `json:"user_agent" gorm:"type:text"`
}

type AlertStatus string

const (
	AlertStatusOpen     AlertStatus = "open"
	AlertStatusResolved AlertStatus = "resolved"
)

type AlertKind string

const (
	AlertKindProviderCallEscalated AlertKind = "provider_call_escalated"
	AlertKindProviderCallUnknown   AlertKind = "provider_call_unknown_outcome"
	AlertKindProviderEventRejected AlertKind = "provider_event_rejected"
)

// OperatorAlert is an item in the operator queue. Money movement that cannot
// proceed automatically ends up here.
type OperatorAlert struct {
	BaseModel
	Kind           AlertKind            `json:"kind" gorm:"type:varchar(50);not null;index"`
	Severity       NotificationPriority `json:"severity" gorm:"type:varchar(20);not null;index"`
	EscrowID       *uuid.UUID           `json:"escrow_id" gorm:"type:uuid;index"`
	ProviderCallID *uuid.UUID           `json:"provider_call_id" gorm:"type:uuid"`
	Message        string               `json:"message" gorm:"type:text;not null"`
	Status         AlertStatus          `json:"status" gorm:"type:varchar(20);not null;default:'open';index"`
	Resolution     string               `json:"resolution,omitempty" gorm:"type:text"`
	ResolvedBy     *uuid.UUID           `json:"resolved_by" gorm:"type:uuid"`
	ResolvedAt     *time.Time           `json:"resolved_at"`
}

type NotificationStatus string

const (
	NotificationStatusUnread NotificationStatus = "unread"
	NotificationStatusRead   NotificationStatus = "read"
)

// Notification is a domain event addressed to one user, consumed by the
// delivery channels outside this service.
type Notification struct {
	BaseModel
	Type              string               `json:"type" gorm:"type:varchar(50);not null;index"`
	RelatedEntityType string               `json:"related_entity_type" gorm:"size:50;not null"`
	RelatedEntityID   uuid.UUID            `json:"related_entity_id" gorm:"type:uuid;not null;index"`
	RecipientID       uuid.UUID            `json:"recipient_id" gorm:"type:uuid;not null;index"`
	Priority          NotificationPriority `json:"priority" gorm:"type:varchar(20);default:'medium';index"`
	Title             string               `json:"title" gorm:"size:255;not null"`
	Message           string               `json:"message" gorm:"type:text"`
	Status            NotificationStatus   `json:"status" gorm:"type:varchar(20);default:'unread';index"`
	ReadAt            *time.Time           `json:"read_at"`
}
