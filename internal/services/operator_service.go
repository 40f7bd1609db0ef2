// internal/services/operator_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

// OperatorService is the operator queue: alerts raised when money movement
// cannot proceed on its own, and the actions to unblock it.
type OperatorService struct {
	db     *gorm.DB
	escrow *EscrowService
	now    func() time.Time
}

func NewOperatorService(db *gorm.DB, escrow *EscrowService) *OperatorService {
	return &OperatorService{
		db:     db,
		escrow: escrow,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func raiseAlert(tx *gorm.DB, alert models.OperatorAlert) (*models.OperatorAlert, error) {
	alert.Status = models.AlertStatusOpen
	if err := tx.Create(&alert).Error; err != nil {
		return nil, fmt.Errorf("failed to raise operator alert: %w", err)
	}
	return &alert, nil
}

type AlertFilter struct {
	Status   models.AlertStatus
	Severity models.NotificationPriority
	EscrowID *uuid.UUID
}

func (s *OperatorService) ListAlerts(ctx context.Context, filter AlertFilter, params utils.PaginationParams) ([]models.OperatorAlert, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.OperatorAlert{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.EscrowID != nil {
		query = query.Where("escrow_id = ?", *filter.EscrowID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	var alerts []models.OperatorAlert
	query = utils.ApplySort(query, params, []string{"created_at", "severity", "status"})
	if err := utils.ApplyPagination(query, params).Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, total, nil
}

func (s *OperatorService) ResolveAlert(ctx context.Context, alertID, operatorID uuid.UUID, resolution string) (*models.OperatorAlert, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return nil, validationErr("resolution", "is required")
	}

	var alert models.OperatorAlert
	if err := s.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("operator alert", alertID)
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if alert.Status != models.AlertStatusOpen {
		return nil, &InvalidStateError{Entity: "operator alert", ID: alert.ID, Current: string(alert.Status), Operation: "resolve"}
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.OperatorAlert{}).
		Where("id = ? AND status = ?", alert.ID, models.AlertStatusOpen).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolution":  resolution,
			"resolved_by": operatorID,
			"resolved_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &ConflictError{Entity: "operator alert", ID: alert.ID, Expected: string(models.AlertStatusOpen)}
	}

	alert.Status = models.AlertStatusResolved
	alert.Resolution = resolution
	alert.ResolvedBy = &operatorID
	alert.ResolvedAt = &now

	logrus.WithFields(logrus.Fields{
		"alert_id":    alert.ID,
		"operator_id": operatorID,
	}).Info("Operator alert resolved")
	return &alert, nil
}

// RequeueCall puts an escalated or unknown-outcome provider call back in the
// dispatch queue. For unknown outcomes the operator must have confirmed with
// the provider that the call did not land; the idempotency key guards the rest.
func (s *OperatorService) RequeueCall(ctx context.Context, callID, operatorID uuid.UUID) (*models.ProviderCall, error) {
	var call models.ProviderCall
	if err := s.db.WithContext(ctx).First(&call, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("provider call", callID)
		}
		return nil, fmt.Errorf("failed to load provider call: %w", err)
	}
	if call.Status != models.ProviderCallEscalated && call.Status != models.ProviderCallUnknownOutcome {
		return nil, &InvalidStateError{Entity: "provider call", ID: call.ID, Current: string(call.Status), Operation: "requeue"}
	}

	res := s.db.WithContext(ctx).Model(&models.ProviderCall{}).
		Where("id = ? AND status = ?", call.ID, call.Status).
		Updates(map[string]interface{}{
			"status":   models.ProviderCallPending,
			"attempts": 0,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to requeue provider call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &ConflictError{Entity: "provider call", ID: call.ID, Expected: string(call.Status)}
	}

	logrus.WithFields(logrus.Fields{
		"provider_call_id": call.ID,
		"escrow_id":        call.EscrowID,
		"kind":             call.Kind,
		"previous_status":  call.Status,
		"operator_id":      operatorID,
	}).Warn("Provider call requeued by operator")

	call.Status = models.ProviderCallPending
	call.Attempts = 0
	return &call, nil
}

// RecordCallReference settles an unknown-outcome call with the reference the
// operator found at the provider. Later calls of the escrow unblock with it.
func (s *OperatorService) RecordCallReference(ctx context.Context, callID, operatorID uuid.UUID, reference string) (*models.ProviderCall, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, validationErr("reference", "is required")
	}

	var call models.ProviderCall
	if err := s.db.WithContext(ctx).First(&call, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("provider call", callID)
		}
		return nil, fmt.Errorf("failed to load provider call: %w", err)
	}
	// In-flight calls belong to the dispatcher.
	if call.Status != models.ProviderCallUnknownOutcome {
		return nil, &InvalidStateError{Entity: "provider call", ID: call.ID, Current: string(call.Status), Operation: "record reference for"}
	}

	if err := s.escrow.RecordProviderReference(ctx, call.ID, reference); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"provider_call_id": call.ID,
		"escrow_id":        call.EscrowID,
		"kind":             call.Kind,
		"reference":        reference,
		"operator_id":      operatorID,
	}).Warn("Provider call reference recorded by operator")

	if err := s.db.WithContext(ctx).First(&call, "id = ?", call.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload provider call: %w", err)
	}
	return &call, nil
}

// ListProviderCalls returns outbound calls, optionally for one escrow.
func (s *OperatorService) ListProviderCalls(ctx context.Context, escrowID *uuid.UUID, status models.ProviderCallStatus) ([]models.ProviderCall, error) {
	query := s.db.WithContext(ctx).Model(&models.ProviderCall{})
	if escrowID != nil {
		query = query.Where("escrow_id = ?", *escrowID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var calls []models.ProviderCall
	if err := query.Order("created_at ASC").Limit(200).Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider calls: %w", err)
	}
	return calls, nil
}
