// internal/services/escrow_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/bizmarket-backend/internal/metrics"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

var hundred = decimal.NewFromInt(100)

// checklistSpawner creates the migration checklist when an escrow is funded.
type checklistSpawner interface {
	CreateForTransaction(ctx context.Context, tx *gorm.DB, escrow *models.EscrowTransaction) (*models.MigrationChecklist, error)
}

// EscrowService is the only writer of escrow transaction rows. Every status
// change runs under the per-escrow lock, inside one database transaction that
// also appends the audit entry.
type EscrowService struct {
	db         *gorm.DB
	fees       FeePlanSource
	notifier   NotificationSink
	box        *utils.SecretBox
	checklists checklistSpawner
	locks      *keyedMutex
	currency   string
	now        func() time.Time
}

func NewEscrowService(db *gorm.DB, fees FeePlanSource, notifier NotificationSink, box *utils.SecretBox, currency string) *EscrowService {
	if currency == "" {
		currency = "usd"
	}
	return &EscrowService{
		db:       db,
		fees:     fees,
		notifier: notifier,
		box:      box,
		locks:    newKeyedMutex(),
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetChecklistEngine wires the checklist engine spawned on funding.
func (s *EscrowService) SetChecklistEngine(engine checklistSpawner) {
	s.checklists = engine
}

// lock serializes all work on one escrow transaction inside this process.
func (s *EscrowService) lock(escrowID uuid.UUID) func() {
	return s.locks.Lock(escrowID)
}

// EventOutcome reports what the inbox did with a provider event.
type EventOutcome struct {
	Escrow    *models.EscrowTransaction   `json:"escrow,omitempty"`
	Outcome   models.ProviderEventOutcome `json:"outcome"`
	Duplicate bool                        `json:"duplicate"`
	Dropped   bool                        `json:"dropped"`
	Reason    string                      `json:"reason,omitempty"`
}

// ComputeFees returns the platform fee, seller net and buyer total for an escrow
// amount. The fee is rounded to cents, half away from zero.
func ComputeFees(amount, feePercent decimal.Decimal) (fee, sellerNet, buyerTotal decimal.Decimal) {
	fee = amount.Mul(feePercent).Div(hundred).Round(2)
	sellerNet = amount.Sub(fee)
	buyerTotal = amount
	return fee, sellerNet, buyerTotal
}

type openEscrowInput struct {
	LOI             *models.LetterOfIntent
	FeePercentage   decimal.Decimal
	ListingCategory string
}

// openFromAcceptedLOI creates the escrow transaction for an accepted LOI. It
// runs inside the accept transaction so both commit or neither does.
func (s *EscrowService) openFromAcceptedLOI(ctx context.Context, tx *gorm.DB, in openEscrowInput, fx *afterCommit) (*models.EscrowTransaction, error) {
	loi := in.LOI
	if loi.Status != models.LOIStatusAccepted {
		return nil, &InvalidStateError{Entity: "letter of intent", ID: loi.ID, Current: string(loi.Status), Operation: "open escrow for"}
	}

	reference, err := utils.GenerateEscrowReference()
	if err != nil {
		return nil, fmt.Errorf("failed to generate escrow reference: %w", err)
	}
	secret, err := utils.GenerateWebhookSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	sealed, err := s.box.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal webhook secret: %w", err)
	}

	now := s.now()
	loiID := loi.ID
	escrow := &models.EscrowTransaction{
		LOIID:            &loiID,
		ListingID:        loi.ListingID,
		BuyerID:          loi.BuyerID,
		SellerID:         loi.SellerID,
		ListingCategory:  in.ListingCategory,
		Status:           models.EscrowStatusInitiated,
		Currency:         s.currency,
		EscrowAmount:     loi.OfferPrice,
		EscrowReference:  reference,
		WebhookSecret:    sealed,
		FeePercentage:    in.FeePercentage,
		BuyerTotalAmount: loi.OfferPrice,
		InitiatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(escrow).Error; err != nil {
		return nil, fmt.Errorf("failed to create escrow transaction: %w", err)
	}

	if err := s.appendAudit(tx, escrow.ID, "", models.EscrowStatusInitiated, "loi:accepted", &loi.SellerID, models.JSONB{
		"loi_id":         loi.ID.String(),
		"escrow_amount":  escrow.EscrowAmount.StringFixed(2),
		"fee_percentage": escrow.FeePercentage.StringFixed(2),
	}); err != nil {
		return nil, err
	}

	if err := enqueueProviderCall(tx, escrow, models.ProviderCallInitiateFunding, escrow.BuyerTotalAmount); err != nil {
		return nil, err
	}

	fx.escrowTransitions = append(fx.escrowTransitions, escrowTransition{EscrowID: escrow.ID, To: models.EscrowStatusInitiated, Trigger: "loi:accepted"})
	fx.notify(escrowNotes(escrow, NotifyEscrowOpened, models.PriorityHigh,
		"Escrow opened",
		fmt.Sprintf("Escrow %s was opened for %s %s.", escrow.EscrowReference, escrow.EscrowAmount.StringFixed(2), strings.ToUpper(escrow.Currency)))...)

	return escrow, nil
}

// OnProviderEvent applies a normalized provider event. Redelivered events are
// recognized by (escrow reference, event type, provider event id) and change
// nothing. Events that are illegal in the current status are recorded as
// rejected, raise an operator alert and return InvalidStateError.
func (s *EscrowService) OnProviderEvent(ctx context.Context, evt provider.Event) (*EventOutcome, error) {
	var current models.EscrowTransaction
	if err := s.db.WithContext(ctx).Where("escrow_reference = ?", evt.EscrowReference).First(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "escrow transaction", ID: evt.EscrowReference}
		}
		return nil, fmt.Errorf("failed to load escrow transaction: %w", err)
	}

	// Resolved outside the lock; the rate is frozen only if the event applies.
	var feePercent decimal.Decimal
	if evt.Type == models.ProviderEventFunded {
		pct, err := s.fees.FeePercentage(ctx, current.SellerID)
		if err != nil {
			logrus.WithError(err).WithField("escrow_id", current.ID).Warn("Fee plan lookup failed, keeping rate recorded at acceptance")
			pct = current.FeePercentage
		}
		feePercent = pct
	}

	unlock := s.lock(current.ID)
	defer unlock()

	fx := &afterCommit{}
	outcome := &EventOutcome{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seen int64
		if err := tx.Model(&models.ProviderEventRecord{}).
			Where("escrow_reference = ? AND event_type = ? AND provider_event_id = ?", evt.EscrowReference, evt.Type, evt.ProviderEventID).
			Count(&seen).Error; err != nil {
			return fmt.Errorf("failed to check event inbox: %w", err)
		}
		if seen > 0 {
			outcome.Duplicate = true
			return nil
		}

		escrow, err := s.loadForUpdate(tx, current.ID)
		if err != nil {
			return err
		}

		result, reason, err := s.applyEvent(ctx, tx, escrow, evt, feePercent, fx)
		if err != nil {
			return err
		}
		outcome.Escrow = escrow
		outcome.Outcome = result
		outcome.Reason = reason

		record := models.ProviderEventRecord{
			ID:              uuid.New(),
			EscrowReference: evt.EscrowReference,
			EventType:       evt.Type,
			ProviderEventID: evt.ProviderEventID,
			EscrowID:        escrow.ID,
			Amount:          evt.Amount,
			OccurredAt:      evt.OccurredAt,
			ReceivedAt:      s.now(),
			Outcome:         result,
			Reason:          reason,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record provider event: %w", err)
		}

		if result == models.ProviderEventRejected {
			alert, err := raiseAlert(tx, models.OperatorAlert{
				Kind:     models.AlertKindProviderEventRejected,
				Severity: models.PriorityCritical,
				EscrowID: &escrow.ID,
				Message:  fmt.Sprintf("provider event %s (%s) rejected for escrow %s: %s", evt.ProviderEventID, evt.Type, escrow.EscrowReference, reason),
			})
			if err != nil {
				return err
			}
			fx.alerts = append(fx.alerts, *alert)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Duplicate {
		metrics.Deal().ProviderEvent(string(evt.Type), "duplicate")
		logrus.WithFields(logrus.Fields{
			"escrow_reference":  evt.EscrowReference,
			"event_type":        evt.Type,
			"provider_event_id": evt.ProviderEventID,
		}).Info("Duplicate provider event ignored")
		return outcome, nil
	}

	metrics.Deal().ProviderEvent(string(evt.Type), string(outcome.Outcome))
	fx.flush(ctx, s.notifier)

	if outcome.Outcome == models.ProviderEventRejected {
		return outcome, &InvalidStateError{
			Entity:    "escrow transaction",
			ID:        outcome.Escrow.ID,
			Current:   string(outcome.Escrow.Status),
			Operation: "apply provider event " + string(evt.Type) + " to",
		}
	}
	return outcome, nil
}

func (s *EscrowService) applyEvent(ctx context.Context, tx *gorm.DB, escrow *models.EscrowTransaction, evt provider.Event, feePercent decimal.Decimal, fx *afterCommit) (models.ProviderEventOutcome, string, error) {
	trigger := "provider:" + string(evt.Type) + ":" + evt.ProviderEventID

	switch evt.Type {
	case models.ProviderEventFunded:
		switch escrow.Status {
		case models.EscrowStatusInitiated:
		case models.EscrowStatusFunded, models.EscrowStatusMigrationInProgress, models.EscrowStatusCompleted, models.EscrowStatusReleased:
			return models.ProviderEventIgnored, "already funded", nil
		default:
			return models.ProviderEventRejected, "funded event for " + string(escrow.Status) + " escrow", nil
		}
		if !evt.Amount.IsZero() && !evt.Amount.Equal(escrow.BuyerTotalAmount) {
			return models.ProviderEventRejected, fmt.Sprintf("funded amount %s does not match expected %s", evt.Amount.StringFixed(2), escrow.BuyerTotalAmount.StringFixed(2)), nil
		}
		if feePercent.IsNegative() || feePercent.GreaterThanOrEqual(hundred) {
			return models.ProviderEventRejected, fmt.Sprintf("fee percentage %s out of range", feePercent.String()), nil
		}
		return models.ProviderEventApplied, "", s.markFunded(ctx, tx, escrow, feePercent, trigger, fx)

	case models.ProviderEventFailed:
		if escrow.Status == models.EscrowStatusFailed {
			return models.ProviderEventIgnored, "already failed", nil
		}
		if escrow.Status.IsTerminal() {
			return models.ProviderEventRejected, "failed event for " + string(escrow.Status) + " escrow", nil
		}
		now := s.now()
		if err := s.transition(tx, escrow, models.EscrowStatusFailed, trigger, nil, nil, map[string]interface{}{"failed_at": now}, fx); err != nil {
			return "", "", err
		}
		escrow.FailedAt = &now
		fx.notify(escrowNotes(escrow, NotifyEscrowFailed, models.PriorityCritical,
			"Escrow failed",
			fmt.Sprintf("The escrow provider reported escrow %s as failed.", escrow.EscrowReference))...)
		return models.ProviderEventApplied, "", nil

	case models.ProviderEventReleased:
		switch escrow.Status {
		case models.EscrowStatusCompleted:
		case models.EscrowStatusReleased:
			return models.ProviderEventIgnored, "already released", nil
		default:
			return models.ProviderEventRejected, "released event before completion, escrow is " + string(escrow.Status), nil
		}
		now := s.now()
		if err := s.transition(tx, escrow, models.EscrowStatusReleased, trigger, nil, nil, map[string]interface{}{"released_at": now}, fx); err != nil {
			return "", "", err
		}
		escrow.ReleasedAt = &now
		fx.notify(escrowNotes(escrow, NotifyEscrowReleased, models.PriorityHigh,
			"Funds released",
			fmt.Sprintf("%s %s was released to the seller for escrow %s.", escrow.SellerNetAmount.StringFixed(2), strings.ToUpper(escrow.Currency), escrow.EscrowReference))...)
		return models.ProviderEventApplied, "", nil

	case models.ProviderEventFeeTransferred:
		if escrow.Status != models.EscrowStatusCompleted && escrow.Status != models.EscrowStatusReleased {
			return models.ProviderEventRejected, "fee transferred before completion, escrow is " + string(escrow.Status), nil
		}
		return models.ProviderEventApplied, "", nil
	}

	return models.ProviderEventIgnored, "unsupported event type", nil
}

// markFunded freezes the fee at the rate in effect now and spawns the checklist.
// The caller has range-checked feePercent.
func (s *EscrowService) markFunded(ctx context.Context, tx *gorm.DB, escrow *models.EscrowTransaction, feePercent decimal.Decimal, trigger string, fx *afterCommit) error {
	fee, net, total := ComputeFees(escrow.EscrowAmount, feePercent)
	now := s.now()

	updates := map[string]interface{}{
		"fee_percentage":      feePercent,
		"platform_fee_amount": fee,
		"seller_net_amount":   net,
		"buyer_total_amount":  total,
		"fee_frozen_at":       now,
		"funded_at":           now,
	}
	details := models.JSONB{
		"fee_percentage":      feePercent.StringFixed(2),
		"platform_fee_amount": fee.StringFixed(2),
		"seller_net_amount":   net.StringFixed(2),
	}
	if err := s.transition(tx, escrow, models.EscrowStatusFunded, trigger, nil, details, updates, fx); err != nil {
		return err
	}
	escrow.FeePercentage = feePercent
	escrow.PlatformFeeAmount = fee
	escrow.SellerNetAmount = net
	escrow.BuyerTotalAmount = total
	escrow.FeeFrozenAt = &now
	escrow.FundedAt = &now

	if s.checklists != nil {
		if _, err := s.checklists.CreateForTransaction(ctx, tx, escrow); err != nil {
			return fmt.Errorf("failed to create migration checklist: %w", err)
		}
	}

	fx.notify(escrowNotes(escrow, NotifyEscrowFunded, models.PriorityHigh,
		"Escrow funded",
		fmt.Sprintf("Escrow %s is funded. The migration checklist is ready.", escrow.EscrowReference))...)
	return nil
}

// onMigrationStarted moves a funded escrow into migration on the first
// checklist confirmation. Caller holds the escrow lock.
func (s *EscrowService) onMigrationStarted(tx *gorm.DB, escrowID uuid.UUID, actorID uuid.UUID, fx *afterCommit) error {
	escrow, err := s.loadForUpdate(tx, escrowID)
	if err != nil {
		return err
	}
	if escrow.Status != models.EscrowStatusFunded {
		return nil
	}
	now := s.now()
	return s.transition(tx, escrow, models.EscrowStatusMigrationInProgress, "checklist:first_confirmation", &actorID, nil,
		map[string]interface{}{"migration_started_at": now}, fx)
}

// onMigrationCompleted finalizes the escrow once its checklist is complete and
// queues the fee transfer and the release. Caller holds the escrow lock.
func (s *EscrowService) onMigrationCompleted(tx *gorm.DB, checklistID uuid.UUID, fx *afterCommit) (*models.EscrowTransaction, error) {
	var checklist models.MigrationChecklist
	if err := tx.First(&checklist, "id = ?", checklistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("migration checklist", checklistID)
		}
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}
	if checklist.Status != models.ChecklistStatusCompleted {
		return nil, &InvalidStateError{Entity: "migration checklist", ID: checklist.ID, Current: string(checklist.Status), Operation: "finalize escrow for"}
	}

	escrow, err := s.loadForUpdate(tx, checklist.EscrowID)
	if err != nil {
		return nil, err
	}
	switch escrow.Status {
	case models.EscrowStatusFunded, models.EscrowStatusMigrationInProgress:
	case models.EscrowStatusCompleted, models.EscrowStatusReleased:
		return escrow, nil
	default:
		return nil, &InvalidStateError{Entity: "escrow transaction", ID: escrow.ID, Current: string(escrow.Status), Operation: "complete"}
	}

	now := s.now()
	if err := s.transition(tx, escrow, models.EscrowStatusCompleted, "checklist:completed:"+checklist.ID.String(), nil, nil,
		map[string]interface{}{"completed_at": now}, fx); err != nil {
		return nil, err
	}
	escrow.CompletedAt = &now

	if escrow.PlatformFeeAmount.IsPositive() {
		if err := enqueueProviderCall(tx, escrow, models.ProviderCallFeeTransfer, escrow.PlatformFeeAmount); err != nil {
			return nil, err
		}
	}
	if err := enqueueProviderCall(tx, escrow, models.ProviderCallRelease, escrow.SellerNetAmount); err != nil {
		return nil, err
	}

	fx.notify(escrowNotes(escrow, NotifyEscrowCompleted, models.PriorityHigh,
		"Migration complete",
		fmt.Sprintf("All migration tasks for escrow %s are confirmed. Funds release has been requested.", escrow.EscrowReference))...)
	return escrow, nil
}

// OnMigrationCompleted finalizes the escrow of a completed checklist. The
// checklist engine calls the in-transaction variant itself; this entry point
// finalizes a checklist outside the confirm path.
func (s *EscrowService) OnMigrationCompleted(ctx context.Context, checklistID uuid.UUID) (*models.EscrowTransaction, error) {
	var checklist models.MigrationChecklist
	if err := s.db.WithContext(ctx).First(&checklist, "id = ?", checklistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("migration checklist", checklistID)
		}
		return nil, fmt.Errorf("failed to load checklist: %w", err)
	}

	unlock := s.lock(checklist.EscrowID)
	defer unlock()

	fx := &afterCommit{}
	var escrow *models.EscrowTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		escrow, err = s.onMigrationCompleted(tx, checklistID, fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	fx.flush(ctx, s.notifier)
	return escrow, nil
}

// RecordProviderReference stores the reference the provider returned for an
// outbound call and marks the call submitted.
func (s *EscrowService) RecordProviderReference(ctx context.Context, callID uuid.UUID, reference string) error {
	var call models.ProviderCall
	if err := s.db.WithContext(ctx).First(&call, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("provider call", callID)
		}
		return fmt.Errorf("failed to load provider call: %w", err)
	}

	unlock := s.lock(call.EscrowID)
	defer unlock()

	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ProviderCall{}).
			Where("id = ? AND status IN ?", call.ID, []models.ProviderCallStatus{models.ProviderCallInFlight, models.ProviderCallUnknownOutcome}).
			Updates(map[string]interface{}{
				"status":             models.ProviderCallSubmitted,
				"provider_reference": reference,
				"submitted_at":       now,
				"last_error":         "",
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update provider call: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConflictError{Entity: "provider call", ID: call.ID, Expected: string(models.ProviderCallInFlight)}
		}

		if call.Kind != models.ProviderCallInitiateFunding || reference == "" {
			return nil
		}
		return tx.Model(&models.EscrowTransaction{}).
			Where("id = ? AND (provider_reference_id = '' OR provider_reference_id IS NULL)", call.EscrowID).
			Update("provider_reference_id", reference).Error
	})
}

// Cancel lets an operator abandon an escrow that has not entered migration.
func (s *EscrowService) Cancel(ctx context.Context, escrowID, operatorID uuid.UUID, reason string) (*models.EscrowTransaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationErr("reason", "is required")
	}

	unlock := s.lock(escrowID)
	defer unlock()

	fx := &afterCommit{}
	var escrow *models.EscrowTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		escrow, err = s.loadForUpdate(tx, escrowID)
		if err != nil {
			return err
		}
		if escrow.Status != models.EscrowStatusInitiated && escrow.Status != models.EscrowStatusFunded {
			return &InvalidStateError{Entity: "escrow transaction", ID: escrow.ID, Current: string(escrow.Status), Operation: "cancel"}
		}
		now := s.now()
		if err := s.transition(tx, escrow, models.EscrowStatusCancelled, "operator:cancel", &operatorID, models.JSONB{"reason": reason},
			map[string]interface{}{"cancelled_at": now, "cancel_reason": reason}, fx); err != nil {
			return err
		}
		escrow.CancelledAt = &now
		escrow.CancelReason = reason

		// Calls not yet sent are void.
		if err := tx.Model(&models.ProviderCall{}).
			Where("escrow_id = ? AND status = ?", escrow.ID, models.ProviderCallPending).
			Update("status", models.ProviderCallCancelled).Error; err != nil {
			return fmt.Errorf("failed to cancel pending provider calls: %w", err)
		}
		fx.notify(escrowNotes(escrow, NotifyEscrowCancelled, models.PriorityCritical,
			"Escrow cancelled",
			fmt.Sprintf("Escrow %s was cancelled by the platform: %s", escrow.EscrowReference, reason))...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.flush(ctx, s.notifier)
	return escrow, nil
}

// Get returns an escrow transaction visible to the actor.
func (s *EscrowService) Get(ctx context.Context, escrowID, actorID uuid.UUID, isAdmin bool) (*models.EscrowTransaction, error) {
	var escrow models.EscrowTransaction
	if err := s.db.WithContext(ctx).First(&escrow, "id = ?", escrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("escrow transaction", escrowID)
		}
		return nil, fmt.Errorf("failed to load escrow transaction: %w", err)
	}
	if !isAdmin && !escrow.IsParty(actorID) {
		return nil, &AuthorizationError{ActorID: actorID, Action: "view escrow transaction " + escrowID.String()}
	}
	return &escrow, nil
}

type EscrowFilter struct {
	Role   models.PartyRole
	Status models.EscrowStatus
}

func (s *EscrowService) List(ctx context.Context, actorID uuid.UUID, filter EscrowFilter, params utils.PaginationParams) ([]models.EscrowTransaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.EscrowTransaction{})
	switch filter.Role {
	case models.PartyRoleBuyer:
		query = query.Where("buyer_id = ?", actorID)
	case models.PartyRoleSeller:
		query = query.Where("seller_id = ?", actorID)
	default:
		query = query.Where("buyer_id = ? OR seller_id = ?", actorID, actorID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count escrow transactions: %w", err)
	}

	var escrows []models.EscrowTransaction
	query = utils.ApplySort(query, params, []string{"created_at", "updated_at", "escrow_amount", "status"})
	if err := utils.ApplyPagination(query, params).Find(&escrows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list escrow transactions: %w", err)
	}
	return escrows, total, nil
}

// AuditTrail returns the transitions of an escrow in the order they happened.
func (s *EscrowService) AuditTrail(ctx context.Context, escrowID, actorID uuid.UUID, isAdmin bool) ([]models.EscrowAuditEntry, error) {
	if _, err := s.Get(ctx, escrowID, actorID, isAdmin); err != nil {
		return nil, err
	}
	var entries []models.EscrowAuditEntry
	if err := s.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	return entries, nil
}

func (s *EscrowService) loadForUpdate(tx *gorm.DB, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	var escrow models.EscrowTransaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", escrowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("escrow transaction", escrowID)
		}
		return nil, fmt.Errorf("failed to lock escrow transaction: %w", err)
	}
	return &escrow, nil
}

// transition moves the escrow from its current status to `to` with a
// compare-and-set and appends the audit entry in the same transaction.
func (s *EscrowService) transition(tx *gorm.DB, escrow *models.EscrowTransaction, to models.EscrowStatus, trigger string, actorID *uuid.UUID, details models.JSONB, updates map[string]interface{}, fx *afterCommit) error {
	from := escrow.Status
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	res := tx.Model(&models.EscrowTransaction{}).
		Where("id = ? AND status = ?", escrow.ID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update escrow transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ConflictError{Entity: "escrow transaction", ID: escrow.ID, Expected: string(from)}
	}

	if err := s.appendAudit(tx, escrow.ID, from, to, trigger, actorID, details); err != nil {
		return err
	}
	escrow.Status = to
	fx.escrowTransitions = append(fx.escrowTransitions, escrowTransition{EscrowID: escrow.ID, From: from, To: to, Trigger: trigger})
	return nil
}

func (s *EscrowService) appendAudit(tx *gorm.DB, escrowID uuid.UUID, from, to models.EscrowStatus, trigger string, actorID *uuid.UUID, details models.JSONB) error {
	entry := models.EscrowAuditEntry{
		ID:        uuid.New(),
		EscrowID:  escrowID,
		OldStatus: from,
		NewStatus: to,
		Trigger:   trigger,
		ActorID:   actorID,
		Details:   details,
		CreatedAt: s.now(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to write escrow audit entry: %w", err)
	}
	return nil
}

func enqueueProviderCall(tx *gorm.DB, escrow *models.EscrowTransaction, kind models.ProviderCallKind, amount decimal.Decimal) error {
	call := models.ProviderCall{
		EscrowID:       escrow.ID,
		Kind:           kind,
		Sequence:       models.ProviderCallSequence(kind),
		Amount:         amount,
		IdempotencyKey: escrow.ID.String() + ":" + string(kind),
		Status:         models.ProviderCallPending,
	}
	if err := tx.Create(&call).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s call: %w", kind, err)
	}
	return nil
}
