// internal/services/dispatcher.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/metrics"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

const feeDestinationPlatform = "platform"

type DispatcherConfig struct {
	RequestTimeout   time.Duration
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
	MaxAttempts      int
	PollInterval     time.Duration
	BatchSize        int
}

// Dispatcher drains the provider call outbox. Calls of one escrow go out in
// sequence order; a call whose outcome is unknown blocks the ones after it
// until an operator intervenes.
type Dispatcher struct {
	db      *gorm.DB
	client  provider.Client
	escrow  *EscrowService
	payouts PayoutDirectory
	box     *utils.SecretBox
	cfg     DispatcherConfig
}

func NewDispatcher(db *gorm.DB, client provider.Client, escrow *EscrowService, payouts PayoutDirectory, box *utils.SecretBox, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Dispatcher{
		db:      db,
		client:  client,
		escrow:  escrow,
		payouts: payouts,
		box:     box,
		cfg:     cfg,
	}
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.RecoverInFlight(ctx); err != nil {
		logrus.WithError(err).Error("Failed to recover in-flight provider calls")
	} else if n > 0 {
		logrus.WithField("count", n).Warn("Provider calls left in flight marked unknown outcome")
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"provider": d.client.Name(),
		"interval": d.cfg.PollInterval.String(),
	}).Info("Provider call dispatcher started")

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Provider call dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Provider call dispatch failed")
			}
		}
	}
}

// RecoverInFlight marks calls claimed by a process that died mid-request as
// unknown outcome. It must run before the first dispatch.
func (d *Dispatcher) RecoverInFlight(ctx context.Context) (int, error) {
	var calls []models.ProviderCall
	if err := d.db.WithContext(ctx).Where("status = ?", models.ProviderCallInFlight).Find(&calls).Error; err != nil {
		return 0, fmt.Errorf("failed to load in-flight provider calls: %w", err)
	}
	for i := range calls {
		if err := d.finish(ctx, &calls[i], models.ProviderCallUnknownOutcome, 0, "dispatcher restarted while the call was in flight"); err != nil {
			return i, err
		}
	}
	return len(calls), nil
}

// DispatchDue sends every pending call whose predecessors have been submitted
// and returns how many it attempted. Calls still waiting on an earlier call of
// their escrow are left out of the batch so a stuck escrow cannot hold up the
// others; calls of failed or cancelled escrows are loaded to be voided. A
// submitted call makes its successor eligible, so passes repeat while they
// make progress.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	attempted := 0
	for {
		n, err := d.dispatchBatch(ctx)
		attempted += n
		if err != nil || n == 0 || ctx.Err() != nil {
			return attempted, err
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) (int, error) {
	var due []models.ProviderCall
	if err := d.db.WithContext(ctx).
		Where("status = ?", models.ProviderCallPending).
		Where("(NOT EXISTS (SELECT 1 FROM provider_calls p WHERE p.escrow_id = provider_calls.escrow_id AND p.sequence < provider_calls.sequence AND p.status <> ?)"+
			" OR escrow_id IN (SELECT id FROM escrow_transactions WHERE status IN ?))",
			models.ProviderCallSubmitted,
			[]models.EscrowStatus{models.EscrowStatusFailed, models.EscrowStatusCancelled}).
		Order("created_at ASC, sequence ASC").
		Limit(d.cfg.BatchSize).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("failed to load pending provider calls: %w", err)
	}

	attempted := 0
	for i := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		sent, err := d.dispatch(ctx, &due[i])
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"provider_call_id": due[i].ID,
				"escrow_id":        due[i].EscrowID,
				"kind":             due[i].Kind,
			}).Error("Failed to dispatch provider call")
			continue
		}
		if sent {
			attempted++
		}
	}
	return attempted, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, call *models.ProviderCall) (bool, error) {
	var escrow models.EscrowTransaction
	if err := d.db.WithContext(ctx).First(&escrow, "id = ?", call.EscrowID).Error; err != nil {
		return false, fmt.Errorf("failed to load escrow transaction: %w", err)
	}

	if escrow.Status == models.EscrowStatusFailed || escrow.Status == models.EscrowStatusCancelled {
		res := d.db.WithContext(ctx).Model(&models.ProviderCall{}).
			Where("id = ? AND status = ?", call.ID, models.ProviderCallPending).
			Update("status", models.ProviderCallCancelled)
		if res.Error != nil {
			return false, fmt.Errorf("failed to cancel provider call: %w", res.Error)
		}
		return false, nil
	}

	var blocking int64
	if err := d.db.WithContext(ctx).Model(&models.ProviderCall{}).
		Where("escrow_id = ? AND sequence < ? AND status <> ?", call.EscrowID, call.Sequence, models.ProviderCallSubmitted).
		Count(&blocking).Error; err != nil {
		return false, fmt.Errorf("failed to check earlier provider calls: %w", err)
	}
	if blocking > 0 {
		return false, nil
	}

	// Claim. Another dispatcher that got here first wins.
	res := d.db.WithContext(ctx).Model(&models.ProviderCall{}).
		Where("id = ? AND status = ?", call.ID, models.ProviderCallPending).
		Update("status", models.ProviderCallInFlight)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim provider call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	call.Status = models.ProviderCallInFlight

	send, err := d.request(ctx, call, &escrow)
	if err != nil {
		return true, d.finish(ctx, call, models.ProviderCallEscalated, 0, err.Error())
	}

	started := time.Now()
	out, err := d.sendWithRetry(ctx, call, send)
	took := time.Since(started)
	attempts, lastErr := out.attempts, out.lastErr

	// Persist with a context that survives shutdown; the provider may already
	// have acted on the request.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		metrics.Deal().ProviderCall(string(call.Kind), "submitted", took)
		if err := d.db.WithContext(persistCtx).Model(&models.ProviderCall{}).
			Where("id = ?", call.ID).
			Update("attempts", call.Attempts+attempts).Error; err != nil {
			return true, fmt.Errorf("failed to record attempts: %w", err)
		}
		if err := d.escrow.RecordProviderReference(persistCtx, call.ID, out.receipt.Reference); err != nil {
			return true, err
		}
		logrus.WithFields(logrus.Fields{
			"provider_call_id": call.ID,
			"escrow_id":        call.EscrowID,
			"kind":             call.Kind,
			"attempts":         attempts,
			"reference":        out.receipt.Reference,
		}).Info("Provider call submitted")
		return true, nil

	case provider.IsUnknownOutcome(lastErr):
		metrics.Deal().ProviderCall(string(call.Kind), "unknown_outcome", took)
		return true, d.finish(persistCtx, call, models.ProviderCallUnknownOutcome, attempts, lastErr.Error())

	case ctx.Err() != nil:
		metrics.Deal().ProviderCall(string(call.Kind), "interrupted", took)
		return true, d.release(persistCtx, call, attempts, lastErr)

	default:
		metrics.Deal().ProviderCall(string(call.Kind), "escalated", took)
		return true, d.finish(persistCtx, call, models.ProviderCallEscalated, attempts, err.Error())
	}
}

type sendFunc func(ctx context.Context) (*provider.Receipt, error)

type sendResult struct {
	receipt  *provider.Receipt
	attempts int
	lastErr  error
}

// sendWithRetry retries transient failures with exponential backoff. A call
// with an unknown outcome is never retried: the provider may have acted on it.
func (d *Dispatcher) sendWithRetry(ctx context.Context, call *models.ProviderCall, send sendFunc) (sendResult, error) {
	b := backoff.NewExponentialBackOff()
	if d.cfg.RetryInitial > 0 {
		b.InitialInterval = d.cfg.RetryInitial
	}
	if d.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = d.cfg.RetryMaxInterval
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)

	var out sendResult
	operation := func() error {
		out.attempts++
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RequestTimeout)
		defer cancel()

		r, err := send(callCtx)
		if err == nil {
			out.receipt = r
			return nil
		}
		out.lastErr = err
		if provider.IsUnknownOutcome(err) || !provider.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider_call_id": call.ID,
			"kind":             call.Kind,
			"attempt":          out.attempts,
			"retry_in":         wait.String(),
		}).Warn("Provider call failed, retrying")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	return out, err
}

// request builds the provider request for a call.
func (d *Dispatcher) request(ctx context.Context, call *models.ProviderCall, escrow *models.EscrowTransaction) (sendFunc, error) {
	switch call.Kind {
	case models.ProviderCallInitiateFunding:
		secret, err := d.box.Open(escrow.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to open webhook secret: %w", err)
		}
		req := provider.FundingRequest{
			EscrowReference: escrow.EscrowReference,
			Amount:          call.Amount,
			Currency:        escrow.Currency,
			BuyerID:         escrow.BuyerID,
			SellerID:        escrow.SellerID,
			WebhookSecret:   secret,
			IdempotencyKey:  call.IdempotencyKey,
		}
		return func(ctx context.Context) (*provider.Receipt, error) {
			return d.client.InitiateFunding(ctx, req)
		}, nil

	case models.ProviderCallFeeTransfer:
		req := d.transferRequest(call, escrow, feeDestinationPlatform)
		return func(ctx context.Context) (*provider.Receipt, error) {
			return d.client.RequestFeeTransfer(ctx, req)
		}, nil

	case models.ProviderCallRelease:
		destination, err := d.payouts.PayoutAccount(ctx, escrow.SellerID, d.client.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to resolve seller payout account: %w", err)
		}
		if destination == "" {
			destination = escrow.SellerID.String()
		}
		req := d.transferRequest(call, escrow, destination)
		return func(ctx context.Context) (*provider.Receipt, error) {
			return d.client.RequestRelease(ctx, req)
		}, nil
	}
	return nil, fmt.Errorf("unsupported provider call kind %q", call.Kind)
}

func (d *Dispatcher) transferRequest(call *models.ProviderCall, escrow *models.EscrowTransaction, destination string) provider.TransferRequest {
	return provider.TransferRequest{
		EscrowReference:   escrow.EscrowReference,
		ProviderReference: escrow.ProviderReferenceID,
		Amount:            call.Amount,
		Currency:          escrow.Currency,
		Destination:       destination,
		IdempotencyKey:    call.IdempotencyKey,
	}
}

// finish moves an in-flight call to a state that needs an operator and raises
// the alert in the same transaction.
func (d *Dispatcher) finish(ctx context.Context, call *models.ProviderCall, status models.ProviderCallStatus, attempts int, lastError string) error {
	kind := models.AlertKindProviderCallEscalated
	severity := models.PriorityCritical
	message := fmt.Sprintf("%s call for escrow %s escalated after %d attempts: %s", call.Kind, call.EscrowID, call.Attempts+attempts, lastError)
	if status == models.ProviderCallUnknownOutcome {
		kind = models.AlertKindProviderCallUnknown
		severity = models.PriorityHigh
		message = fmt.Sprintf("%s call for escrow %s has an unknown outcome, reconcile with the provider before requeueing: %s", call.Kind, call.EscrowID, lastError)
	}

	fx := &afterCommit{}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ProviderCall{}).
			Where("id = ? AND status = ?", call.ID, models.ProviderCallInFlight).
			Updates(map[string]interface{}{
				"status":     status,
				"attempts":   call.Attempts + attempts,
				"last_error": lastError,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update provider call: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConflictError{Entity: "provider call", ID: call.ID, Expected: string(models.ProviderCallInFlight)}
		}

		callID := call.ID
		escrowID := call.EscrowID
		alert, err := raiseAlert(tx, models.OperatorAlert{
			Kind:           kind,
			Severity:       severity,
			EscrowID:       &escrowID,
			ProviderCallID: &callID,
			Message:        message,
		})
		if err != nil {
			return err
		}
		fx.alerts = append(fx.alerts, *alert)
		return nil
	})
	if err != nil {
		return err
	}

	call.Status = status
	call.Attempts += attempts
	call.LastError = lastError
	fx.flush(ctx, nil)
	return nil
}

// release hands a call interrupted by shutdown back to the queue.
func (d *Dispatcher) release(ctx context.Context, call *models.ProviderCall, attempts int, lastErr error) error {
	lastError := ""
	if lastErr != nil {
		lastError = lastErr.Error()
	}
	res := d.db.WithContext(ctx).Model(&models.ProviderCall{}).
		Where("id = ? AND status = ?", call.ID, models.ProviderCallInFlight).
		Updates(map[string]interface{}{
			"status":     models.ProviderCallPending,
			"attempts":   call.Attempts + attempts,
			"last_error": lastError,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release provider call: %w", res.Error)
	}
	return nil
}
