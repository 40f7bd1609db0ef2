// internal/services/gateway_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/metrics"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

const (
	webhookSourceEscrow = "escrow"
	webhookSourceStripe = "stripe"
)

// WebhookMeta describes where a webhook delivery came from.
type WebhookMeta struct {
	IPAddress string
	UserAgent string
}

// GatewayService authenticates inbound provider webhooks and hands the
// normalized events to the escrow controller.
type GatewayService struct {
	db                  *gorm.DB
	escrow              *EscrowService
	audit               *AuditService
	archive             *StorageService
	box                 *utils.SecretBox
	stripeWebhookSecret string
}

func NewGatewayService(db *gorm.DB, escrow *EscrowService, audit *AuditService, archive *StorageService, box *utils.SecretBox, stripeWebhookSecret string) *GatewayService {
	return &GatewayService{
		db:                  db,
		escrow:              escrow,
		audit:               audit,
		archive:             archive,
		box:                 box,
		stripeWebhookSecret: stripeWebhookSecret,
	}
}

// HandleWebhook verifies a delivery against the secret of the escrow it names
// and applies it. Unknown event types are acknowledged and dropped.
func (s *GatewayService) HandleWebhook(ctx context.Context, body []byte, signature string, meta WebhookMeta) (*EventOutcome, error) {
	reference, err := provider.PeekReference(body)
	if err != nil {
		return nil, s.reject(ctx, webhookSourceEscrow, "", "malformed", err, meta)
	}

	var escrow models.EscrowTransaction
	if err := s.db.WithContext(ctx).Where("escrow_reference = ?", reference).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.reject(ctx, webhookSourceEscrow, reference, "unknown_reference", err, meta)
		}
		return nil, fmt.Errorf("failed to load escrow transaction: %w", err)
	}

	secret, err := s.box.Open(escrow.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook secret for escrow %s: %w", escrow.ID, err)
	}
	if err := provider.VerifySignature(secret, body, signature); err != nil {
		return nil, s.reject(ctx, webhookSourceEscrow, reference, "bad_signature", err, meta)
	}

	s.archive.ArchiveWebhook(ctx, webhookSourceEscrow, reference, body)

	evt, err := provider.ParseWebhook(body)
	if err != nil {
		return s.drop(webhookSourceEscrow, reference, err)
	}
	return s.escrow.OnProviderEvent(ctx, *evt)
}

// HandleStripeWebhook verifies a Stripe delivery with the endpoint secret and
// applies it.
func (s *GatewayService) HandleStripeWebhook(ctx context.Context, body []byte, signature string, meta WebhookMeta) (*EventOutcome, error) {
	if s.stripeWebhookSecret == "" {
		return nil, s.reject(ctx, webhookSourceStripe, "", "not_configured", provider.ErrInvalidSignature, meta)
	}

	evt, err := provider.ParseStripeWebhook(body, signature, s.stripeWebhookSecret)
	switch {
	case errors.Is(err, provider.ErrInvalidSignature):
		return nil, s.reject(ctx, webhookSourceStripe, "", "bad_signature", err, meta)
	case errors.Is(err, provider.ErrInformationalEvent):
		s.archive.ArchiveWebhook(ctx, webhookSourceStripe, "", body)
		logrus.WithField("source", webhookSourceStripe).Info(err.Error())
		return &EventOutcome{Dropped: true, Reason: err.Error()}, nil
	case err != nil:
		s.archive.ArchiveWebhook(ctx, webhookSourceStripe, "", body)
		return s.drop(webhookSourceStripe, "", err)
	}

	s.archive.ArchiveWebhook(ctx, webhookSourceStripe, evt.EscrowReference, body)

	outcome, err := s.escrow.OnProviderEvent(ctx, *evt)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil, s.reject(ctx, webhookSourceStripe, evt.EscrowReference, "unknown_reference", err, meta)
	}
	return outcome, err
}

func (s *GatewayService) reject(ctx context.Context, source, reference, reason string, cause error, meta WebhookMeta) error {
	metrics.Deal().WebhookRejected(source, reason)
	s.audit.RecordSecurityEvent(ctx, AuditRecord{
		Action:       AuditActionWebhookSignatureInvalid,
		ResourceType: "escrow_webhook",
		Details: models.JSONB{
			"source":           source,
			"escrow_reference": reference,
			"reason":           reason,
			"error":            cause.Error(),
		},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return &AuthenticityError{Reason: reason}
}

func (s *GatewayService) drop(source, reference string, cause error) (*EventOutcome, error) {
	metrics.Deal().WebhookRejected(source, "dropped")
	logrus.WithError(cause).WithFields(logrus.Fields{
		"source":           source,
		"escrow_reference": reference,
	}).Warn("Provider webhook dropped")
	return &EventOutcome{Dropped: true, Reason: cause.Error()}, nil
}
