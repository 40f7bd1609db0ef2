// internal/services/effects.go
package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/bizmarket-backend/internal/metrics"
	"github.com/javajoker/bizmarket-backend/internal/models"
)

// afterCommit collects the side effects of a unit of work. They run only once
// the database transaction has committed.
type afterCommit struct {
	escrowTransitions []escrowTransition
	loiTransitions    []loiTransition
	alerts            []models.OperatorAlert
	notes             []models.Notification
}

type escrowTransition struct {
	EscrowID uuid.UUID
	From     models.EscrowStatus
	To       models.EscrowStatus
	Trigger  string
}

type loiTransition struct {
	LOIID uuid.UUID
	From  models.LOIStatus
	To    models.LOIStatus
}

func (a *afterCommit) notify(notes ...models.Notification) {
	a.notes = append(a.notes, notes...)
}

func (a *afterCommit) flush(ctx context.Context, sink NotificationSink) {
	for _, t := range a.loiTransitions {
		metrics.Deal().LOITransition(string(t.To))
		logrus.WithFields(logrus.Fields{
			"loi_id": t.LOIID,
			"from":   t.From,
			"to":     t.To,
		}).Info("LOI status changed")
	}

	for _, t := range a.escrowTransitions {
		metrics.Deal().EscrowTransition(string(t.From), string(t.To))
		logrus.WithFields(logrus.Fields{
			"escrow_id": t.EscrowID,
			"from":      t.From,
			"to":        t.To,
			"trigger":   t.Trigger,
		}).Info("Escrow status changed")
	}

	for _, alert := range a.alerts {
		entry := logrus.WithFields(logrus.Fields{
			"alert_id":         alert.ID,
			"kind":             alert.Kind,
			"escrow_id":        alert.EscrowID,
			"provider_call_id": alert.ProviderCallID,
		})
		if alert.Severity == models.PriorityCritical {
			entry.Error("Operator escalation: " + alert.Message)
		} else {
			entry.Warn("Operator alert: " + alert.Message)
		}
	}

	if sink != nil && len(a.notes) > 0 {
		sink.Emit(ctx, a.notes...)
	}
}
