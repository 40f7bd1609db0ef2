// internal/services/expiration_sweeper.go
package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ExpirationSweeper periodically expires sent LOIs past their expiration date.
type ExpirationSweeper struct {
	lois     *LOIService
	interval time.Duration
}

func NewExpirationSweeper(lois *LOIService, interval time.Duration) *ExpirationSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirationSweeper{lois: lois, interval: interval}
}

func (s *ExpirationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logrus.WithField("interval", s.interval.String()).Info("LOI expiration sweeper started")
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			logrus.Info("LOI expiration sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *ExpirationSweeper) sweep(ctx context.Context) {
	n, err := s.lois.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithError(err).Error("LOI expiration sweep failed")
		}
		return
	}
	if n > 0 {
		logrus.WithField("expired", n).Info("Expired letters of intent")
	}
}
