// internal/provider/breaker.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned without calling the provider while the breaker is open.
var ErrBreakerOpen = errors.New("provider: circuit breaker open")

// BreakerClient guards a Client with a circuit breaker that trips on
// consecutive transient failures.
type BreakerClient struct {
	next    Client
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerClient(next Client, consecutiveFailures uint32, cooldown time.Duration) *BreakerClient {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "escrow-provider-" + next.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// 4xx answers mean the provider is up.
			return err == nil || !(IsTransient(err) || IsUnknownOutcome(err))
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Escrow provider circuit breaker changed state")
		},
	}
	return &BreakerClient{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerClient) Name() string { return b.next.Name() }

// State exposes the breaker state for health reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerClient) InitiateFunding(ctx context.Context, req FundingRequest) (*Receipt, error) {
	return b.execute(func() (*Receipt, error) { return b.next.InitiateFunding(ctx, req) })
}

func (b *BreakerClient) RequestFeeTransfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return b.execute(func() (*Receipt, error) { return b.next.RequestFeeTransfer(ctx, req) })
}

func (b *BreakerClient) RequestRelease(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return b.execute(func() (*Receipt, error) { return b.next.RequestRelease(ctx, req) })
}

func (b *BreakerClient) execute(fn func() (*Receipt, error)) (*Receipt, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return nil, err
	}
	receipt, _ := result.(*Receipt)
	return receipt, nil
}
