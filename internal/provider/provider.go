// internal/provider/provider.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

var (
	ErrUnknownEventType   = errors.New("provider: unknown event type")
	ErrMalformedPayload   = errors.New("provider: malformed payload")
	ErrInvalidSignature   = errors.New("provider: invalid signature")
	ErrMissingDestination = errors.New("provider: missing transfer destination")
	// ErrInformationalEvent marks events that are understood but move no state.
	ErrInformationalEvent = errors.New("provider: informational event")
	// ErrUnknownOutcome marks an accepted request whose answer could not be read.
	ErrUnknownOutcome = errors.New("provider: outcome unknown")
)

// Event is a provider webhook normalized into the shape the escrow controller consumes.
type Event struct {
	ProviderEventID string
	EscrowReference string
	Type            models.ProviderEventType
	Amount          decimal.Decimal
	OccurredAt      time.Time
}

type FundingRequest struct {
	EscrowReference string
	Amount          decimal.Decimal
	Currency        string
	BuyerID         uuid.UUID
	SellerID        uuid.UUID
	WebhookSecret   string
	IdempotencyKey  string
}

type TransferRequest struct {
	EscrowReference   string
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	Destination       string
	IdempotencyKey    string
}

// Receipt carries the provider reference returned synchronously. The final
// outcome of the call only arrives by webhook.
type Receipt struct {
	Reference string
}

// Client is an outbound adapter to the escrow provider.
type Client interface {
	Name() string
	InitiateFunding(ctx context.Context, req FundingRequest) (*Receipt, error)
	RequestFeeTransfer(ctx context.Context, req TransferRequest) (*Receipt, error)
	RequestRelease(ctx context.Context, req TransferRequest) (*Receipt, error)
}

// Error is a non-2xx answer from the provider.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether a failed call may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.StatusCode == 0 || perr.StatusCode == 429 || perr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return false
}

// IsTimeout reports whether the call ran out of time. The provider may or may
// not have acted on it.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsUnknownOutcome reports whether the provider may have acted on a failed
// call. Such calls must not be retried blindly.
func IsUnknownOutcome(err error) bool {
	return IsTimeout(err) || errors.Is(err, ErrUnknownOutcome)
}

// ToMinorUnits converts a decimal amount to integer cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts integer cents to a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
