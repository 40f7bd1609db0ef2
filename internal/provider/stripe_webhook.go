// internal/provider/stripe_webhook.go
package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

const StripeSignatureHeader = "Stripe-Signature"

// ParseStripeWebhook verifies a Stripe delivery with the endpoint secret and
// normalizes it.
func ParseStripeWebhook(payload []byte, header, endpointSecret string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header, endpointSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return NormalizeStripeEvent(evt)
}

// NormalizeStripeEvent maps the Stripe events that move escrow money onto
// provider events. Objects without an escrow reference are not ours.
func NormalizeStripeEvent(evt stripe.Event) (*Event, error) {
	occurred := time.Unix(evt.Created, 0).UTC()
	if evt.Created == 0 {
		occurred = time.Now().UTC()
	}

	switch string(evt.Type) {
	case "payment_intent.succeeded", "payment_intent.canceled", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		ref := pi.Metadata[stripeMetaEscrowReference]
		if ref == "" {
			return nil, fmt.Errorf("%w: payment intent %s has no escrow reference", ErrUnknownEventType, pi.ID)
		}

		var eventType models.ProviderEventType
		amount := FromMinorUnits(pi.Amount)
		switch string(evt.Type) {
		case "payment_intent.succeeded":
			eventType = models.ProviderEventFunded
			amount = FromMinorUnits(pi.AmountReceived)
		case "payment_intent.canceled":
			eventType = models.ProviderEventFailed
		default:
			// A declined attempt leaves the intent open for another payment method.
			return nil, fmt.Errorf("%w: payment attempt on %s for escrow %s declined", ErrInformationalEvent, pi.ID, ref)
		}
		return &Event{
			ProviderEventID: evt.ID,
			EscrowReference: ref,
			Type:            eventType,
			Amount:          amount,
			OccurredAt:      occurred,
		}, nil

	case "transfer.created":
		var tr stripe.Transfer
		if err := json.Unmarshal(evt.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		ref := tr.Metadata[stripeMetaEscrowReference]
		if ref == "" {
			return nil, fmt.Errorf("%w: transfer %s has no escrow reference", ErrUnknownEventType, tr.ID)
		}
		var eventType models.ProviderEventType
		switch tr.Metadata[stripeMetaKind] {
		case stripeKindRelease:
			eventType = models.ProviderEventReleased
		case stripeKindFee:
			eventType = models.ProviderEventFeeTransferred
		default:
			return nil, fmt.Errorf("%w: transfer kind %q", ErrUnknownEventType, tr.Metadata[stripeMetaKind])
		}
		return &Event{
			ProviderEventID: evt.ID,
			EscrowReference: ref,
			Type:            eventType,
			Amount:          FromMinorUnits(tr.Amount),
			OccurredAt:      occurred,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
}
