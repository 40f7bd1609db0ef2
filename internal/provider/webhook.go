// internal/provider/webhook.go
package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

const SignatureHeader = "X-Escrow-Signature"

// webhookPayload is the body the escrow provider POSTs to the webhook endpoint.
type webhookPayload struct {
	ProviderEventID   string          `json:"providerEventId"`
	EscrowReferenceID string          `json:"escrowReferenceId"`
	EventType         string          `json:"eventType"`
	Amount            decimal.Decimal `json:"amount"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the HMAC of payload in constant time.
func VerifySignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return ErrInvalidSignature
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// PeekReference extracts the escrow reference so the caller can look up the
// secret to verify with. Nothing else in the payload is trusted yet.
func PeekReference(payload []byte) (string, error) {
	var body struct {
		EscrowReferenceID string `json:"escrowReferenceId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.EscrowReferenceID == "" {
		return "", fmt.Errorf("%w: missing escrowReferenceId", ErrMalformedPayload)
	}
	return body.EscrowReferenceID, nil
}

// ParseWebhook normalizes a verified webhook body. Event types this service
// does not know return ErrUnknownEventType.
func ParseWebhook(payload []byte) (*Event, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.ProviderEventID == "" || body.EscrowReferenceID == "" {
		return nil, fmt.Errorf("%w: missing identifiers", ErrMalformedPayload)
	}

	eventType, ok := normalizeEventType(body.EventType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, body.EventType)
	}

	occurred := body.Timestamp.UTC()
	if body.Timestamp.IsZero() {
		occurred = time.Now().UTC()
	}

	return &Event{
		ProviderEventID: body.ProviderEventID,
		EscrowReference: body.EscrowReferenceID,
		Type:            eventType,
		Amount:          body.Amount,
		OccurredAt:      occurred,
	}, nil
}

func normalizeEventType(raw string) (models.ProviderEventType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "funded", "escrow.funded":
		return models.ProviderEventFunded, true
	case "failed", "escrow.failed":
		return models.ProviderEventFailed, true
	case "released", "escrow.released":
		return models.ProviderEventReleased, true
	case "fee_transferred", "escrow.fee_transferred":
		return models.ProviderEventFeeTransferred, true
	}
	return "", false
}

// EncodeWebhook builds a signed webhook body. The sandbox provider and tests
// use it to produce deliveries.
func EncodeWebhook(secret string, evt Event) ([]byte, string, error) {
	body, err := json.Marshal(webhookPayload{
		ProviderEventID:   evt.ProviderEventID,
		EscrowReferenceID: evt.EscrowReference,
		EventType:         string(evt.Type),
		Amount:            evt.Amount,
		Timestamp:         evt.OccurredAt.UTC(),
	})
	if err != nil {
		return nil, "", err
	}
	return body, Sign(secret, body), nil
}
