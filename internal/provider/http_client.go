// internal/provider/http_client.go
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPClient talks to a generic REST escrow provider. Requests are signed with
// the platform signing secret and carry an Idempotency-Key header.
type HTTPClient struct {
	baseURL       string
	apiKey        string
	signingSecret string
	http          *http.Client
}

func NewHTTPClient(baseURL, apiKey, signingSecret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		signingSecret: signingSecret,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) Name() string { return "http" }

type fundingBody struct {
	EscrowReference string          `json:"escrowReferenceId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Payer           string          `json:"payer"`
	Payee           string          `json:"payee"`
	WebhookSecret   string          `json:"webhookSecret"`
}

type transferBody struct {
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
}

type receiptBody struct {
	Reference string `json:"reference"`
}

func (c *HTTPClient) InitiateFunding(ctx context.Context, req FundingRequest) (*Receipt, error) {
	return c.post(ctx, "/escrows", req.IdempotencyKey, fundingBody{
		EscrowReference: req.EscrowReference,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Payer:           req.BuyerID.String(),
		Payee:           req.SellerID.String(),
		WebhookSecret:   req.WebhookSecret,
	})
}

func (c *HTTPClient) RequestFeeTransfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return c.transfer(ctx, "fee", req)
}

func (c *HTTPClient) RequestRelease(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return c.transfer(ctx, "release", req)
}

func (c *HTTPClient) transfer(ctx context.Context, kind string, req TransferRequest) (*Receipt, error) {
	if req.Destination == "" {
		return nil, ErrMissingDestination
	}
	path := fmt.Sprintf("/escrows/%s/transfers", req.EscrowReference)
	return c.post(ctx, path, req.IdempotencyKey, transferBody{
		Kind:        kind,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
	})
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, payload interface{}) (*Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.signingSecret != "" {
		req.Header.Set(SignatureHeader, Sign(c.signingSecret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode >= 200 && resp.StatusCode < 300
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if accepted {
			return nil, fmt.Errorf("%w: read receipt: %v", ErrUnknownOutcome, err)
		}
		return nil, &Error{Message: err.Error()}
	}
	if !accepted {
		return nil, &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	// The provider took the request; only its answer is unreadable.
	var receipt receiptBody
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("%w: decode receipt: %v", ErrUnknownOutcome, err)
	}
	return &Receipt{Reference: receipt.Reference}, nil
}
