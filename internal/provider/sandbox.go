// internal/provider/sandbox.go
package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SandboxClient accepts every call and hands back a generated reference. It
// keeps the calls it received for local development and tests.
type SandboxClient struct {
	mu    sync.Mutex
	calls []SandboxCall
}

type SandboxCall struct {
	Kind           string
	Reference      string
	Funding        *FundingRequest
	Transfer       *TransferRequest
	IdempotencyKey string
}

func NewSandboxClient() *SandboxClient {
	return &SandboxClient{}
}

func (s *SandboxClient) Name() string { return "sandbox" }

func (s *SandboxClient) InitiateFunding(ctx context.Context, req FundingRequest) (*Receipt, error) {
	return s.record(SandboxCall{Kind: "initiate_funding", Funding: &req, IdempotencyKey: req.IdempotencyKey})
}

func (s *SandboxClient) RequestFeeTransfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return s.record(SandboxCall{Kind: "fee_transfer", Transfer: &req, IdempotencyKey: req.IdempotencyKey})
}

func (s *SandboxClient) RequestRelease(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return s.record(SandboxCall{Kind: "release", Transfer: &req, IdempotencyKey: req.IdempotencyKey})
}

func (s *SandboxClient) record(call SandboxCall) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Same idempotency key, same reference.
	for _, prev := range s.calls {
		if prev.IdempotencyKey == call.IdempotencyKey {
			return &Receipt{Reference: prev.Reference}, nil
		}
	}

	call.Reference = "sbx_" + uuid.NewString()
	s.calls = append(s.calls, call)

	logrus.WithFields(logrus.Fields{
		"kind":      call.Kind,
		"reference": call.Reference,
	}).Info("Sandbox escrow provider accepted call")

	return &Receipt{Reference: call.Reference}, nil
}

// Calls returns a copy of the calls received so far.
func (s *SandboxClient) Calls() []SandboxCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SandboxCall, len(s.calls))
	copy(out, s.calls)
	return out
}
