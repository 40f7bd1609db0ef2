package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/provider"
)

// scriptedClient answers every call through script; a nil script succeeds.
type scriptedClient struct {
	mu       sync.Mutex
	attempts int
	kinds    []string
	script   func(ctx context.Context, kind string, attempt int) error
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) InitiateFunding(ctx context.Context, req provider.FundingRequest) (*provider.Receipt, error) {
	return c.call(ctx, "initiate_funding")
}

func (c *scriptedClient) RequestFeeTransfer(ctx context.Context, req provider.TransferRequest) (*provider.Receipt, error) {
	return c.call(ctx, "fee_transfer")
}

func (c *scriptedClient) RequestRelease(ctx context.Context, req provider.TransferRequest) (*provider.Receipt, error) {
	return c.call(ctx, "release")
}

func (c *scriptedClient) call(ctx context.Context, kind string) (*provider.Receipt, error) {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.kinds = append(c.kinds, kind)
	script := c.script
	c.mu.Unlock()

	if script != nil {
		if err := script(ctx, kind, n); err != nil {
			return nil, err
		}
	}
	return &provider.Receipt{Reference: fmt.Sprintf("ref_%s_%d", kind, n)}, nil
}

func (c *scriptedClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (f *fixture) dispatcherWith(client provider.Client, cfg DispatcherConfig) *Dispatcher {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
	}
	if cfg.RetryMaxInterval == 0 {
		cfg.RetryMaxInterval = 5 * time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return NewDispatcher(f.db, client, f.escrow, f.directory, f.box, cfg)
}

func (f *fixture) alerts(t *testing.T, kind models.AlertKind) []models.OperatorAlert {
	t.Helper()
	var alerts []models.OperatorAlert
	require.NoError(t, f.db.Where("kind = ?", kind).Find(&alerts).Error)
	return alerts
}

func TestDispatchSubmitsFundingCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	n, err := f.dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := f.calls(t, escrow.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ProviderCallSubmitted, calls[0].Status)
	assert.Equal(t, 1, calls[0].Attempts)
	assert.NotNil(t, calls[0].SubmittedAt)

	sent := f.sandbox.Calls()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Funding)
	assert.Equal(t, calls[0].ProviderReference, sent[0].Reference)
	assert.Equal(t, escrow.EscrowReference, sent[0].Funding.EscrowReference)
	assert.True(t, sent[0].Funding.Amount.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, escrow.ID.String()+":initiate_funding", sent[0].IdempotencyKey)

	secret, err := f.box.Open(escrow.WebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, secret, sent[0].Funding.WebhookSecret)

	assert.Equal(t, sent[0].Reference, f.reloadEscrow(t, escrow.ID).ProviderReferenceID)

	// Nothing left to send.
	n, err = f.dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	escrow := f.openEscrow(t)

	client := &scriptedClient{script: func(ctx context.Context, kind string, attempt int) error {
		if attempt < 3 {
			return &provider.Error{StatusCode: http.StatusServiceUnavailable, Message: "try later"}
		}
		return nil
	}}
	d := f.dispatcherWith(client, DispatcherConfig{MaxAttempts: 5})

	_, err := d.DispatchDue(context.Background())
	require.NoError(t, err)

	calls := f.calls(t, escrow.ID)
	assert.Equal(t, models.ProviderCallSubmitted, calls[0].Status)
	assert.Equal(t, 3, calls[0].Attempts)
	assert.Equal(t, "ref_initiate_funding_3", calls[0].ProviderReference)
	assert.Empty(t, f.alerts(t, models.AlertKindProviderCallEscalated))
}

func TestDispatchEscalatesAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	client := &scriptedClient{script: func(ctx context.Context, kind string, attempt int) error {
		return &provider.Error{StatusCode: http.StatusBadGateway, Message: "upstream down"}
	}}
	d := f.dispatcherWith(client, DispatcherConfig{MaxAttempts: 3})

	_, err := d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, client.Attempts())

	call := f.calls(t, escrow.ID)[0]
	assert.Equal(t, models.ProviderCallEscalated, call.Status)
	assert.Equal(t, 3, call.Attempts)
	assert.Contains(t, call.LastError, "upstream down")

	alerts := f.alerts(t, models.AlertKindProviderCallEscalated)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.PriorityCritical, alerts[0].Severity)
	require.NotNil(t, alerts[0].ProviderCallID)
	assert.Equal(t, call.ID, *alerts[0].ProviderCallID)

	// Escalated calls stay put until an operator requeues them.
	_, err = d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, client.Attempts())

	requeued, err := f.operator.RequeueCall(ctx, call.ID, f.sellerID)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderCallPending, requeued.Status)

	client.mu.Lock()
	client.script = nil
	client.mu.Unlock()

	_, err = d.DispatchDue(ctx)
	require.NoError(t, err)
	call = f.calls(t, escrow.ID)[0]
	assert.Equal(t, models.ProviderCallSubmitted, call.Status)
	assert.Equal(t, 1, call.Attempts)

	resolved, err := f.operator.ResolveAlert(ctx, alerts[0].ID, f.sellerID, "provider outage over, requeued")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)

	_, err = f.operator.RequeueCall(ctx, call.ID, f.sellerID)
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
}

func TestDispatchDoesNotRetryPermanentFailures(t *testing.T) {
	f := newFixture(t)
	escrow := f.openEscrow(t)

	client := &scriptedClient{script: func(ctx context.Context, kind string, attempt int) error {
		return &provider.Error{StatusCode: http.StatusUnprocessableEntity, Message: "invalid amount"}
	}}
	d := f.dispatcherWith(client, DispatcherConfig{MaxAttempts: 5})

	_, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.Attempts())
	assert.Equal(t, models.ProviderCallEscalated, f.calls(t, escrow.ID)[0].Status)
}

func TestDispatchTimeoutIsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	client := &scriptedClient{script: func(ctx context.Context, kind string, attempt int) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := f.dispatcherWith(client, DispatcherConfig{RequestTimeout: 20 * time.Millisecond, MaxAttempts: 5})

	_, err := d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Attempts())

	call := f.calls(t, escrow.ID)[0]
	assert.Equal(t, models.ProviderCallUnknownOutcome, call.Status)

	alerts := f.alerts(t, models.AlertKindProviderCallUnknown)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.PriorityHigh, alerts[0].Severity)

	// Never retried automatically.
	_, err = d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Attempts())

	// A late reference from reconciliation settles the call.
	require.NoError(t, f.escrow.RecordProviderReference(ctx, call.ID, "ref_reconciled"))
	call = f.calls(t, escrow.ID)[0]
	assert.Equal(t, models.ProviderCallSubmitted, call.Status)
	assert.Equal(t, "ref_reconciled", f.reloadEscrow(t, escrow.ID).ProviderReferenceID)
}

func TestDispatchUnreadableReceiptIsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	d := f.dispatcherWith(provider.NewHTTPClient(srv.URL, "", "", time.Second), DispatcherConfig{MaxAttempts: 5})

	_, err := d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	call := f.calls(t, escrow.ID)[0]
	assert.Equal(t, models.ProviderCallUnknownOutcome, call.Status)
	assert.Contains(t, call.LastError, "decode receipt")
	assert.Len(t, f.alerts(t, models.AlertKindProviderCallUnknown), 1)
	assert.Empty(t, f.alerts(t, models.AlertKindProviderCallEscalated))
}

func TestDispatchRespectsCallOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	escrow := f.fund(t, f.openEscrow(t))
	f.confirmAll(t, escrow)
	require.Len(t, f.calls(t, escrow.ID), 3)

	client := &scriptedClient{script: func(ctx context.Context, kind string, attempt int) error {
		if kind == "initiate_funding" {
			return &provider.Error{StatusCode: http.StatusBadRequest, Message: "rejected"}
		}
		return nil
	}}
	d := f.dispatcherWith(client, DispatcherConfig{})

	_, err := d.DispatchDue(ctx)
	require.NoError(t, err)

	calls := f.calls(t, escrow.ID)
	assert.Equal(t, models.ProviderCallEscalated, calls[0].Status)
	assert.Equal(t, models.ProviderCallPending, calls[1].Status)
	assert.Equal(t, models.ProviderCallPending, calls[2].Status)
	assert.Equal(t, []string{"initiate_funding"}, client.kinds)
}

// openEscrowOnNewListing runs a fresh listing's LOI through acceptance.
func (f *fixture) openEscrowOnNewListing(t *testing.T) *models.EscrowTransaction {
	t.Helper()
	ctx := context.Background()
	listing := f.createListing(t, f.sellerID, "saas")
	loi, err := f.lois.CreateDraft(ctx, f.buyerID, standardTerms(listing.ID))
	require.NoError(t, err)
	_, err = f.lois.Send(ctx, loi.ID, f.buyerID)
	require.NoError(t, err)
	_, result, err := f.lois.Respond(ctx, loi.ID, f.sellerID, models.LOIDecisionAccept, "")
	require.NoError(t, err)
	return result.Escrow
}

func TestDispatchStuckEscrowsDoNotStarveOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	client := &scriptedClient{script: func(ctx context.Context, kind string, attempt int) error {
		if kind == "fee_transfer" {
			return &provider.Error{StatusCode: http.StatusUnprocessableEntity, Message: "no such destination"}
		}
		return nil
	}}
	d := f.dispatcherWith(client, DispatcherConfig{BatchSize: 2})

	// Two completed escrows whose fee transfer escalated; their releases wait.
	var stuck []*models.EscrowTransaction
	for i := 0; i < 2; i++ {
		escrow := f.openEscrowOnNewListing(t)
		_, err := d.DispatchDue(ctx)
		require.NoError(t, err)
		escrow = f.fund(t, escrow)
		f.confirmAll(t, escrow)
		_, err = d.DispatchDue(ctx)
		require.NoError(t, err)

		calls := f.calls(t, escrow.ID)
		require.Len(t, calls, 3)
		require.Equal(t, models.ProviderCallEscalated, calls[1].Status)
		require.Equal(t, models.ProviderCallPending, calls[2].Status)
		stuck = append(stuck, escrow)
	}

	fresh := f.openEscrowOnNewListing(t)
	_, err := d.DispatchDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.ProviderCallSubmitted, f.calls(t, fresh.ID)[0].Status)
	for _, escrow := range stuck {
		assert.Equal(t, models.ProviderCallPending, f.calls(t, escrow.ID)[2].Status)
	}
}

func TestDispatchPaysSellerPayoutAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Create(&models.PayoutAccount{
		UserID:     f.sellerID,
		Provider:   "sandbox",
		AccountRef: "acct_seller",
	}).Error)

	escrow := f.fund(t, f.openEscrow(t))
	f.confirmAll(t, escrow)

	_, err := f.dispatcher.DispatchDue(ctx)
	require.NoError(t, err)

	sent := f.sandbox.Calls()
	require.Len(t, sent, 3)
	assert.Equal(t, "initiate_funding", sent[0].Kind)
	assert.Equal(t, "fee_transfer", sent[1].Kind)
	assert.Equal(t, "platform", sent[1].Transfer.Destination)
	assert.True(t, sent[1].Transfer.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "release", sent[2].Kind)
	assert.Equal(t, "acct_seller", sent[2].Transfer.Destination)
	assert.True(t, sent[2].Transfer.Amount.Equal(decimal.NewFromInt(95000)))
	assert.Equal(t, sent[0].Reference, sent[2].Transfer.ProviderReference)

	for _, call := range f.calls(t, escrow.ID) {
		assert.Equal(t, models.ProviderCallSubmitted, call.Status)
	}
}

func TestDispatchCancelsCallsOfFailedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	_, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_fail", models.ProviderEventFailed, decimal.Zero))
	require.NoError(t, err)

	n, err := f.dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.sandbox.Calls())
	assert.Equal(t, models.ProviderCallCancelled, f.calls(t, escrow.ID)[0].Status)
}

func TestDispatchShutdownReturnsCallToQueue(t *testing.T) {
	f := newFixture(t)
	escrow := f.openEscrow(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &scriptedClient{script: func(_ context.Context, kind string, attempt int) error {
		cancel()
		return &provider.Error{StatusCode: http.StatusServiceUnavailable, Message: "busy"}
	}}
	d := f.dispatcherWith(client, DispatcherConfig{RetryInitial: 200 * time.Millisecond, MaxAttempts: 5})

	_, err := d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Attempts())

	call := f.calls(t, escrow.ID)[0]
	assert.Equal(t, models.ProviderCallPending, call.Status)
	assert.Equal(t, 1, call.Attempts)
}

func TestRecoverInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	call := f.calls(t, escrow.ID)[0]
	require.NoError(t, f.db.Model(&call).Update("status", models.ProviderCallInFlight).Error)

	n, err := f.dispatcher.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ProviderCallUnknownOutcome, f.calls(t, escrow.ID)[0].Status)
	assert.Len(t, f.alerts(t, models.AlertKindProviderCallUnknown), 1)
}
