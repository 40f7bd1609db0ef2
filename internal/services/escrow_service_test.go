package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

func TestComputeFees(t *testing.T) {
	cases := []struct {
		amount, pct, fee, net string
	}{
		{"100000", "5", "5000", "95000"},
		{"100000", "3.5", "3500", "96500"},
		{"999.99", "2.5", "25", "974.99"},
		{"10.01", "5", "0.5", "9.51"},
		{"50000", "0", "0", "50000"},
	}
	for _, tc := range cases {
		fee, net, total := ComputeFees(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.pct))
		assert.True(t, fee.Equal(decimal.RequireFromString(tc.fee)), "fee for %s at %s%%: %s", tc.amount, tc.pct, fee)
		assert.True(t, net.Equal(decimal.RequireFromString(tc.net)), "net for %s at %s%%: %s", tc.amount, tc.pct, net)
		assert.True(t, total.Equal(decimal.RequireFromString(tc.amount)))
		assert.True(t, fee.Add(net).Equal(total))
	}
}

func TestFundedFreezesFee(t *testing.T) {
	f := newFixture(t)

	escrow := f.fund(t, f.openEscrow(t))
	assert.Equal(t, models.EscrowStatusFunded, escrow.Status)
	assert.True(t, escrow.PlatformFeeAmount.Equal(decimal.NewFromInt(5000)))
	assert.True(t, escrow.SellerNetAmount.Equal(decimal.NewFromInt(95000)))
	assert.True(t, escrow.BuyerTotalAmount.Equal(decimal.NewFromInt(100000)))
	assert.NotNil(t, escrow.FeeFrozenAt)

	stored := f.reloadEscrow(t, escrow.ID)
	assert.True(t, stored.PlatformFeeAmount.Equal(decimal.NewFromInt(5000)))

	var checklist models.MigrationChecklist
	require.NoError(t, f.db.Where("escrow_id = ?", escrow.ID).First(&checklist).Error)
	var tasks int64
	f.db.Model(&models.MigrationTask{}).Where("checklist_id = ?", checklist.ID).Count(&tasks)
	assert.EqualValues(t, len(templateFor("saas")), tasks)
}

func TestFeePlanChangeAfterFundingDoesNotMoveFee(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, f.sellerID, "professional")

	escrow := f.openEscrow(t)
	assert.True(t, escrow.FeePercentage.Equal(decimal.RequireFromString("3.5")))

	// The rate in effect at funding wins over the rate at acceptance.
	f.subscribe(t, f.sellerID, "enterprise")
	escrow = f.fund(t, escrow)
	assert.True(t, escrow.FeePercentage.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, escrow.PlatformFeeAmount.Equal(decimal.NewFromInt(2500)))

	f.subscribe(t, f.sellerID, "basic")
	f.confirmAll(t, escrow)

	escrow = f.reloadEscrow(t, escrow.ID)
	assert.Equal(t, models.EscrowStatusCompleted, escrow.Status)
	assert.True(t, escrow.FeePercentage.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, escrow.PlatformFeeAmount.Equal(decimal.NewFromInt(2500)))
	assert.True(t, escrow.SellerNetAmount.Equal(decimal.NewFromInt(97500)))

	calls := f.calls(t, escrow.ID)
	require.Len(t, calls, 3)
	assert.Equal(t, models.ProviderCallFeeTransfer, calls[1].Kind)
	assert.True(t, calls[1].Amount.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, models.ProviderCallRelease, calls[2].Kind)
	assert.True(t, calls[2].Amount.Equal(decimal.NewFromInt(97500)))
}

func TestDuplicateProviderEventAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	evt := f.event(escrow, "evt_dup", models.ProviderEventFunded, decimal.NewFromInt(100000))
	first, err := f.escrow.OnProviderEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.escrow.OnProviderEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	trail := f.auditTrail(t, escrow.ID)
	funded := 0
	for _, entry := range trail {
		if entry.NewStatus == models.EscrowStatusFunded {
			funded++
		}
	}
	assert.Equal(t, 1, funded)

	var records int64
	f.db.Model(&models.ProviderEventRecord{}).Where("escrow_reference = ?", escrow.EscrowReference).Count(&records)
	assert.EqualValues(t, 1, records)

	var checklists int64
	f.db.Model(&models.MigrationChecklist{}).Where("escrow_id = ?", escrow.ID).Count(&checklists)
	assert.EqualValues(t, 1, checklists)
}

func TestSecondFundedEventWithNewIDIsIgnored(t *testing.T) {
	f := newFixture(t)
	escrow := f.fund(t, f.openEscrow(t))

	out, err := f.escrow.OnProviderEvent(context.Background(), f.event(escrow, "evt_other", models.ProviderEventFunded, decimal.NewFromInt(100000)))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderEventIgnored, out.Outcome)
	assert.Len(t, f.auditTrail(t, escrow.ID), 2)
}

func TestFundedAmountMismatchIsRejected(t *testing.T) {
	f := newFixture(t)
	escrow := f.openEscrow(t)

	out, err := f.escrow.OnProviderEvent(context.Background(), f.event(escrow, "evt_short", models.ProviderEventFunded, decimal.NewFromInt(90000)))
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	require.NotNil(t, out)
	assert.Equal(t, models.ProviderEventRejected, out.Outcome)
	assert.Equal(t, models.EscrowStatusInitiated, f.reloadEscrow(t, escrow.ID).Status)

	var alerts []models.OperatorAlert
	require.NoError(t, f.db.Where("escrow_id = ?", escrow.ID).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertKindProviderEventRejected, alerts[0].Kind)
	assert.Equal(t, models.PriorityCritical, alerts[0].Severity)
}

type fixedFee struct{ pct decimal.Decimal }

func (f fixedFee) FeePercentage(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return f.pct, nil
}

func TestFundedWithOutOfRangeFeeIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)
	f.escrow.fees = fixedFee{pct: decimal.NewFromInt(100)}

	out, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_fee", models.ProviderEventFunded, escrow.BuyerTotalAmount))
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	require.NotNil(t, out)
	assert.Equal(t, models.ProviderEventRejected, out.Outcome)
	assert.Contains(t, out.Reason, "fee percentage")
	assert.Equal(t, models.EscrowStatusInitiated, f.reloadEscrow(t, escrow.ID).Status)

	var record models.ProviderEventRecord
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_fee").First(&record).Error)
	assert.Equal(t, models.ProviderEventRejected, record.Outcome)

	var alerts []models.OperatorAlert
	require.NoError(t, f.db.Where("escrow_id = ?", escrow.ID).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertKindProviderEventRejected, alerts[0].Kind)

	// The provider retries; the inbox answers with the recorded outcome.
	out, err = f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_fee", models.ProviderEventFunded, escrow.BuyerTotalAmount))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestReleasedBeforeCompletionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.fund(t, f.openEscrow(t))

	_, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_early", models.ProviderEventReleased, escrow.SellerNetAmount))
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.EscrowStatusFunded, f.reloadEscrow(t, escrow.ID).Status)

	var record models.ProviderEventRecord
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_early").First(&record).Error)
	assert.Equal(t, models.ProviderEventRejected, record.Outcome)

	// Redelivery of the rejected event is a duplicate, not a second alert.
	out, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_early", models.ProviderEventReleased, escrow.SellerNetAmount))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	var alerts int64
	f.db.Model(&models.OperatorAlert{}).Where("escrow_id = ?", escrow.ID).Count(&alerts)
	assert.EqualValues(t, 1, alerts)
}

func TestFullLifecycleToReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	escrow := f.fund(t, f.openEscrow(t))
	f.confirmAll(t, escrow)
	escrow = f.reloadEscrow(t, escrow.ID)
	require.Equal(t, models.EscrowStatusCompleted, escrow.Status)

	out, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_fee", models.ProviderEventFeeTransferred, escrow.PlatformFeeAmount))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderEventApplied, out.Outcome)
	assert.Equal(t, models.EscrowStatusCompleted, out.Escrow.Status)

	out, err = f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_release", models.ProviderEventReleased, escrow.SellerNetAmount))
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, out.Escrow.Status)

	var statuses []models.EscrowStatus
	for _, entry := range f.auditTrail(t, escrow.ID) {
		statuses = append(statuses, entry.NewStatus)
	}
	assert.Equal(t, []models.EscrowStatus{
		models.EscrowStatusInitiated,
		models.EscrowStatusFunded,
		models.EscrowStatusMigrationInProgress,
		models.EscrowStatusCompleted,
		models.EscrowStatusReleased,
	}, statuses)

	// Terminal: a late failure is rejected.
	_, err = f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_late_fail", models.ProviderEventFailed, decimal.Zero))
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.EscrowStatusReleased, f.reloadEscrow(t, escrow.ID).Status)
}

func TestFailedFromMigrationInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.fund(t, f.openEscrow(t))

	checklist, err := f.migration.GetForEscrow(ctx, escrow.ID, f.buyerID, false)
	require.NoError(t, err)
	_, err = f.migration.Confirm(ctx, checklist.Tasks[0].ID, f.buyerID, models.PartyRoleBuyer)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusMigrationInProgress, f.reloadEscrow(t, escrow.ID).Status)

	out, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_fail", models.ProviderEventFailed, decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFailed, out.Escrow.Status)

	again, err := f.escrow.OnProviderEvent(ctx, f.event(escrow, "evt_fail_2", models.ProviderEventFailed, decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderEventIgnored, again.Outcome)

	// No further confirmations once the escrow failed.
	_, err = f.migration.Confirm(ctx, checklist.Tasks[0].ID, f.sellerID, models.PartyRoleSeller)
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
}

func TestCancelVoidsPendingCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)
	operatorID := f.sellerID

	_, err := f.escrow.Cancel(ctx, escrow.ID, operatorID, "  ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	cancelled, err := f.escrow.Cancel(ctx, escrow.ID, operatorID, "buyer unreachable")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusCancelled, cancelled.Status)
	assert.Equal(t, "buyer unreachable", cancelled.CancelReason)

	calls := f.calls(t, escrow.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ProviderCallCancelled, calls[0].Status)

	_, err = f.escrow.Cancel(ctx, escrow.ID, operatorID, "again")
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
}

func TestEscrowVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	escrow := f.openEscrow(t)

	_, err := f.escrow.Get(ctx, escrow.ID, f.buyerID, false)
	require.NoError(t, err)
	_, err = f.escrow.Get(ctx, escrow.ID, f.sellerID, false)
	require.NoError(t, err)

	stranger := f.listing.ID
	_, err = f.escrow.Get(ctx, escrow.ID, stranger, false)
	var aerr *AuthorizationError
	require.ErrorAs(t, err, &aerr)
	_, err = f.escrow.AuditTrail(ctx, escrow.ID, stranger, false)
	require.ErrorAs(t, err, &aerr)

	_, err = f.escrow.Get(ctx, escrow.ID, stranger, true)
	require.NoError(t, err)

	list, total, err := f.escrow.List(ctx, f.buyerID, EscrowFilter{Role: models.PartyRoleBuyer}, paginationForTest())
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, list, 1)

	list, total, err = f.escrow.List(ctx, f.buyerID, EscrowFilter{Role: models.PartyRoleSeller}, paginationForTest())
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}
