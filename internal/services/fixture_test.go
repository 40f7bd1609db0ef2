package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/bizmarket-backend/internal/database"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.RunMigrations(db))
	require.NoError(t, database.SeedInitialData(db))
	return db
}

type fixture struct {
	db         *gorm.DB
	box        *utils.SecretBox
	directory  *GormDirectory
	notifier   *NotificationService
	audit      *AuditService
	escrow     *EscrowService
	migration  *MigrationService
	lois       *LOIService
	operator   *OperatorService
	gateway    *GatewayService
	sandbox    *provider.SandboxClient
	dispatcher *Dispatcher

	buyerID  uuid.UUID
	sellerID uuid.UUID
	listing  models.Listing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	box, err := utils.NewSecretBox("test-escrow-key")
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		box:      box,
		sandbox:  provider.NewSandboxClient(),
		buyerID:  uuid.New(),
		sellerID: uuid.New(),
	}
	f.directory = NewGormDirectory(db, 5.0)
	f.notifier = NewNotificationService(db)
	f.audit = NewAuditService(db)
	f.escrow = NewEscrowService(db, f.directory, f.notifier, box, "usd")
	f.migration = NewMigrationService(db, f.escrow, f.notifier)
	f.escrow.SetChecklistEngine(f.migration)
	f.lois = NewLOIService(db, f.directory, f.directory, f.escrow, f.notifier)
	f.operator = NewOperatorService(db, f.escrow)
	f.gateway = NewGatewayService(db, f.escrow, f.audit, &StorageService{}, box, "whsec_test")
	f.dispatcher = NewDispatcher(db, f.sandbox, f.escrow, f.directory, box, DispatcherConfig{
		RequestTimeout:   time.Second,
		RetryInitial:     time.Millisecond,
		RetryMaxInterval: 5 * time.Millisecond,
		MaxAttempts:      3,
	})

	f.listing = f.createListing(t, f.sellerID, "saas")
	return f
}

func (f *fixture) createListing(t *testing.T, sellerID uuid.UUID, category string) models.Listing {
	t.Helper()
	listing := models.Listing{
		SellerID:    sellerID,
		Title:       "Profitable SaaS",
		Category:    category,
		AskingPrice: decimal.NewFromInt(120000),
		Status:      models.ListingStatusActive,
	}
	require.NoError(t, f.db.Create(&listing).Error)
	return listing
}

// subscribe puts the seller on the named plan.
func (f *fixture) subscribe(t *testing.T, sellerID uuid.UUID, planName string) {
	t.Helper()
	var plan models.MembershipPlan
	require.NoError(t, f.db.Where("name = ?", planName).First(&plan).Error)

	var existing models.Membership
	err := f.db.Where("user_id = ?", sellerID).First(&existing).Error
	if err == nil {
		require.NoError(t, f.db.Model(&existing).Update("plan_id", plan.ID).Error)
		return
	}
	require.NoError(t, f.db.Create(&models.Membership{
		UserID:    sellerID,
		PlanID:    plan.ID,
		Status:    models.MembershipStatusActive,
		StartedAt: time.Now().UTC(),
	}).Error)
}

func standardTerms(listingID uuid.UUID) *LOITermsRequest {
	return &LOITermsRequest{
		ListingID:        listingID,
		OfferPrice:       decimal.NewFromInt(100000),
		CashAmount:       decimal.NewFromInt(80000),
		EarnoutAmount:    decimal.NewFromInt(20000),
		EarnoutTerms:     "20% of net revenue over 12 months",
		DueDiligenceDays: 30,
		ExclusivityDays:  45,
		Conditions:       []string{"Financial statements verified"},
		ExpirationDate:   time.Now().UTC().Add(72 * time.Hour),
	}
}

// sentLOI creates and sends an LOI from buyerID on the fixture listing.
func (f *fixture) sentLOI(t *testing.T, buyerID uuid.UUID) *models.LetterOfIntent {
	t.Helper()
	ctx := context.Background()
	loi, err := f.lois.CreateDraft(ctx, buyerID, standardTerms(f.listing.ID))
	require.NoError(t, err)
	loi, err = f.lois.Send(ctx, loi.ID, buyerID)
	require.NoError(t, err)
	return loi
}

// openEscrow runs an LOI through acceptance and returns the escrow it opened.
func (f *fixture) openEscrow(t *testing.T) *models.EscrowTransaction {
	t.Helper()
	loi := f.sentLOI(t, f.buyerID)
	_, result, err := f.lois.Respond(context.Background(), loi.ID, f.sellerID, models.LOIDecisionAccept, "")
	require.NoError(t, err)
	require.NotNil(t, result.Escrow)
	return result.Escrow
}

func (f *fixture) event(escrow *models.EscrowTransaction, id string, eventType models.ProviderEventType, amount decimal.Decimal) provider.Event {
	return provider.Event{
		ProviderEventID: id,
		EscrowReference: escrow.EscrowReference,
		Type:            eventType,
		Amount:          amount,
		OccurredAt:      time.Now().UTC(),
	}
}

func (f *fixture) fund(t *testing.T, escrow *models.EscrowTransaction) *models.EscrowTransaction {
	t.Helper()
	out, err := f.escrow.OnProviderEvent(context.Background(), f.event(escrow, "evt_fund_"+escrow.ID.String(), models.ProviderEventFunded, escrow.BuyerTotalAmount))
	require.NoError(t, err)
	require.Equal(t, models.ProviderEventApplied, out.Outcome)
	return out.Escrow
}

// confirmAll confirms every task of the escrow's checklist as both parties.
func (f *fixture) confirmAll(t *testing.T, escrow *models.EscrowTransaction) {
	t.Helper()
	ctx := context.Background()
	checklist, err := f.migration.GetForEscrow(ctx, escrow.ID, f.buyerID, false)
	require.NoError(t, err)
	for _, task := range checklist.Tasks {
		_, err := f.migration.Confirm(ctx, task.ID, f.buyerID, models.PartyRoleBuyer)
		require.NoError(t, err)
		_, err = f.migration.Confirm(ctx, task.ID, f.sellerID, models.PartyRoleSeller)
		require.NoError(t, err)
	}
}

func (f *fixture) reloadEscrow(t *testing.T, id uuid.UUID) *models.EscrowTransaction {
	t.Helper()
	var escrow models.EscrowTransaction
	require.NoError(t, f.db.First(&escrow, "id = ?", id).Error)
	return &escrow
}

func (f *fixture) reloadLOI(t *testing.T, id uuid.UUID) *models.LetterOfIntent {
	t.Helper()
	var loi models.LetterOfIntent
	require.NoError(t, f.db.First(&loi, "id = ?", id).Error)
	return &loi
}

func (f *fixture) calls(t *testing.T, escrowID uuid.UUID) []models.ProviderCall {
	t.Helper()
	var calls []models.ProviderCall
	require.NoError(t, f.db.Where("escrow_id = ?", escrowID).Order("sequence ASC").Find(&calls).Error)
	return calls
}

func (f *fixture) auditTrail(t *testing.T, escrowID uuid.UUID) []models.EscrowAuditEntry {
	t.Helper()
	var entries []models.EscrowAuditEntry
	require.NoError(t, f.db.Where("escrow_id = ?", escrowID).Order("created_at ASC").Find(&entries).Error)
	return entries
}

func paginationForTest() utils.PaginationParams {
	return utils.PaginationParams{Page: 1, Limit: 20, Sort: "created_at", Order: "desc"}
}

func errorsAsEither(err error, a, b interface{}) bool {
	return errors.As(err, a) || errors.As(err, b)
}
