// internal/tests/deal_flow_test.go
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/bizmarket-backend/internal/config"
	"github.com/javajoker/bizmarket-backend/internal/database"
	"github.com/javajoker/bizmarket-backend/internal/i18n"
	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/provider"
	"github.com/javajoker/bizmarket-backend/internal/router"
	"github.com/javajoker/bizmarket-backend/internal/services"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

const testEscrowKey = "integration-escrow-key"

type DealFlowTestSuite struct {
	suite.Suite
	db     *gorm.DB
	svc    *router.Services
	router *gin.Engine

	buyerID  uuid.UUID
	sellerID uuid.UUID
	adminID  uuid.UUID
	listing  models.Listing
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *utils.APIError `json:"error"`
}

func (suite *DealFlowTestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	require.NoError(suite.T(), i18n.Initialize())
}

func (suite *DealFlowTestSuite) SetupTest() {
	t := suite.T()

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

	cfg := &config.Config{
		Environment: "test",
		JWT:         config.JWTConfig{SecretKey: "integration-jwt-secret", AccessTokenTTL: 1},
		Escrow: config.EscrowConfig{
			Provider:         "sandbox",
			SecretKey:        testEscrowKey,
			RequestTimeout:   time.Second,
			RetryInitial:     time.Millisecond,
			RetryMaxInterval: 5 * time.Millisecond,
			RetryMaxAttempts: 3,
			PollInterval:     time.Second,
			BreakerFailures:  5,
			BreakerCooldown:  time.Second,
		},
		Payment:  config.PaymentConfig{Currency: "usd", PlatformFeePercent: 5},
		Workers:  config.WorkersConfig{LOISweepInterval: time.Minute},
		Frontend: config.FrontendConfig{AllowedOrigins: []string{"http://localhost:3000"}},
	}

	suite.db = db
	suite.svc, err = router.NewServices(db, cfg)
	require.NoError(t, err)
	suite.router = router.Initialize(suite.svc, cfg)

	suite.buyerID = uuid.New()
	suite.sellerID = uuid.New()
	suite.adminID = uuid.New()
	suite.listing = models.Listing{
		SellerID:    suite.sellerID,
		Title:       "Profitable SaaS",
		Category:    "saas",
		AskingPrice: decimal.NewFromInt(120000),
		Status:      models.ListingStatusActive,
	}
	require.NoError(t, db.Create(&suite.listing).Error)
}

func (suite *DealFlowTestSuite) token(userID uuid.UUID, userType models.UserType) string {
	token, err := utils.GenerateJWT(userID, string(userType), time.Hour)
	require.NoError(suite.T(), err)
	return token
}

func (suite *DealFlowTestSuite) do(method, path string, userID uuid.UUID, body interface{}) (*httptest.ResponseRecorder, envelope) {
	userType := models.UserTypeMember
	if userID == suite.adminID {
		userType = models.UserTypeAdmin
	}

	var reader *bytes.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		require.NoError(suite.T(), err)
		reader = bytes.NewReader(jsonData)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+suite.token(userID, userType))
	}

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)

	var response envelope
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	return w, response
}

func (suite *DealFlowTestSuite) deliver(escrow *models.EscrowTransaction, evt provider.Event) *httptest.ResponseRecorder {
	box, err := utils.NewSecretBox(testEscrowKey)
	require.NoError(suite.T(), err)
	secret, err := box.Open(escrow.WebhookSecret)
	require.NoError(suite.T(), err)

	body, sig, err := provider.EncodeWebhook(secret, evt)
	require.NoError(suite.T(), err)

	req, _ := http.NewRequest(http.MethodPost, "/v1/webhooks/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(provider.SignatureHeader, sig)

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)
	return w
}

func (suite *DealFlowTestSuite) reloadEscrow(id uuid.UUID) *models.EscrowTransaction {
	var escrow models.EscrowTransaction
	require.NoError(suite.T(), suite.db.First(&escrow, "id = ?", id).Error)
	return &escrow
}

func (suite *DealFlowTestSuite) loiTerms() map[string]interface{} {
	return map[string]interface{}{
		"listing_id":         suite.listing.ID,
		"offer_price":        "100000",
		"cash_amount":        "80000",
		"earnout_amount":     "20000",
		"earnout_terms":      "20% of net revenue over 12 months",
		"due_diligence_days": 30,
		"exclusivity_days":   45,
		"conditions":         []string{"Financial statements verified"},
		"expiration_date":    time.Now().UTC().Add(72 * time.Hour),
	}
}

// acceptedEscrow drives an LOI from draft to acceptance over HTTP.
func (suite *DealFlowTestSuite) acceptedEscrow() *models.EscrowTransaction {
	t := suite.T()

	w, resp := suite.do(http.MethodPost, "/v1/lois", suite.buyerID, suite.loiTerms())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		LOI models.LetterOfIntent `json:"loi"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, models.LOIStatusDraft, created.LOI.Status)

	w, _ = suite.do(http.MethodPost, "/v1/lois/"+created.LOI.ID.String()+"/send", suite.buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp = suite.do(http.MethodPost, "/v1/lois/"+created.LOI.ID.String()+"/respond", suite.sellerID, map[string]interface{}{
		"decision": "accept",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var accepted struct {
		LOI    models.LetterOfIntent    `json:"loi"`
		Escrow models.EscrowTransaction `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &accepted))
	assert.Equal(t, models.LOIStatusAccepted, accepted.LOI.Status)
	assert.Equal(t, models.EscrowStatusInitiated, accepted.Escrow.Status)

	return suite.reloadEscrow(accepted.Escrow.ID)
}

func (suite *DealFlowTestSuite) drainOutbox() {
	for i := 0; i < 5; i++ {
		n, err := suite.svc.Dispatcher.DispatchDue(context.Background())
		require.NoError(suite.T(), err)
		if n == 0 {
			return
		}
	}
}

func (suite *DealFlowTestSuite) TestDealClosesEndToEnd() {
	t := suite.T()
	ctx := context.Background()
	escrow := suite.acceptedEscrow()

	suite.drainOutbox()
	escrow = suite.reloadEscrow(escrow.ID)
	assert.NotEmpty(t, escrow.ProviderReferenceID)

	w := suite.deliver(escrow, provider.Event{
		ProviderEventID: "evt_funded",
		EscrowReference: escrow.EscrowReference,
		Type:            models.ProviderEventFunded,
		Amount:          escrow.BuyerTotalAmount,
		OccurredAt:      time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.EscrowStatusFunded, suite.reloadEscrow(escrow.ID).Status)

	w, resp := suite.do(http.MethodGet, "/v1/escrows/"+escrow.ID.String()+"/checklist", suite.buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Checklist models.MigrationChecklist `json:"checklist"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	require.NotEmpty(t, body.Checklist.Tasks)

	first := body.Checklist.Tasks[0]
	w, _ = suite.do(http.MethodPost, "/v1/checklist-tasks/"+first.ID.String()+"/confirm", suite.buyerID, map[string]string{"role": "buyer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.EscrowStatusMigrationInProgress, suite.reloadEscrow(escrow.ID).Status)

	// A party cannot confirm for the other side.
	w, resp = suite.do(http.MethodPost, "/v1/checklist-tasks/"+first.ID.String()+"/confirm", suite.buyerID, map[string]string{"role": "seller"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", resp.Error.Code)

	w, _ = suite.do(http.MethodPost, "/v1/checklist-tasks/"+first.ID.String()+"/confirm", suite.sellerID, map[string]string{"role": "seller"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, task := range body.Checklist.Tasks[1:] {
		_, err := suite.svc.Migration.Confirm(ctx, task.ID, suite.buyerID, models.PartyRoleBuyer)
		require.NoError(t, err)
		_, err = suite.svc.Migration.Confirm(ctx, task.ID, suite.sellerID, models.PartyRoleSeller)
		require.NoError(t, err)
	}
	assert.Equal(t, models.EscrowStatusCompleted, suite.reloadEscrow(escrow.ID).Status)

	suite.drainOutbox()
	var calls []models.ProviderCall
	require.NoError(t, suite.db.Where("escrow_id = ?", escrow.ID).Order("sequence ASC").Find(&calls).Error)
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, models.ProviderCallSubmitted, call.Status, call.Kind)
	}

	w = suite.deliver(escrow, provider.Event{
		ProviderEventID: "evt_released",
		EscrowReference: escrow.EscrowReference,
		Type:            models.ProviderEventReleased,
		Amount:          escrow.SellerNetAmount,
		OccurredAt:      time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp = suite.do(http.MethodGet, "/v1/escrows/"+escrow.ID.String(), suite.sellerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Escrow models.EscrowTransaction `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, models.EscrowStatusReleased, got.Escrow.Status)
	assert.True(t, got.Escrow.PlatformFeeAmount.Equal(decimal.NewFromInt(5000)))

	w, resp = suite.do(http.MethodGet, "/v1/escrows/"+escrow.ID.String()+"/audit", suite.buyerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Entries []models.EscrowAuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &trail))
	require.NotEmpty(t, trail.Entries)
	assert.Equal(t, models.EscrowStatusReleased, trail.Entries[len(trail.Entries)-1].NewStatus)
}

func (suite *DealFlowTestSuite) TestRejectedWebhookIsAcknowledgedAndAlerted() {
	t := suite.T()
	escrow := suite.acceptedEscrow()

	// Release before the escrow ever completed.
	w := suite.deliver(escrow, provider.Event{
		ProviderEventID: "evt_early_release",
		EscrowReference: escrow.EscrowReference,
		Type:            models.ProviderEventReleased,
		Amount:          escrow.SellerNetAmount,
		OccurredAt:      time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.EscrowStatusInitiated, suite.reloadEscrow(escrow.ID).Status)

	w, resp := suite.do(http.MethodGet, "/v1/admin/alerts?status=open", suite.adminID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var alerts []models.OperatorAlert
	require.NoError(t, json.Unmarshal(resp.Data, &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.PriorityCritical, alerts[0].Severity)

	w, _ = suite.do(http.MethodPut, "/v1/admin/alerts/"+alerts[0].ID.String()+"/resolve", suite.adminID, map[string]string{
		"resolution": "Provider confirmed the event was sent in error",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (suite *DealFlowTestSuite) TestWebhookWithBadSignatureIsUnauthorized() {
	t := suite.T()
	escrow := suite.acceptedEscrow()

	body, _, err := provider.EncodeWebhook("not-the-secret", provider.Event{
		ProviderEventID: "evt_forged",
		EscrowReference: escrow.EscrowReference,
		Type:            models.ProviderEventFunded,
		Amount:          escrow.BuyerTotalAmount,
		OccurredAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, "/v1/webhooks/escrow", bytes.NewReader(body))
	req.Header.Set(provider.SignatureHeader, provider.Sign("not-the-secret", body))
	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.EscrowStatusInitiated, suite.reloadEscrow(escrow.ID).Status)

	var count int64
	suite.db.Model(&models.AuditLog{}).Where("action = ?", services.AuditActionWebhookSignatureInvalid).Count(&count)
	assert.Equal(t, int64(1), count)
}

func (suite *DealFlowTestSuite) TestAccessControl() {
	t := suite.T()
	escrow := suite.acceptedEscrow()

	w, resp := suite.do(http.MethodGet, "/v1/escrows/"+escrow.ID.String(), uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, resp.Success)

	w, _ = suite.do(http.MethodGet, "/v1/escrows/"+escrow.ID.String(), uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodGet, "/v1/admin/alerts", suite.buyerID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodGet, "/v1/escrows/"+escrow.ID.String(), suite.adminID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = suite.do(http.MethodGet, "/v1/escrows/not-a-uuid", suite.buyerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func (suite *DealFlowTestSuite) TestInvalidTermsAreRejected() {
	t := suite.T()
	terms := suite.loiTerms()
	terms["offer_price"] = "-5"
	terms["due_diligence_days"] = 0

	w, resp := suite.do(http.MethodPost, "/v1/lois", suite.buyerID, terms)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)

	var count int64
	suite.db.Model(&models.LetterOfIntent{}).Count(&count)
	assert.Zero(t, count)
}

func (suite *DealFlowTestSuite) TestOperatorCancelsFundedEscrow() {
	t := suite.T()
	escrow := suite.acceptedEscrow()

	w, _ := suite.do(http.MethodPost, "/v1/admin/escrows/"+escrow.ID.String()+"/cancel", suite.adminID, map[string]string{"reason": "Buyer withdrew before funding"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.EscrowStatusCancelled, suite.reloadEscrow(escrow.ID).Status)

	w, resp := suite.do(http.MethodPost, "/v1/admin/escrows/"+escrow.ID.String()+"/cancel", suite.adminID, map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", resp.Error.Code)
}

func (suite *DealFlowTestSuite) TestOperatorSettlesUnknownCall() {
	t := suite.T()
	escrow := suite.acceptedEscrow()

	var call models.ProviderCall
	require.NoError(t, suite.db.Where("escrow_id = ?", escrow.ID).First(&call).Error)
	path := "/v1/admin/provider-calls/" + call.ID.String() + "/reference"

	// Still queued: the dispatcher owns it.
	w, resp := suite.do(http.MethodPost, path, suite.adminID, map[string]string{"reference": "esc_manual_1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", resp.Error.Code)

	require.NoError(t, suite.db.Model(&models.ProviderCall{}).Where("id = ?", call.ID).
		Updates(map[string]interface{}{"status": models.ProviderCallUnknownOutcome, "attempts": 1}).Error)

	w, _ = suite.do(http.MethodPost, path, suite.buyerID, map[string]string{"reference": "esc_manual_1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodPost, path, suite.adminID, map[string]string{"reference": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = suite.do(http.MethodPost, path, suite.adminID, map[string]string{"reference": "esc_manual_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		ProviderCall models.ProviderCall `json:"provider_call"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, models.ProviderCallSubmitted, body.ProviderCall.Status)
	assert.Equal(t, "esc_manual_1", suite.reloadEscrow(escrow.ID).ProviderReferenceID)
}

func (suite *DealFlowTestSuite) TestOperatorRecomputesChecklist() {
	t := suite.T()
	escrow := suite.acceptedEscrow()
	suite.drainOutbox()
	escrow = suite.reloadEscrow(escrow.ID)

	w := suite.deliver(escrow, provider.Event{
		ProviderEventID: "evt_funded",
		EscrowReference: escrow.EscrowReference,
		Type:            models.ProviderEventFunded,
		Amount:          escrow.BuyerTotalAmount,
		OccurredAt:      time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var checklist models.MigrationChecklist
	require.NoError(t, suite.db.Where("escrow_id = ?", escrow.ID).First(&checklist).Error)

	// Tasks confirmed without the completion hook having run.
	require.NoError(t, suite.db.Model(&models.MigrationTask{}).Where("checklist_id = ?", checklist.ID).
		Updates(map[string]interface{}{"buyer_confirmed": true, "seller_confirmed": true}).Error)
	assert.Equal(t, models.EscrowStatusFunded, suite.reloadEscrow(escrow.ID).Status)

	path := "/v1/admin/checklists/" + checklist.ID.String() + "/recompute"
	w, _ = suite.do(http.MethodPost, path, suite.sellerID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := suite.do(http.MethodPost, path, suite.adminID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Checklist models.MigrationChecklist `json:"checklist"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, models.ChecklistStatusCompleted, body.Checklist.Status)
	assert.Equal(t, models.EscrowStatusCompleted, suite.reloadEscrow(escrow.ID).Status)

	// Running it again changes nothing.
	w, _ = suite.do(http.MethodPost, path, suite.adminID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.EscrowStatusCompleted, suite.reloadEscrow(escrow.ID).Status)

	w, _ = suite.do(http.MethodPost, "/v1/admin/checklists/"+uuid.NewString()+"/recompute", suite.adminID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func (suite *DealFlowTestSuite) TestHealth() {
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Contains(suite.T(), w.Body.String(), "sandbox")
}

func TestDealFlowSuite(t *testing.T) {
	suite.Run(t, new(DealFlowTestSuite))
}
