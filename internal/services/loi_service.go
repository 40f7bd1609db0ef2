// internal/services/loi_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/bizmarket-backend/internal/models"
	"github.com/javajoker/bizmarket-backend/internal/utils"
)

const supersededNote = "Superseded: the seller accepted another offer on this listing."

// LOIService owns the letter-of-intent lifecycle. Every status change is a
// compare-and-set on the expected current status.
type LOIService struct {
	db       *gorm.DB
	listings ListingDirectory
	fees     FeePlanSource
	escrow   *EscrowService
	notifier NotificationSink
	locks    *keyedMutex
	now      func() time.Time
}

func NewLOIService(db *gorm.DB, listings ListingDirectory, fees FeePlanSource, escrow *EscrowService, notifier NotificationSink) *LOIService {
	return &LOIService{
		db:       db,
		listings: listings,
		fees:     fees,
		escrow:   escrow,
		notifier: notifier,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type LOITermsRequest struct {
	ListingID        uuid.UUID       `json:"listing_id" validate:"required"`
	OfferPrice       decimal.Decimal `json:"offer_price" validate:"money"`
	CashAmount       decimal.Decimal `json:"cash_amount" validate:"money"`
	EarnoutAmount    decimal.Decimal `json:"earnout_amount" validate:"money"`
	EarnoutTerms     string          `json:"earnout_terms" validate:"max=5000"`
	DueDiligenceDays int             `json:"due_diligence_days" validate:"min=1"`
	ExclusivityDays  int             `json:"exclusivity_days" validate:"min=0"`
	Conditions       []string        `json:"conditions" validate:"max=50,dive,notblank,max=1000"`
	ExpirationDate   time.Time       `json:"expiration_date" validate:"required"`
}

type LOIFilter struct {
	Role      models.PartyRole
	Status    models.LOIStatus
	ListingID *uuid.UUID
}

// AcceptResult is returned when a seller accepts an LOI.
type AcceptResult struct {
	LOI        *models.LetterOfIntent    `json:"loi"`
	Escrow     *models.EscrowTransaction `json:"escrow"`
	Superseded []uuid.UUID               `json:"superseded_loi_ids"`
}

func (s *LOIService) validateTerms(req *LOITermsRequest) error {
	amounts := []struct {
		field string
		value decimal.Decimal
	}{
		{"offer_price", req.OfferPrice},
		{"cash_amount", req.CashAmount},
		{"earnout_amount", req.EarnoutAmount},
	}
	for _, a := range amounts {
		if a.value.IsNegative() {
			return validationErr(a.field, "must not be negative")
		}
		if !a.value.Equal(a.value.Round(2)) {
			return validationErr(a.field, "must have at most two decimal places")
		}
	}
	if !req.OfferPrice.IsPositive() {
		return validationErr("offer_price", "must be greater than zero")
	}
	if !req.CashAmount.Add(req.EarnoutAmount).Equal(req.OfferPrice) {
		return validationErr("cash_amount", "cash amount plus earnout amount must equal the offer price")
	}
	if req.DueDiligenceDays <= 0 {
		return validationErr("due_diligence_days", "must be greater than zero")
	}
	if req.ExclusivityDays < 0 {
		return validationErr("exclusivity_days", "must not be negative")
	}
	if !req.ExpirationDate.After(s.now()) {
		return validationErr("expiration_date", "must be in the future")
	}
	for i, c := range req.Conditions {
		if strings.TrimSpace(c) == "" {
			return validationErr(fmt.Sprintf("conditions[%d]", i), "must not be blank")
		}
	}
	return nil
}

// CreateDraft creates an LOI in draft for a live listing. The seller is taken
// from the listing.
func (s *LOIService) CreateDraft(ctx context.Context, buyerID uuid.UUID, req *LOITermsRequest) (*models.LetterOfIntent, error) {
	if err := s.validateTerms(req); err != nil {
		return nil, err
	}

	listing, err := s.liveListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == buyerID {
		return nil, validationErr("listing_id", "cannot make an offer on your own listing")
	}

	loi := &models.LetterOfIntent{
		ListingID:        listing.ID,
		BuyerID:          buyerID,
		SellerID:         listing.SellerID,
		Status:           models.LOIStatusDraft,
		OfferPrice:       req.OfferPrice,
		CashAmount:       req.CashAmount,
		EarnoutAmount:    req.EarnoutAmount,
		EarnoutTerms:     strings.TrimSpace(req.EarnoutTerms),
		DueDiligenceDays: req.DueDiligenceDays,
		ExclusivityDays:  req.ExclusivityDays,
		Conditions:       models.StringList(req.Conditions),
		ExpirationDate:   req.ExpirationDate.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(loi).Error; err != nil {
		return nil, fmt.Errorf("failed to create letter of intent: %w", err)
	}
	return loi, nil
}

// UpdateDraft replaces the terms of a draft. Price terms freeze once sent.
func (s *LOIService) UpdateDraft(ctx context.Context, loiID, buyerID uuid.UUID, req *LOITermsRequest) (*models.LetterOfIntent, error) {
	loi, err := s.load(ctx, loiID)
	if err != nil {
		return nil, err
	}
	if loi.BuyerID != buyerID {
		return nil, &AuthorizationError{ActorID: buyerID, Action: "edit letter of intent"}
	}
	if loi.Status != models.LOIStatusDraft {
		return nil, invalidLOIState(loi, "edit")
	}
	req.ListingID = loi.ListingID
	if err := s.validateTerms(req); err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&models.LetterOfIntent{}).
		Where("id = ? AND status = ?", loi.ID, models.LOIStatusDraft).
		Updates(map[string]interface{}{
			"offer_price":        req.OfferPrice,
			"cash_amount":        req.CashAmount,
			"earnout_amount":     req.EarnoutAmount,
			"earnout_terms":      strings.TrimSpace(req.EarnoutTerms),
			"due_diligence_days": req.DueDiligenceDays,
			"exclusivity_days":   req.ExclusivityDays,
			"conditions":         models.StringList(req.Conditions),
			"expiration_date":    req.ExpirationDate.UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update letter of intent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &ConflictError{Entity: "letter of intent", ID: loi.ID, Expected: string(models.LOIStatusDraft)}
	}
	return s.load(ctx, loi.ID)
}

// Send dispatches a draft to the seller.
func (s *LOIService) Send(ctx context.Context, loiID, buyerID uuid.UUID) (*models.LetterOfIntent, error) {
	loi, err := s.load(ctx, loiID)
	if err != nil {
		return nil, err
	}
	if loi.BuyerID != buyerID {
		return nil, &AuthorizationError{ActorID: buyerID, Action: "send letter of intent"}
	}
	if loi.Status != models.LOIStatusDraft {
		return nil, invalidLOIState(loi, "send")
	}
	now := s.now()
	if !loi.ExpirationDate.After(now) {
		return nil, validationErr("expiration_date", "has already passed, update the draft first")
	}
	if _, err := s.liveListing(ctx, loi.ListingID); err != nil {
		return nil, err
	}

	fx := &afterCommit{}
	if err := s.compareAndSet(s.db.WithContext(ctx), loi, models.LOIStatusSent, map[string]interface{}{"sent_at": now}, fx); err != nil {
		return nil, err
	}
	loi.SentAt = &now
	fx.notify(loiNote(loi, NotifyLOIReceived, loi.SellerID, models.PriorityHigh,
		"New letter of intent",
		fmt.Sprintf("You received an offer of %s on your listing.", loi.OfferPrice.StringFixed(2))))
	fx.flush(ctx, s.notifier)
	return loi, nil
}

// Respond records the seller's decision on a sent LOI. Accepting supersedes
// every other open LOI on the listing and opens the escrow in the same
// transaction.
func (s *LOIService) Respond(ctx context.Context, loiID, sellerID uuid.UUID, decision models.LOIDecision, notes string) (*models.LetterOfIntent, *AcceptResult, error) {
	loi, err := s.load(ctx, loiID)
	if err != nil {
		return nil, nil, err
	}
	if loi.SellerID != sellerID {
		return nil, nil, &AuthorizationError{ActorID: sellerID, Action: "respond to letter of intent"}
	}
	if loi.Status != models.LOIStatusSent {
		return nil, nil, invalidLOIState(loi, "respond to")
	}
	notes = strings.TrimSpace(notes)
	if len(notes) > 5000 {
		return nil, nil, validationErr("notes", "must be at most 5000 characters")
	}

	now := s.now()
	if !loi.ExpirationDate.After(now) {
		fx := &afterCommit{}
		if err := s.compareAndSet(s.db.WithContext(ctx), loi, models.LOIStatusExpired, map[string]interface{}{"expired_at": now}, fx); err != nil {
			return nil, nil, err
		}
		fx.flush(ctx, s.notifier)
		return nil, nil, invalidLOIState(loi, "respond to")
	}

	switch decision {
	case models.LOIDecisionReject:
		fx := &afterCommit{}
		if err := s.compareAndSet(s.db.WithContext(ctx), loi, models.LOIStatusRejected, map[string]interface{}{
			"responded_at":   now,
			"response_notes": notes,
		}, fx); err != nil {
			return nil, nil, err
		}
		loi.RespondedAt = &now
		loi.ResponseNotes = notes
		fx.notify(loiNote(loi, NotifyLOIRejected, loi.BuyerID, models.PriorityMedium,
			"Offer declined", "The seller declined your letter of intent."))
		fx.flush(ctx, s.notifier)
		return loi, nil, nil

	case models.LOIDecisionAccept:
		result, err := s.accept(ctx, loi, notes)
		if err != nil {
			return nil, nil, err
		}
		return result.LOI, result, nil
	}

	return nil, nil, validationErr("decision", "must be accept or reject")
}

func (s *LOIService) accept(ctx context.Context, loi *models.LetterOfIntent, notes string) (*AcceptResult, error) {
	listing, err := s.liveListing(ctx, loi.ListingID)
	if err != nil {
		return nil, err
	}
	feePercent, err := s.fees.FeePercentage(ctx, loi.SellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fee plan: %w", err)
	}

	unlock := s.locks.Lock(loi.ListingID)
	defer unlock()

	fx := &afterCommit{}
	result := &AcceptResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		// A previous acceptance only gives way if its escrow has ended without a sale.
		var previous []models.LetterOfIntent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("listing_id = ? AND status = ? AND id <> ?", loi.ListingID, models.LOIStatusAccepted, loi.ID).
			Find(&previous).Error; err != nil {
			return fmt.Errorf("failed to load accepted offers: %w", err)
		}
		for i := range previous {
			prev := &previous[i]
			var escrow models.EscrowTransaction
			err := tx.Where("loi_id = ?", prev.ID).First(&escrow).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to load escrow of accepted offer: %w", err)
			}
			if err == nil && escrow.Status != models.EscrowStatusFailed && escrow.Status != models.EscrowStatusCancelled {
				return &InvalidStateError{Entity: "listing", ID: loi.ListingID, Current: "under contract", Operation: "accept another offer on"}
			}
			if err := s.supersede(tx, prev, loi.ID, now, fx); err != nil {
				return err
			}
			result.Superseded = append(result.Superseded, prev.ID)
		}

		if err := s.compareAndSet(tx, loi, models.LOIStatusAccepted, map[string]interface{}{
			"responded_at":   now,
			"response_notes": notes,
		}, fx); err != nil {
			return err
		}
		loi.RespondedAt = &now
		loi.ResponseNotes = notes

		var pending []models.LetterOfIntent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("listing_id = ? AND id <> ? AND status IN ?", loi.ListingID, loi.ID, []models.LOIStatus{models.LOIStatusDraft, models.LOIStatusSent}).
			Find(&pending).Error; err != nil {
			return fmt.Errorf("failed to load open offers: %w", err)
		}
		for i := range pending {
			if err := s.supersede(tx, &pending[i], loi.ID, now, fx); err != nil {
				return err
			}
			result.Superseded = append(result.Superseded, pending[i].ID)
		}

		escrow, err := s.escrow.openFromAcceptedLOI(ctx, tx, openEscrowInput{
			LOI:             loi,
			FeePercentage:   feePercent,
			ListingCategory: listing.Category,
		}, fx)
		if err != nil {
			return err
		}
		result.Escrow = escrow
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.LOI = loi
	fx.notify(loiNote(loi, NotifyLOIAccepted, loi.BuyerID, models.PriorityHigh,
		"Offer accepted", "The seller accepted your letter of intent. Escrow has been opened."))
	fx.flush(ctx, s.notifier)
	return result, nil
}

// supersede rejects another LOI on the listing with a system note.
func (s *LOIService) supersede(tx *gorm.DB, other *models.LetterOfIntent, winnerID uuid.UUID, now time.Time, fx *afterCommit) error {
	if err := s.compareAndSet(tx, other, models.LOIStatusRejected, map[string]interface{}{
		"responded_at":     now,
		"response_notes":   supersededNote,
		"superseded_by_id": winnerID,
	}, fx); err != nil {
		return err
	}
	other.SupersededByID = &winnerID
	fx.notify(loiNote(other, NotifyLOISuperseded, other.BuyerID, models.PriorityMedium,
		"Offer closed", supersededNote))
	return nil
}

// Withdraw lets the buyer pull a sent LOI.
func (s *LOIService) Withdraw(ctx context.Context, loiID, buyerID uuid.UUID) (*models.LetterOfIntent, error) {
	loi, err := s.load(ctx, loiID)
	if err != nil {
		return nil, err
	}
	if loi.BuyerID != buyerID {
		return nil, &AuthorizationError{ActorID: buyerID, Action: "withdraw letter of intent"}
	}
	if loi.Status != models.LOIStatusSent {
		return nil, invalidLOIState(loi, "withdraw")
	}

	now := s.now()
	fx := &afterCommit{}
	if err := s.compareAndSet(s.db.WithContext(ctx), loi, models.LOIStatusWithdrawn, map[string]interface{}{"withdrawn_at": now}, fx); err != nil {
		return nil, err
	}
	loi.WithdrawnAt = &now
	fx.notify(loiNote(loi, NotifyLOIWithdrawn, loi.SellerID, models.PriorityMedium,
		"Offer withdrawn", "The buyer withdrew their letter of intent."))
	fx.flush(ctx, s.notifier)
	return loi, nil
}

// ExpireDue moves every sent LOI past its expiration date to expired and
// returns how many it moved. Safe to run concurrently: rows another sweeper or
// a seller response got to first are skipped.
func (s *LOIService) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	var due []models.LetterOfIntent
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expiration_date <= ?", models.LOIStatusSent, now).
		Order("expiration_date ASC").
		Limit(500).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("failed to load due offers: %w", err)
	}

	expired := 0
	fx := &afterCommit{}
	for i := range due {
		loi := &due[i]
		err := s.compareAndSet(s.db.WithContext(ctx), loi, models.LOIStatusExpired, map[string]interface{}{"expired_at": now}, fx)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		fx.notify(
			loiNote(loi, NotifyLOIExpired, loi.BuyerID, models.PriorityLow, "Offer expired", "Your letter of intent expired without a response."),
			loiNote(loi, NotifyLOIExpired, loi.SellerID, models.PriorityLow, "Offer expired", "A letter of intent on your listing expired."),
		)
	}
	fx.flush(ctx, s.notifier)
	return expired, nil
}

// Get returns an LOI to one of its counterparties. Sellers do not see drafts.
func (s *LOIService) Get(ctx context.Context, loiID, actorID uuid.UUID) (*models.LetterOfIntent, error) {
	loi, err := s.load(ctx, loiID)
	if err != nil {
		return nil, err
	}
	if !loi.IsParty(actorID) {
		return nil, &AuthorizationError{ActorID: actorID, Action: "view letter of intent"}
	}
	if loi.Status == models.LOIStatusDraft && actorID != loi.BuyerID {
		return nil, notFound("letter of intent", loiID)
	}
	return loi, nil
}

func (s *LOIService) List(ctx context.Context, actorID uuid.UUID, filter LOIFilter, params utils.PaginationParams) ([]models.LetterOfIntent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.LetterOfIntent{})
	switch filter.Role {
	case models.PartyRoleBuyer:
		query = query.Where("buyer_id = ?", actorID)
	case models.PartyRoleSeller:
		query = query.Where("seller_id = ? AND status <> ?", actorID, models.LOIStatusDraft)
	default:
		query = query.Where("buyer_id = ? OR (seller_id = ? AND status <> ?)", actorID, actorID, models.LOIStatusDraft)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ListingID != nil {
		query = query.Where("listing_id = ?", *filter.ListingID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count letters of intent: %w", err)
	}

	var lois []models.LetterOfIntent
	query = utils.ApplySort(query, params, []string{"created_at", "updated_at", "offer_price", "expiration_date"})
	if err := utils.ApplyPagination(query, params).Find(&lois).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list letters of intent: %w", err)
	}
	return lois, total, nil
}

func (s *LOIService) load(ctx context.Context, loiID uuid.UUID) (*models.LetterOfIntent, error) {
	var loi models.LetterOfIntent
	if err := s.db.WithContext(ctx).First(&loi, "id = ?", loiID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("letter of intent", loiID)
		}
		return nil, fmt.Errorf("failed to load letter of intent: %w", err)
	}
	return &loi, nil
}

func (s *LOIService) liveListing(ctx context.Context, listingID uuid.UUID) (*ListingInfo, error) {
	listing, err := s.listings.GetListing(ctx, listingID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, validationErr("listing_id", "does not reference a listing")
		}
		return nil, err
	}
	if !listing.IsLive() {
		return nil, validationErr("listing_id", "listing is not accepting offers")
	}
	return listing, nil
}

// compareAndSet moves loi from its loaded status to `to`. A lost race returns
// ConflictError.
func (s *LOIService) compareAndSet(db *gorm.DB, loi *models.LetterOfIntent, to models.LOIStatus, updates map[string]interface{}, fx *afterCommit) error {
	from := loi.Status
	updates["status"] = to
	res := db.Model(&models.LetterOfIntent{}).
		Where("id = ? AND status = ?", loi.ID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update letter of intent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ConflictError{Entity: "letter of intent", ID: loi.ID, Expected: string(from)}
	}
	loi.Status = to
	fx.loiTransitions = append(fx.loiTransitions, loiTransition{LOIID: loi.ID, From: from, To: to})
	return nil
}

func invalidLOIState(loi *models.LetterOfIntent, operation string) error {
	return &InvalidStateError{Entity: "letter of intent", ID: loi.ID, Current: string(loi.Status), Operation: operation}
}
