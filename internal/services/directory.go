// internal/services/directory.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

// ListingInfo is what deal closing needs to know about a listing.
type ListingInfo struct {
	ID          uuid.UUID
	SellerID    uuid.UUID
	AskingPrice decimal.Decimal
	Status      models.ListingStatus
	Category    string
}

// IsLive reports whether the listing accepts offers.
func (l *ListingInfo) IsLive() bool {
	return l.Status == models.ListingStatusActive || l.Status == models.ListingStatusUnderOffer
}

type ListingDirectory interface {
	GetListing(ctx context.Context, listingID uuid.UUID) (*ListingInfo, error)
}

// FeePlanSource supplies the platform fee percentage currently active for a seller.
type FeePlanSource interface {
	FeePercentage(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)
}

// PayoutDirectory resolves a user's account at the escrow provider.
type PayoutDirectory interface {
	PayoutAccount(ctx context.Context, userID uuid.UUID, provider string) (string, error)
}

// GormDirectory reads listings, memberships and payout accounts from the
// tables the marketplace services share.
type GormDirectory struct {
	db         *gorm.DB
	defaultFee decimal.Decimal
}

func NewGormDirectory(db *gorm.DB, defaultFeePercent float64) *GormDirectory {
	return &GormDirectory{db: db, defaultFee: decimal.NewFromFloat(defaultFeePercent)}
}

func (d *GormDirectory) GetListing(ctx context.Context, listingID uuid.UUID) (*ListingInfo, error) {
	var listing models.Listing
	if err := d.db.WithContext(ctx).First(&listing, "id = ?", listingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("listing", listingID)
		}
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	return &ListingInfo{
		ID:          listing.ID,
		SellerID:    listing.SellerID,
		AskingPrice: listing.AskingPrice,
		Status:      listing.Status,
		Category:    listing.Category,
	}, nil
}

// FeePercentage returns the fee of the seller's active plan, or the platform
// default when the seller has no active membership.
func (d *GormDirectory) FeePercentage(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error) {
	var membership models.Membership
	err := d.db.WithContext(ctx).
		Preload("Plan").
		Where("user_id = ? AND status = ?", sellerID, models.MembershipStatusActive).
		Order("started_at DESC").
		First(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.defaultFee, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load membership: %w", err)
	}
	if !membership.Plan.IsActive {
		return d.defaultFee, nil
	}
	return membership.Plan.FeePercentage, nil
}

func (d *GormDirectory) PayoutAccount(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	var account models.PayoutAccount
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load payout account: %w", err)
	}
	return account.AccountRef, nil
}
