// internal/provider/stripe_client.go
package provider

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

const (
	stripeMetaEscrowReference = "escrow_reference"
	stripeMetaKind            = "kind"
	stripeKindFunding         = "funding"
	stripeKindFee             = "fee"
	stripeKindRelease         = "release"
)

// StripeClient uses Stripe Connect as the escrow provider: the buyer pays a
// PaymentIntent into the platform balance, the seller is paid by Transfer to
// their connected account.
type StripeClient struct {
	api          *client.API
	feeAccountID string
}

func NewStripeClient(secretKey, feeAccountID string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api, feeAccountID: feeAccountID}
}

func (s *StripeClient) Name() string { return "stripe" }

func (s *StripeClient) InitiateFunding(ctx context.Context, req FundingRequest) (*Receipt, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(req.Amount)),
		Currency:      stripe.String(req.Currency),
		TransferGroup: stripe.String(req.EscrowReference),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(stripeMetaEscrowReference, req.EscrowReference)
	params.AddMetadata(stripeMetaKind, stripeKindFunding)
	params.AddMetadata("buyer_id", req.BuyerID.String())
	params.AddMetadata("seller_id", req.SellerID.String())

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	return &Receipt{Reference: pi.ID}, nil
}

// RequestFeeTransfer moves the platform fee to the fee account. Without a fee
// account the fee stays in the platform balance and nothing is sent.
func (s *StripeClient) RequestFeeTransfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if s.feeAccountID == "" {
		return &Receipt{Reference: "retained:" + req.EscrowReference}, nil
	}
	req.Destination = s.feeAccountID
	return s.transfer(ctx, stripeKindFee, req)
}

func (s *StripeClient) RequestRelease(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return s.transfer(ctx, stripeKindRelease, req)
}

func (s *StripeClient) transfer(ctx context.Context, kind string, req TransferRequest) (*Receipt, error) {
	if req.Destination == "" {
		return nil, ErrMissingDestination
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(ToMinorUnits(req.Amount)),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.EscrowReference),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(stripeMetaEscrowReference, req.EscrowReference)
	params.AddMetadata(stripeMetaKind, kind)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	return &Receipt{Reference: tr.ID}, nil
}

func translateStripeError(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return &Error{StatusCode: serr.HTTPStatusCode, Message: serr.Msg}
	}
	return err
}
