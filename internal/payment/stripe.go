package payment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
)

// StripeService executes refunds against the payment gateway. It never
// decides refund amounts; the policy engine already did that when the
// cancellation committed.
type StripeService struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeService creates a new instance of StripeService
func NewStripeService(secretKey string, log *logger.Logger) (*StripeService, error) {
	if secretKey == "" {
		log.Error("STRIPE", "Stripe secret key not configured")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeService{
		client: sc,
		log:    log,
	}, nil
}

// ExecuteRefund issues a partial refund on the booking's payment intent and
// returns the gateway's refund id.
func (s *StripeService) ExecuteRefund(ctx context.Context, req models.RefundRequestedEvent) (string, error) {
	if req.Amount <= 0 {
		return "", fmt.Errorf("invalid refund amount: %.2f", req.Amount)
	}
	if req.PaymentIntentID == "" {
		return "", fmt.Errorf("booking %s has no payment intent", req.BookingID)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Refunding %.2f %s on %s for booking %s",
		req.Amount, req.Currency, req.PaymentIntentID, req.BookingID))

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Amount:        stripe.Int64(toMinorUnits(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		Metadata: map[string]string{
			"booking_id": req.BookingID,
			"reason":     req.Reason,
		},
	}
	params.Context = ctx

	refund, err := s.client.Refunds.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Refund failed for booking %s: %v", req.BookingID, err))
		return "", fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Refund %s created for booking %s (status %s)", refund.ID, req.BookingID, refund.Status))
	return refund.ID, nil
}

// toMinorUnits converts a decimal amount to the smallest currency unit.
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
