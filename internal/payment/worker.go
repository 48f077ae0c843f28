package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-booking/internal/booking"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

type RefundExecutor interface {
	ExecuteRefund(ctx context.Context, req models.RefundRequestedEvent) (string, error)
}

type BookingMarker interface {
	MarkRefunded(ctx context.Context, bookingID string, actor booking.Actor, transactionID string) (*models.Booking, error)
}

// RefundWorker consumes refund-requested events, executes the refund at the
// gateway and marks the booking refunded. Kafka delivery is at-least-once,
// so an already-refunded booking is treated as done, not as a failure.
type RefundWorker struct {
	Executor RefundExecutor
	Bookings BookingMarker
	Logger   *logger.Logger
}

func NewRefundWorker(executor RefundExecutor, bookings BookingMarker, log *logger.Logger) *RefundWorker {
	return &RefundWorker{
		Executor: executor,
		Bookings: bookings,
		Logger:   log,
	}
}

// HandleMessage processes one refund-requested event.
func (w *RefundWorker) HandleMessage(ctx context.Context, key, value []byte) error {
	var event models.RefundRequestedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		// A malformed event will never parse on retry; log and drop.
		w.Logger.Error("REFUND", fmt.Sprintf("Dropping malformed refund request: %v", err))
		return nil
	}

	transactionID, err := w.Executor.ExecuteRefund(ctx, event)
	if err != nil {
		return fmt.Errorf("execute refund for booking %s: %w", event.BookingID, err)
	}

	if _, err := w.Bookings.MarkRefunded(ctx, event.BookingID, booking.SystemActor, transactionID); err != nil {
		var ite *booking.InvalidTransitionError
		if errors.As(err, &ite) {
			w.Logger.Warn("REFUND", fmt.Sprintf("Booking %s already left cancelled state, refund %s recorded at gateway only", event.BookingID, transactionID))
			return nil
		}
		return fmt.Errorf("mark booking %s refunded: %w", event.BookingID, err)
	}

	w.Logger.Info("REFUND", fmt.Sprintf("Booking %s refunded (%.2f %s, transaction %s)", event.BookingID, event.Amount, event.Currency, transactionID))
	return nil
}
