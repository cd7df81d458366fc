package database

import (
	"context"

	"lodging/internal/domain"
	"lodging/internal/interval"
	"lodging/internal/models"
	"lodging/internal/timeutil"
)

var _ domain.Backend = (*DB)(nil)

func (db *DB) FetchReservedRanges(ctx context.Context, habitationID string) ([]models.RawReservedRange, error) {
	ranges, err := db.ReservedRanges(ctx, habitationID)
	if err != nil {
		return nil, err
	}
	out := make([]models.RawReservedRange, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, models.RawReservedRange{
			ReservationID: r.ReservationID,
			CheckIn:       timeutil.Format(r.Range.Start),
			CheckOut:      timeutil.Format(r.Range.End),
		})
	}
	return out, nil
}

func (db *DB) CreateReservation(ctx context.Context, req models.CreateRequest) (*models.CreateResult, error) {
	res := &models.Reservation{
		HabitationID: req.HabitationID,
		UserID:       req.UserID,
		Range:        interval.New(req.CheckIn, req.CheckOut),
		Status:       models.StatusPending,
	}
	if err := db.CreateReservationWithLock(ctx, res); err != nil {
		return nil, err
	}
	return &models.CreateResult{ID: res.ID, Status: res.Status, PaymentDeadline: res.PaymentDeadline}, nil
}

// CheckExpiration reports whether the reservation is still waiting for
// payment. An overdue reservation is expired by the read itself.
func (db *DB) CheckExpiration(ctx context.Context, reservationID string) (*models.ExpirationStatus, error) {
	res, err := db.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return &models.ExpirationStatus{
		StillPending: res.Status == models.StatusPending,
		Status:       res.Status,
	}, nil
}

func (db *DB) ConfirmReservation(ctx context.Context, reservationID string) (models.ReservationStatus, error) {
	return db.Transition(ctx, reservationID, models.StatusConfirmed)
}

func (db *DB) CancelReservation(ctx context.Context, reservationID string) (models.ReservationStatus, error) {
	return db.Transition(ctx, reservationID, models.StatusCancelled)
}
