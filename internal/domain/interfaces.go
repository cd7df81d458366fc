package domain

import (
	"context"
	"time"

	"lodging/internal/models"
)

// Backend is the authoritative reservation collaborator.
type Backend interface {
	FetchReservedRanges(ctx context.Context, habitationID string) ([]models.RawReservedRange, error)
	CreateReservation(ctx context.Context, req models.CreateRequest) (*models.CreateResult, error)
	CheckExpiration(ctx context.Context, reservationID string) (*models.ExpirationStatus, error)
	ConfirmReservation(ctx context.Context, reservationID string) (models.ReservationStatus, error)
	CancelReservation(ctx context.Context, reservationID string) (models.ReservationStatus, error)
}

// ReservationStore persists reservations the engine is tracking so pending
// holds survive a restart.
type ReservationStore interface {
	Save(ctx context.Context, r *models.Reservation) error
	Get(ctx context.Context, id string) (*models.Reservation, error)
	ListPending(ctx context.Context) ([]*models.Reservation, error)
	Delete(ctx context.Context, id string) error
}

// RateLimitStore counts hits per key in a fixed window.
type RateLimitStore interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
