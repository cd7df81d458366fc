package models

import (
	"time"

	"lodging/internal/interval"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusExpired   ReservationStatus = "expired"
	StatusCancelled ReservationStatus = "cancelled"
)

// Terminal reports whether no local transition may leave s.
// Confirmed counts as terminal for the scheduler even though the backend may
// still cancel it.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s ReservationStatus) String() string {
	return string(s)
}

// Reservation is one booking attempt. Only Status and UpdatedAt change after
// creation; new dates mean a new reservation.
type Reservation struct {
	ID              string             `json:"id"`
	HabitationID    string             `json:"habitation_id"`
	UserID          string             `json:"user_id"`
	Range           interval.DateRange `json:"range"`
	Status          ReservationStatus  `json:"status"`
	PaymentDeadline *time.Time         `json:"payment_deadline,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Version         int64              `json:"version,omitempty"`
}

// Clone returns a deep copy.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	out := *r
	if r.PaymentDeadline != nil {
		d := *r.PaymentDeadline
		out.PaymentDeadline = &d
	}
	return &out
}

// Remaining returns the time left until the payment deadline, clamped at zero.
// ok is false when the reservation has no deadline or is no longer pending.
func (r *Reservation) Remaining(now time.Time) (time.Duration, bool) {
	if r == nil || r.PaymentDeadline == nil || r.Status != StatusPending {
		return 0, false
	}
	left := r.PaymentDeadline.Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

// ReservedRange is a backend-sourced occupied range.
type ReservedRange struct {
	ReservationID string             `json:"reservation_id"`
	Range         interval.DateRange `json:"range"`
}

// RawReservedRange is a reserved range as it arrives on the wire, before
// timestamp parsing.
type RawReservedRange struct {
	ReservationID string `json:"reservation_id,omitempty"`
	CheckIn       string `json:"check_in"`
	CheckOut      string `json:"check_out"`
}

// CreateRequest asks the backend to hold a range.
type CreateRequest struct {
	UserID       string
	HabitationID string
	CheckIn      time.Time
	CheckOut     time.Time
}

// CreateResult is the backend answer to CreateRequest.
type CreateResult struct {
	ID              string
	Status          ReservationStatus
	PaymentDeadline *time.Time
}

// ExpirationStatus is the answer of an authoritative expiration check.
type ExpirationStatus struct {
	StillPending bool
	Status       ReservationStatus
}
