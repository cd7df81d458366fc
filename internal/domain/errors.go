package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lodging/internal/models"
)

var (
	ErrInvalidRange        = errors.New("check-out must be after check-in")
	ErrPastCheckIn         = errors.New("check-in is in the past")
	ErrConflict            = errors.New("range overlaps an existing reservation")
	ErrInvalidTransition   = errors.New("invalid reservation transition")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrReservationCanceled = errors.New("reservation cancelled")
	ErrRateLimited         = errors.New("too many reservation attempts")
	ErrRejected            = errors.New("request rejected by backend")
)

// ConflictError carries the ranges that block a proposed stay.
type ConflictError struct {
	Conflicts []models.ReservedRange
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return ErrConflict.Error()
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, c.Range.Start.Format("2006-01-02")+".."+c.Range.End.Format("2006-01-02"))
	}
	return fmt.Sprintf("%s: %s", ErrConflict.Error(), strings.Join(parts, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// InvalidTransitionError names the rejected edge.
type InvalidTransitionError struct {
	From models.ReservationStatus
	To   models.ReservationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RejectedError is a 4xx from the backend that no other sentinel covers.
// Message is the backend's own explanation, when it sent one.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", ErrRejected.Error(), e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", ErrRejected.Error(), e.Status, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// StaleDataAdvisory is attached to an availability answer served from an
// index the engine could not refresh. It is not an error.
type StaleDataAdvisory struct {
	FetchedAt time.Time
	Cause     error
}

func (a *StaleDataAdvisory) String() string {
	msg := "availability served from cached data fetched at " + a.FetchedAt.Format(time.RFC3339)
	if a.Cause != nil {
		msg += " (" + a.Cause.Error() + ")"
	}
	return msg
}

// UserMessage maps engine errors to text a guest can act on.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		conflict *ConflictError
		rejected *RejectedError
	)
	switch {
	case errors.As(err, &conflict):
		if len(conflict.Conflicts) == 0 {
			return "These dates are no longer available."
		}
		return "These dates overlap an existing stay: " + strings.TrimPrefix(conflict.Error(), ErrConflict.Error()+": ") + "."
	case errors.Is(err, ErrInvalidRange):
		return "Check-out must be after check-in."
	case errors.Is(err, ErrPastCheckIn):
		return "Check-in cannot be in the past."
	case errors.Is(err, ErrReservationExpired):
		return "You ran out of time to pay; the reservation has expired."
	case errors.Is(err, ErrReservationCanceled):
		return "The reservation was withdrawn by you or the owner."
	case errors.Is(err, ErrBackendUnavailable):
		return "The booking service is unreachable right now. Please try again."
	case errors.Is(err, ErrRateLimited):
		return "Too many booking attempts. Please wait a moment."
	case errors.Is(err, ErrReservationNotFound):
		return "Reservation not found."
	case errors.Is(err, ErrInvalidTransition):
		return "This action is no longer available for the reservation."
	case errors.As(err, &rejected):
		if rejected.Message == "" {
			return "The booking service refused the request."
		}
		return "The booking service refused the request: " + rejected.Message + "."
	default:
		return "Something went wrong while processing the request."
	}
}
