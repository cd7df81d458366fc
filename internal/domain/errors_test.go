package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"lodging/internal/interval"
	"lodging/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestConflictError(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := &ConflictError{Conflicts: []models.ReservedRange{
		{ReservationID: "r1", Range: interval.New(start, start.AddDate(0, 0, 4))},
	}}

	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "2025-06-01..2025-06-05")

	wrapped := fmt.Errorf("create: %w", err)
	var target *ConflictError
	assert.True(t, errors.As(wrapped, &target))
	assert.Len(t, target.Conflicts, 1)

	assert.Equal(t, ErrConflict.Error(), (&ConflictError{}).Error())
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{From: models.StatusExpired, To: models.StatusConfirmed}
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "expired -> confirmed")
}

func TestRejectedError(t *testing.T) {
	err := fmt.Errorf("confirm: %w", &RejectedError{Status: 400, Message: "bad id"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "http 400: bad id")
	assert.Equal(t, "The booking service refused the request: bad id.", UserMessage(err))
	assert.Equal(t, "The booking service refused the request.", UserMessage(&RejectedError{Status: 422}))
}

func TestUserMessage(t *testing.T) {
	expired := UserMessage(ErrReservationExpired)
	cancelled := UserMessage(ErrReservationCanceled)
	assert.NotEqual(t, expired, cancelled)
	assert.Contains(t, expired, "ran out of time")
	assert.Contains(t, cancelled, "withdrawn")

	assert.Empty(t, UserMessage(nil))
	assert.Contains(t, UserMessage(fmt.Errorf("%w: dial tcp", ErrBackendUnavailable)), "unreachable")

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	msg := UserMessage(&ConflictError{Conflicts: []models.ReservedRange{
		{Range: interval.New(start, start.AddDate(0, 0, 4))},
	}})
	assert.Contains(t, msg, "2025-06-01..2025-06-05")
}

func TestStaleDataAdvisory(t *testing.T) {
	a := &StaleDataAdvisory{FetchedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), Cause: ErrBackendUnavailable}
	assert.Contains(t, a.String(), "2025-06-01T00:00:00Z")
	assert.Contains(t, a.String(), "backend unavailable")
}
