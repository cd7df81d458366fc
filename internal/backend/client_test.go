package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lodging/internal/domain"
	"lodging/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "key-1", "extra-1", opts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchReservedRanges(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/habitations/H%201/reservations", r.URL.EscapedPath())
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		assert.Equal(t, "extra-1", r.Header.Get("x-api-extra"))
		writeJSON(w, http.StatusOK, models.ReservedRangesResponse{Reservations: []models.RawReservedRange{
			{ReservationID: "r1", CheckIn: "2025-06-01T00:00:00.000Z", CheckOut: "2025-06-05T00:00:00Z"},
		}})
	})

	got, err := c.FetchReservedRanges(context.Background(), "H 1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ReservationID)
	assert.Equal(t, "2025-06-01T00:00:00.000Z", got[0].CheckIn)
}

func TestFetchReservedRanges_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, models.ReservedRangesResponse{})
	}, WithRetry(RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}))

	_, err := c.FetchReservedRanges(context.Background(), "H")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchReservedRanges_GivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithRetry(RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}))

	_, err := c.FetchReservedRanges(context.Background(), "H")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(req)
}

func TestWithHTTPClient(t *testing.T) {
	transport := &countingTransport{next: http.DefaultTransport}
	hc := &http.Client{Transport: transport}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.ExpirationResponse{StillPending: true, Status: models.StatusPending})
	}, WithHTTPClient(hc), WithTimeout(3*time.Second))

	st, err := c.CheckExpiration(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, st.StillPending)
	assert.Equal(t, int32(1), transport.calls.Load())
	assert.Equal(t, 3*time.Second, hc.Timeout, "timeout applies to the supplied client")
}

func TestTransportFailureIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, "", "")

	_, err := c.CheckExpiration(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestCreateReservation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/reservations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body models.CreateReservationPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body.UserID)
		assert.Equal(t, "H", body.HabitationID)
		assert.Equal(t, "2025-06-01T00:00:00Z", body.CheckIn)
		assert.Equal(t, "2025-06-05T00:00:00Z", body.CheckOut)

		writeJSON(w, http.StatusCreated, models.CreateReservationResponse{
			ID:              "r1",
			Status:          models.StatusPending,
			PaymentDeadline: "2025-05-20T10:02:00.123456Z",
		})
	})

	res, err := c.CreateReservation(context.Background(), models.CreateRequest{
		UserID:       "u1",
		HabitationID: "H",
		CheckIn:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		CheckOut:     time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ID)
	assert.Equal(t, models.StatusPending, res.Status)
	require.NotNil(t, res.PaymentDeadline)
	assert.Equal(t, 2, res.PaymentDeadline.Minute())
}

func TestCreateReservation_Conflict(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, models.ConflictResponse{
			Error: "conflict",
			Conflicts: []models.RawReservedRange{
				{ReservationID: "r0", CheckIn: "2025-06-01T00:00:00Z", CheckOut: "2025-06-05T00:00:00Z"},
				{ReservationID: "bad", CheckIn: "garbage", CheckOut: "2025-06-05T00:00:00Z"},
			},
		})
	}, WithRetry(RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}))

	_, err := c.CreateReservation(context.Background(), models.CreateRequest{UserID: "u", HabitationID: "H"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Conflicts, 1)
	assert.Equal(t, "r0", conflict.Conflicts[0].ReservationID)
	assert.Equal(t, int32(1), calls.Load(), "writes are never retried")
}

func TestCheckExpiration(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/reservations/r1/expiration", r.URL.Path)
		writeJSON(w, http.StatusOK, models.ExpirationResponse{StillPending: false, Status: models.StatusExpired})
	})

	st, err := c.CheckExpiration(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, st.StillPending)
	assert.Equal(t, models.StatusExpired, st.Status)
}

func TestConfirmAndCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/reservations/r1/confirm":
			writeJSON(w, http.StatusOK, models.StatusResponse{Status: models.StatusConfirmed})
		case "/api/v1/reservations/r1/cancel":
			writeJSON(w, http.StatusOK, models.StatusResponse{Status: models.StatusCancelled})
		default:
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "not found"})
		}
	})
	ctx := context.Background()

	status, err := c.ConfirmReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, status)

	status, err = c.CancelReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status)

	_, err = c.ConfirmReservation(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestClientErrorCarriesMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: "reservation is not pending"})
	})

	_, err := c.ConfirmReservation(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reservation is not pending")
	assert.NotErrorIs(t, err, domain.ErrBackendUnavailable)

	var rejected *domain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.Status)
	assert.Equal(t, "The booking service refused the request: reservation is not pending.", domain.UserMessage(err))
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request", http.StatusBadRequest, domain.ErrRejected},
		{"unprocessable", http.StatusUnprocessableEntity, domain.ErrRejected},
		{"too many requests", http.StatusTooManyRequests, domain.ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, domain.ErrBackendUnavailable},
		{"forbidden", http.StatusForbidden, domain.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.CancelReservation(context.Background(), "r1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCredentialFailuresAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "invalid api key"})
	}, WithRetry(RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}))

	_, err := c.FetchReservedRanges(context.Background(), "H")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, time.Second, p.NextDelay(10))
	assert.Equal(t, 200*time.Millisecond, RetryPolicy{}.NextDelay(1))
}
