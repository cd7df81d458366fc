// Package backend talks to the authoritative reservation API over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lodging/internal/domain"
	"lodging/internal/interval"
	"lodging/internal/models"
	"lodging/internal/timeutil"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// errCredentials marks a 401 or 403. It is reported as the backend being
// unavailable but is never retried.
var errCredentials = errors.New("credentials rejected")

// Client implements domain.Backend against the reservation HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client

	retry  RetryPolicy
	clock  clockwork.Clock
	logger *zerolog.Logger
}

type Option func(*Client)

// WithRetry enables retries of idempotent reads.
func WithRetry(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Client) {
		l := logger.With().Str("component", "backend_client").Logger()
		c.logger = &l
	}
}

// NewClient constructs a client with baseURL, API key and extra header.
func NewClient(baseURL, apiKey, apiExtra string, opts ...Option) *Client {
	nop := zerolog.Nop()
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clock:      clockwork.NewRealClock(),
		logger:     &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ domain.Backend = (*Client)(nil)

// FetchReservedRanges lists the occupied ranges of a habitation.
func (c *Client) FetchReservedRanges(ctx context.Context, habitationID string) ([]models.RawReservedRange, error) {
	endpoint := fmt.Sprintf("%s/api/v1/habitations/%s/reservations", c.baseURL, url.PathEscape(habitationID))
	var resp models.ReservedRangesResponse
	if err := c.getWithRetry(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetch reserved ranges of %s: %w", habitationID, err)
	}
	return resp.Reservations, nil
}

// CreateReservation submits a hold. It is not retried.
func (c *Client) CreateReservation(ctx context.Context, req models.CreateRequest) (*models.CreateResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/reservations", c.baseURL)
	body := models.CreateReservationPayload{
		UserID:       req.UserID,
		HabitationID: req.HabitationID,
		CheckIn:      req.CheckIn.UTC().Format(time.RFC3339),
		CheckOut:     req.CheckOut.UTC().Format(time.RFC3339),
	}

	var resp models.CreateReservationResponse
	if err := c.doPost(ctx, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("create reservation: backend returned no id")
	}

	out := &models.CreateResult{ID: resp.ID, Status: resp.Status}
	if out.Status == "" {
		out.Status = models.StatusPending
	}
	if resp.PaymentDeadline != "" {
		deadline, err := timeutil.ParseLenient(resp.PaymentDeadline)
		if err != nil {
			c.logger.Warn().Err(err).Str("reservation_id", resp.ID).Msg("ignoring unparseable payment deadline")
		} else {
			out.PaymentDeadline = &deadline
		}
	}
	return out, nil
}

// CheckExpiration asks whether the reservation is still awaiting payment.
func (c *Client) CheckExpiration(ctx context.Context, reservationID string) (*models.ExpirationStatus, error) {
	endpoint := fmt.Sprintf("%s/api/v1/reservations/%s/expiration", c.baseURL, url.PathEscape(reservationID))
	var resp models.ExpirationResponse
	if err := c.getWithRetry(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("check expiration of %s: %w", reservationID, err)
	}
	return &models.ExpirationStatus{StillPending: resp.StillPending, Status: resp.Status}, nil
}

func (c *Client) ConfirmReservation(ctx context.Context, reservationID string) (models.ReservationStatus, error) {
	return c.postStatus(ctx, reservationID, "confirm")
}

func (c *Client) CancelReservation(ctx context.Context, reservationID string) (models.ReservationStatus, error) {
	return c.postStatus(ctx, reservationID, "cancel")
}

func (c *Client) postStatus(ctx context.Context, reservationID, action string) (models.ReservationStatus, error) {
	endpoint := fmt.Sprintf("%s/api/v1/reservations/%s/%s", c.baseURL, url.PathEscape(reservationID), action)
	var resp models.StatusResponse
	if err := c.doPost(ctx, endpoint, nil, &resp); err != nil {
		return "", fmt.Errorf("%s reservation %s: %w", action, reservationID, err)
	}
	return resp.Status, nil
}

func (c *Client) getWithRetry(ctx context.Context, endpoint string, out any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.doGet(ctx, endpoint, out)
		if err == nil || !retryable(err) || attempt >= c.retry.MaxRetries {
			return err
		}

		delay := c.retry.NextDelay(attempt + 1)
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying backend read")
		select {
		case <-ctx.Done():
			return err
		case <-c.clock.After(delay):
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrBackendUnavailable) && !errors.Is(err, errCredentials)
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return c.conflictError(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrReservationNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: http %d", domain.ErrBackendUnavailable, errCredentials, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http %d", domain.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", domain.ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		var apiErr models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &domain.RejectedError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// conflictError converts a 409 body into a *domain.ConflictError. Conflicting
// ranges that fail to parse are left out.
func (c *Client) conflictError(body io.Reader) error {
	var payload models.ConflictResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return &domain.ConflictError{}
	}

	conflicts := make([]models.ReservedRange, 0, len(payload.Conflicts))
	for _, raw := range payload.Conflicts {
		start, err := timeutil.ParseLenient(raw.CheckIn)
		if err != nil {
			continue
		}
		end, err := timeutil.ParseLenient(raw.CheckOut)
		if err != nil {
			continue
		}
		conflicts = append(conflicts, models.ReservedRange{ReservationID: raw.ReservationID, Range: interval.New(start, end)})
	}
	return &domain.ConflictError{Conflicts: conflicts}
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
