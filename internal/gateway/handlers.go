package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"lodging/internal/api"
	"lodging/internal/domain"
	"lodging/internal/interval"
	"lodging/internal/models"
	"lodging/internal/timeutil"
)

const dateLayout = "2006-01-02"

type rangeView struct {
	ReservationID string `json:"reservation_id,omitempty"`
	CheckIn       string `json:"check_in"`
	CheckOut      string `json:"check_out"`
}

type availabilityView struct {
	HabitationID string      `json:"habitation_id"`
	CheckIn      string      `json:"check_in"`
	CheckOut     string      `json:"check_out"`
	Available    bool        `json:"available"`
	Conflicts    []rangeView `json:"conflicts"`
	Stale        bool        `json:"stale"`
	FetchedAt    string      `json:"fetched_at,omitempty"`
}

type dayView struct {
	Date    string `json:"date"`
	Blocked bool   `json:"blocked"`
}

type calendarView struct {
	HabitationID  string    `json:"habitation_id"`
	Days          []dayView `json:"days"`
	NextAvailable string    `json:"next_available,omitempty"`
	Stale         bool      `json:"stale"`
}

type reservationView struct {
	ID               string                   `json:"id"`
	HabitationID     string                   `json:"habitation_id"`
	UserID           string                   `json:"user_id"`
	CheckIn          string                   `json:"check_in"`
	CheckOut         string                   `json:"check_out"`
	Nights           int                      `json:"nights"`
	Status           models.ReservationStatus `json:"status"`
	PaymentDeadline  string                   `json:"payment_deadline,omitempty"`
	RemainingSeconds *int64                   `json:"remaining_seconds,omitempty"`
}

type createRequest struct {
	UserID       string `json:"user_id"`
	HabitationID string `json:"habitation_id"`
	CheckIn      string `json:"check_in"`
	CheckOut     string `json:"check_out"`
}

type errorView struct {
	Error     string      `json:"error"`
	Code      string      `json:"code"`
	Conflicts []rangeView `json:"conflicts,omitempty"`
}

func toRangeViews(ranges []models.ReservedRange) []rangeView {
	out := make([]rangeView, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, rangeView{
			ReservationID: r.ReservationID,
			CheckIn:       r.Range.Start.Format(dateLayout),
			CheckOut:      r.Range.End.Format(dateLayout),
		})
	}
	return out
}

func (s *Server) toReservationView(res *models.Reservation) reservationView {
	v := reservationView{
		ID:           res.ID,
		HabitationID: res.HabitationID,
		UserID:       res.UserID,
		CheckIn:      res.Range.Start.Format(dateLayout),
		CheckOut:     res.Range.End.Format(dateLayout),
		Nights:       res.Range.Nights(),
		Status:       res.Status,
	}
	if res.PaymentDeadline != nil {
		v.PaymentDeadline = res.PaymentDeadline.UTC().Format(time.RFC3339)
	}
	if left, ok := res.Remaining(s.now()); ok {
		secs := int64(left.Round(time.Second) / time.Second)
		v.RemainingSeconds = &secs
	}
	return v
}

// parseDay accepts a plain date or any timestamp ParseLenient understands,
// and returns the start of that day.
func parseDay(raw string) (time.Time, error) {
	t, err := timeutil.ParseLenient(raw)
	if err != nil {
		return time.Time{}, err
	}
	return interval.StartOfDay(t), nil
}

func parseStay(checkIn, checkOut string) (interval.DateRange, error) {
	start, err := parseDay(checkIn)
	if err != nil {
		return interval.DateRange{}, fmt.Errorf("invalid check_in: %w", err)
	}
	end, err := parseDay(checkOut)
	if err != nil {
		return interval.DateRange{}, fmt.Errorf("invalid check_out: %w", err)
	}
	return interval.New(start, end), nil
}

func (s *Server) habitationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !s.knownHabitation(id) {
		api.WriteJSON(w, http.StatusNotFound, errorView{Error: "Unknown habitation.", Code: "unknown_habitation"})
		return "", false
	}
	return id, true
}

func (s *Server) handleHabitations(w http.ResponseWriter, _ *http.Request) {
	list := make([]map[string]string, 0, len(s.habitations))
	for _, h := range s.habitations {
		list = append(list, map[string]string{"id": h.ID, "name": h.Name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i]["id"] < list[j]["id"] })
	api.WriteJSON(w, http.StatusOK, map[string]any{"habitations": list})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	habitationID, ok := s.habitationID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	stay, err := parseStay(q.Get("check_in"), q.Get("check_out"))
	if err != nil {
		api.WriteJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Code: "bad_request"})
		return
	}

	avail, err := s.engine.CheckDateRangeAvailability(r.Context(), habitationID, stay)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	view := availabilityView{
		HabitationID: habitationID,
		CheckIn:      stay.Start.Format(dateLayout),
		CheckOut:     stay.End.Format(dateLayout),
		Available:    avail.Available,
		Conflicts:    toRangeViews(avail.Conflicts),
	}
	if avail.Advisory != nil {
		view.Stale = true
		view.FetchedAt = avail.Advisory.FetchedAt.UTC().Format(time.RFC3339)
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	habitationID, ok := s.habitationID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from := interval.StartOfDay(s.now())
	if raw := q.Get("from"); raw != "" {
		parsed, err := parseDay(raw)
		if err != nil {
			api.WriteJSON(w, http.StatusBadRequest, errorView{Error: "invalid from: " + err.Error(), Code: "bad_request"})
			return
		}
		from = parsed
	}
	days := 0
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.WriteJSON(w, http.StatusBadRequest, errorView{Error: "days must be a positive integer", Code: "bad_request"})
			return
		}
		days = n
	}

	cal, err := s.engine.Calendar(r.Context(), habitationID, from, days)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	view := calendarView{HabitationID: habitationID, Days: make([]dayView, 0, len(cal.Days)), Stale: cal.Advisory != nil}
	for _, d := range cal.Days {
		view.Days = append(view.Days, dayView{Date: d.Date.Format(dateLayout), Blocked: d.Blocked})
	}
	if cal.NextAvailable != nil {
		view.NextAvailable = cal.NextAvailable.Format(dateLayout)
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		api.WriteJSON(w, http.StatusBadRequest, errorView{Error: "invalid JSON body", Code: "bad_request"})
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		api.WriteJSON(w, http.StatusBadRequest, errorView{Error: "user_id is required", Code: "bad_request"})
		return
	}
	if !s.knownHabitation(strings.TrimSpace(body.HabitationID)) {
		api.WriteJSON(w, http.StatusNotFound, errorView{Error: "Unknown habitation.", Code: "unknown_habitation"})
		return
	}

	stay, err := parseStay(body.CheckIn, body.CheckOut)
	if err != nil {
		api.WriteJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Code: "bad_request"})
		return
	}

	res, err := s.engine.CreateReservation(r.Context(), body.UserID, strings.TrimSpace(body.HabitationID), stay)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, s.toReservationView(res))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reservation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.toReservationView(res))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.ConfirmPayment(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.handleGet(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.CancelReservation(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.handleGet(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_schedulers": s.engine.ActiveSchedulers(),
	})
}

// writeEngineError maps engine errors to a status code, a stable code for
// the UI and a user-facing message.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	view := errorView{Error: domain.UserMessage(err), Code: code}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		view.Conflicts = toRangeViews(conflict.Conflicts)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("engine request failed")
	}
	api.WriteJSON(w, status, view)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRange), errors.Is(err, domain.ErrPastCheckIn):
		return http.StatusBadRequest, "invalid_range"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrReservationExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, domain.ErrReservationCanceled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, domain.ErrRejected):
		return http.StatusUnprocessableEntity, "rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
