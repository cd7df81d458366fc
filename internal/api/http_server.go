package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lodging/internal/config"
	"lodging/internal/domain"
	"lodging/internal/models"
	"lodging/internal/timeutil"

	"github.com/rs/zerolog"
)

// Store is what the reference backend serves from.
type Store interface {
	domain.Backend
	ListByUser(ctx context.Context, userID string) ([]*models.Reservation, error)
	Ping(ctx context.Context) error
}

// HTTPServer is the reference authoritative reservation backend.
type HTTPServer struct {
	cfg    config.APIConfig
	store  Store
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, store Store, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "api").Logger()

	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, store: store, logger: &l}
	srv.auth = NewHTTPAuth(cfg, ReservationPermissions, &l)

	mux.HandleFunc("GET /api/v1/habitations/{id}/reservations", srv.handleReservedRanges)
	mux.HandleFunc("POST /api/v1/reservations", srv.handleCreate)
	mux.HandleFunc("GET /api/v1/reservations/{id}/expiration", srv.handleExpiration)
	mux.HandleFunc("GET /api/v1/users/{id}/reservations", srv.handleUserReservations)
	mux.HandleFunc("POST /api/v1/reservations/{id}/confirm", srv.handleConfirm)
	mux.HandleFunc("POST /api/v1/reservations/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	handler := LoggingMiddleware(&l, RecoverMiddleware(&l, srv.auth.Wrap(mux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleReservedRanges(w http.ResponseWriter, r *http.Request) {
	habitationID := strings.TrimSpace(r.PathValue("id"))
	if habitationID == "" {
		WriteError(w, http.StatusBadRequest, "habitation id is required")
		return
	}

	ranges, err := s.store.FetchReservedRanges(r.Context(), habitationID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, models.ReservedRangesResponse{HabitationID: habitationID, Reservations: ranges})
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.CreateReservationPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(body.UserID) == "" || strings.TrimSpace(body.HabitationID) == "" {
		WriteError(w, http.StatusBadRequest, "user_id and habitation_id are required")
		return
	}
	checkIn, err := timeutil.ParseLenient(body.CheckIn)
	if err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid check_in: %v", err))
		return
	}
	checkOut, err := timeutil.ParseLenient(body.CheckOut)
	if err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid check_out: %v", err))
		return
	}

	result, err := s.store.CreateReservation(r.Context(), models.CreateRequest{
		UserID:       body.UserID,
		HabitationID: body.HabitationID,
		CheckIn:      checkIn,
		CheckOut:     checkOut,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := models.CreateReservationResponse{ID: result.ID, Status: result.Status}
	if result.PaymentDeadline != nil {
		resp.PaymentDeadline = result.PaymentDeadline.UTC().Format(time.RFC3339Nano)
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (s *HTTPServer) handleExpiration(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.CheckExpiration(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, models.ExpirationResponse{StillPending: st.StillPending, Status: st.Status})
}

func (s *HTTPServer) handleUserReservations(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("id"))
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user id is required")
		return
	}

	list, err := s.store.ListByUser(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := models.UserReservationsResponse{UserID: userID, Reservations: make([]models.UserReservation, 0, len(list))}
	for _, res := range list {
		item := models.UserReservation{
			ID:           res.ID,
			HabitationID: res.HabitationID,
			CheckIn:      timeutil.Format(res.Range.Start),
			CheckOut:     timeutil.Format(res.Range.End),
			Status:       res.Status,
		}
		if res.PaymentDeadline != nil {
			item.PaymentDeadline = res.PaymentDeadline.UTC().Format(time.RFC3339Nano)
		}
		resp.Reservations = append(resp.Reservations, item)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.store.ConfirmReservation)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.store.CancelReservation)
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (models.ReservationStatus, error)) {
	status, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, models.StatusResponse{Status: status})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) writeStoreError(w http.ResponseWriter, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		raw := make([]models.RawReservedRange, 0, len(conflict.Conflicts))
		for _, c := range conflict.Conflicts {
			raw = append(raw, models.RawReservedRange{
				ReservationID: c.ReservationID,
				CheckIn:       timeutil.Format(c.Range.Start),
				CheckOut:      timeutil.Format(c.Range.End),
			})
		}
		WriteJSON(w, http.StatusConflict, models.ConflictResponse{Error: domain.ErrConflict.Error(), Conflicts: raw})
	case errors.Is(err, domain.ErrReservationNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRange):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("store request failed")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
