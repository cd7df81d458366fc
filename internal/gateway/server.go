// Package gateway serves the engine to the booking UI over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lodging/internal/api"
	"lodging/internal/config"
	"lodging/internal/interval"
	"lodging/internal/models"
	"lodging/internal/service"

	"github.com/rs/zerolog"
)

// Engine is the part of service.AvailabilityService the gateway uses.
type Engine interface {
	CheckDateRangeAvailability(ctx context.Context, habitationID string, proposed interval.DateRange) (*service.Availability, error)
	Calendar(ctx context.Context, habitationID string, from time.Time, days int) (*service.Calendar, error)
	CreateReservation(ctx context.Context, userID, habitationID string, proposed interval.DateRange) (*models.Reservation, error)
	ConfirmPayment(ctx context.Context, reservationID string) error
	CancelReservation(ctx context.Context, reservationID string) error
	Reservation(ctx context.Context, id string) (*models.Reservation, error)
	ActiveSchedulers() int
}

type Server struct {
	cfg         config.APIConfig
	engine      Engine
	habitations map[string]config.HabitationConfig
	now         func() time.Time
	server      *http.Server
	logger      *zerolog.Logger
}

// Permissions maps availability reads to read:availability and
// reservation calls to the reservation permissions.
func Permissions(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/api/v1/habitations/") {
		return api.PermReadAvailability
	}
	return api.ReservationPermissions(r)
}

// NewServer builds the gateway. When habitations is empty every habitation
// id is accepted.
func NewServer(cfg config.APIConfig, engine Engine, habitations []config.HabitationConfig, now func() time.Time, logger *zerolog.Logger) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if now == nil {
		now = time.Now
	}
	l := logger.With().Str("component", "gateway").Logger()

	s := &Server{
		cfg:         cfg,
		engine:      engine,
		habitations: make(map[string]config.HabitationConfig, len(habitations)),
		now:         now,
		logger:      &l,
	}
	for _, h := range habitations {
		s.habitations[strings.TrimSpace(h.ID)] = h
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/habitations", s.handleHabitations)
	mux.HandleFunc("GET /api/v1/habitations/{id}/availability", s.handleAvailability)
	mux.HandleFunc("GET /api/v1/habitations/{id}/calendar", s.handleCalendar)
	mux.HandleFunc("POST /api/v1/reservations", s.handleCreate)
	mux.HandleFunc("GET /api/v1/reservations/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/reservations/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/reservations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	auth := api.NewHTTPAuth(cfg, Permissions, &l)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.LoggingMiddleware(&l, api.RecoverMiddleware(&l, auth.Wrap(mux))),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Gateway listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) knownHabitation(id string) bool {
	if len(s.habitations) == 0 {
		return id != ""
	}
	_, ok := s.habitations[id]
	return ok
}
