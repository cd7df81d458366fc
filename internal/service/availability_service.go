package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lodging/internal/availability"
	"lodging/internal/domain"
	"lodging/internal/events"
	"lodging/internal/interval"
	"lodging/internal/metrics"
	"lodging/internal/models"
	"lodging/internal/reservation"
	"lodging/internal/scheduler"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type Config struct {
	PaymentWindow            time.Duration
	PollInterval             time.Duration
	IndexMaxAge              time.Duration
	NextAvailableHorizonDays int
	CreateLimit              int
	CreateLimitWindow        time.Duration
	// SettledRetention is how long a settled reservation stays tracked in
	// memory. Later lookups go to the store.
	SettledRetention time.Duration
}

// Availability is the answer to an availability check. Advisory is set when
// the answer came from an index the service could not refresh.
type Availability struct {
	HabitationID string
	Range        interval.DateRange
	Available    bool
	Conflicts    []models.ReservedRange
	Advisory     *domain.StaleDataAdvisory
}

// CalendarDay is one cell of a habitation calendar.
type CalendarDay struct {
	Date    time.Time
	Blocked bool
}

type Calendar struct {
	HabitationID  string
	Days          []CalendarDay
	NextAvailable *time.Time
	Advisory      *domain.StaleDataAdvisory
}

// AvailabilityService is the entry point used by the UI layer. It owns the
// availability index, one reservation.Record per tracked reservation and the
// deadline scheduler, and implements scheduler.Sink.
type AvailabilityService struct {
	backend  domain.Backend
	store    domain.ReservationStore
	limiter  domain.RateLimitStore
	eventBus domain.EventPublisher
	index    *availability.Index
	sched    *scheduler.DeadlineScheduler
	clock    clockwork.Clock
	cfg      Config
	logger   *zerolog.Logger

	records   sync.Map // reservation id -> *reservation.Record
	lastSweep atomic.Int64
}

func NewAvailabilityService(backend domain.Backend, store domain.ReservationStore, eventBus domain.EventPublisher, clock clockwork.Clock, cfg Config, logger *zerolog.Logger) *AvailabilityService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.IndexMaxAge <= 0 {
		cfg.IndexMaxAge = models.DefaultIndexMaxAge
	}
	if cfg.NextAvailableHorizonDays <= 0 {
		cfg.NextAvailableHorizonDays = models.DefaultNextAvailableHorizonDays
	}
	if cfg.CreateLimitWindow <= 0 {
		cfg.CreateLimitWindow = time.Minute
	}
	if cfg.SettledRetention <= 0 {
		cfg.SettledRetention = models.DefaultSettledRetention
	}
	l := logger.With().Str("component", "availability_service").Logger()

	s := &AvailabilityService{
		backend:  backend,
		store:    store,
		eventBus: eventBus,
		index:    availability.NewIndex(clock, logger),
		clock:    clock,
		cfg:      cfg,
		logger:   &l,
	}
	s.sched = scheduler.New(scheduler.Config{
		PaymentWindow: cfg.PaymentWindow,
		PollInterval:  cfg.PollInterval,
	}, backend, clock, logger)
	s.sched.SetSink(s)
	return s
}

// SetRateLimiter enables the per-user limit on reservation attempts.
func (s *AvailabilityService) SetRateLimiter(limiter domain.RateLimitStore) {
	s.limiter = limiter
}

func (s *AvailabilityService) validate(proposed interval.DateRange) error {
	if !proposed.Valid() {
		return domain.ErrInvalidRange
	}
	if proposed.Start.Before(interval.StartOfDay(s.clock.Now())) {
		return domain.ErrPastCheckIn
	}
	return nil
}

// ensureIndex refetches the habitation's reserved ranges when the index is
// missing, invalidated or older than IndexMaxAge. A failed fetch over a
// populated index yields an advisory instead of an error.
func (s *AvailabilityService) ensureIndex(ctx context.Context, habitationID string) (*domain.StaleDataAdvisory, error) {
	gen := s.index.Generation(habitationID)
	state := s.index.State(habitationID)
	if state.Populated && !state.Stale && s.clock.Since(state.FetchedAt) <= s.cfg.IndexMaxAge {
		return nil, nil
	}

	raw, err := s.backend.FetchReservedRanges(ctx, habitationID)
	if err != nil {
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
		}
		if state.Populated {
			s.logger.Warn().Err(err).Str("habitation_id", habitationID).Time("fetched_at", state.FetchedAt).Msg("serving availability from stale index")
			return &domain.StaleDataAdvisory{FetchedAt: state.FetchedAt, Cause: err}, nil
		}
		return nil, err
	}

	s.index.RefreshSince(habitationID, raw, gen)
	return nil, nil
}

// CheckDateRangeAvailability reports whether proposed is free for the habitation.
func (s *AvailabilityService) CheckDateRangeAvailability(ctx context.Context, habitationID string, proposed interval.DateRange) (*Availability, error) {
	if err := s.validate(proposed); err != nil {
		return nil, err
	}

	advisory, err := s.ensureIndex(ctx, habitationID)
	if err != nil {
		metrics.IncAvailabilityCheck("error")
		return nil, err
	}

	conflicts := s.index.Conflicts(habitationID, proposed)
	out := &Availability{
		HabitationID: habitationID,
		Range:        proposed,
		Available:    len(conflicts) == 0,
		Conflicts:    conflicts,
		Advisory:     advisory,
	}

	switch {
	case advisory != nil:
		metrics.IncAvailabilityCheck("stale")
	case out.Available:
		metrics.IncAvailabilityCheck("free")
	default:
		metrics.IncAvailabilityCheck("taken")
	}
	return out, nil
}

// IsDayBlocked answers from the index without contacting the backend.
func (s *AvailabilityService) IsDayBlocked(habitationID string, day time.Time) bool {
	return s.index.IsDayBlocked(habitationID, day)
}

// NextAvailableDay returns the first free day at or after from.
func (s *AvailabilityService) NextAvailableDay(ctx context.Context, habitationID string, from time.Time) (time.Time, bool, error) {
	if _, err := s.ensureIndex(ctx, habitationID); err != nil {
		return time.Time{}, false, err
	}
	day, ok := s.index.NextAvailableDay(habitationID, from, s.cfg.NextAvailableHorizonDays)
	return day, ok, nil
}

// Calendar returns the blocked flag for each of the days starting at from.
func (s *AvailabilityService) Calendar(ctx context.Context, habitationID string, from time.Time, days int) (*Calendar, error) {
	if days <= 0 {
		days = models.DefaultCalendarDays
	}
	if days > models.MaxCalendarDays {
		days = models.MaxCalendarDays
	}

	advisory, err := s.ensureIndex(ctx, habitationID)
	if err != nil {
		return nil, err
	}

	first := interval.StartOfDay(from)
	cal := &Calendar{HabitationID: habitationID, Days: make([]CalendarDay, 0, days), Advisory: advisory}
	for day := range interval.DayBuckets(interval.New(first, first.AddDate(0, 0, days))) {
		cal.Days = append(cal.Days, CalendarDay{Date: day, Blocked: s.index.IsDayBlocked(habitationID, day)})
	}
	if next, ok := s.index.NextAvailableDay(habitationID, from, s.cfg.NextAvailableHorizonDays); ok {
		cal.NextAvailable = &next
	}
	return cal, nil
}

// CreateReservation submits a hold to the backend and starts the payment
// deadline scheduler for it.
func (s *AvailabilityService) CreateReservation(ctx context.Context, userID, habitationID string, proposed interval.DateRange) (*models.Reservation, error) {
	if err := s.validate(proposed); err != nil {
		return nil, err
	}
	if err := s.checkCreateLimit(ctx, userID); err != nil {
		return nil, err
	}

	state := s.index.State(habitationID)
	if state.Populated && !state.Stale {
		if conflicts := s.index.Conflicts(habitationID, proposed); len(conflicts) > 0 {
			return nil, &domain.ConflictError{Conflicts: conflicts}
		}
	}

	result, err := s.backend.CreateReservation(ctx, models.CreateRequest{
		UserID:       userID,
		HabitationID: habitationID,
		CheckIn:      proposed.Start,
		CheckOut:     proposed.End,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, s.explainConflict(habitationID, proposed, err)
		}
		return nil, err
	}

	now := s.clock.Now()
	res := &models.Reservation{
		ID:              result.ID,
		HabitationID:    habitationID,
		UserID:          userID,
		Range:           proposed,
		Status:          result.Status,
		PaymentDeadline: result.PaymentDeadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !res.Status.Valid() {
		res.Status = models.StatusPending
	}

	s.sweepSettled()
	rec := reservation.NewRecord(res)
	s.records.Store(res.ID, rec)
	if res.Status == models.StatusPending {
		if deadline, ok := s.sched.Attach(res); ok {
			rec.SetDeadline(deadline)
		}
	}

	snap := rec.Snapshot()
	s.persist(ctx, snap)
	s.index.Invalidate(habitationID)
	metrics.IncTransition(string(snap.Status), reservation.OriginBackend.String())
	s.publishEvent(events.EventReservationCreated, snap, reservation.OriginBackend)

	s.logger.Info().
		Str("reservation_id", snap.ID).
		Str("habitation_id", habitationID).
		Str("user_id", userID).
		Str("range", proposed.String()).
		Msg("reservation created")
	return snap, nil
}

// explainConflict builds the conflict error from the local index, or from the
// backend payload when the index has nothing to show. The index is
// invalidated since it disagreed with the backend.
func (s *AvailabilityService) explainConflict(habitationID string, proposed interval.DateRange, cause error) error {
	conflicts := s.index.Conflicts(habitationID, proposed)
	if len(conflicts) == 0 {
		var backendConflict *domain.ConflictError
		if errors.As(cause, &backendConflict) {
			conflicts = backendConflict.Conflicts
		}
	}
	s.index.Invalidate(habitationID)
	s.logger.Info().Str("habitation_id", habitationID).Str("range", proposed.String()).Int("conflicts", len(conflicts)).Msg("backend rejected overlapping reservation")
	return &domain.ConflictError{Conflicts: conflicts}
}

func (s *AvailabilityService) checkCreateLimit(ctx context.Context, userID string) error {
	if s.limiter == nil || s.cfg.CreateLimit <= 0 {
		return nil
	}
	allowed, err := s.limiter.CheckRateLimit(ctx, "create:"+userID, s.cfg.CreateLimit, s.cfg.CreateLimitWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed, allowing request")
		return nil
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}

// ConfirmPayment drives pending -> confirmed through the backend.
func (s *AvailabilityService) ConfirmPayment(ctx context.Context, reservationID string) error {
	rec, err := s.record(ctx, reservationID)
	if err != nil {
		return err
	}

	return rec.Exclusive(func() error {
		if cur := rec.Status(); cur != models.StatusPending {
			return s.desync(reservationID, cur, models.StatusConfirmed)
		}

		status, err := s.backend.ConfirmReservation(ctx, reservationID)
		if err != nil {
			return err
		}

		switch status {
		case models.StatusConfirmed, "":
			return s.apply(ctx, rec, models.StatusConfirmed, reservation.OriginBackend)
		case models.StatusExpired:
			if err := s.apply(ctx, rec, models.StatusExpired, reservation.OriginBackend); err != nil {
				return err
			}
			return domain.ErrReservationExpired
		case models.StatusCancelled:
			if err := s.apply(ctx, rec, models.StatusCancelled, reservation.OriginBackend); err != nil {
				return err
			}
			return domain.ErrReservationCanceled
		default:
			return fmt.Errorf("backend answered confirm of %s with status %q", reservationID, status)
		}
	})
}

// CancelReservation drives pending or confirmed -> cancelled through the backend.
func (s *AvailabilityService) CancelReservation(ctx context.Context, reservationID string) error {
	rec, err := s.record(ctx, reservationID)
	if err != nil {
		return err
	}

	return rec.Exclusive(func() error {
		cur := rec.Status()
		if cur != models.StatusPending && cur != models.StatusConfirmed {
			return s.desync(reservationID, cur, models.StatusCancelled)
		}

		status, err := s.backend.CancelReservation(ctx, reservationID)
		if err != nil {
			return err
		}

		switch status {
		case models.StatusCancelled, "":
			return s.apply(ctx, rec, models.StatusCancelled, reservation.OriginBackend)
		case models.StatusExpired:
			if err := s.apply(ctx, rec, models.StatusExpired, reservation.OriginBackend); err != nil {
				return err
			}
			return domain.ErrReservationExpired
		default:
			return s.desync(reservationID, status, models.StatusCancelled)
		}
	})
}

// desync builds the error returned when the caller asks for a transition the
// reservation can no longer take. It is logged because the UI should not
// have offered the action.
func (s *AvailabilityService) desync(id string, from, to models.ReservationStatus) error {
	err := error(&domain.InvalidTransitionError{From: from, To: to})
	s.logger.Warn().Err(err).Str("reservation_id", id).Msg("rejected transition, UI out of sync")

	switch from {
	case models.StatusExpired:
		return fmt.Errorf("%w: %w", domain.ErrReservationExpired, err)
	case models.StatusCancelled:
		return fmt.Errorf("%w: %w", domain.ErrReservationCanceled, err)
	default:
		return err
	}
}

// Resolve applies a scheduler probe result. Results for a detached or
// replaced attachment are dropped, and an already settled reservation is
// not an error here.
func (s *AvailabilityService) Resolve(ctx context.Context, tok scheduler.Token, status models.ReservationStatus, origin reservation.Origin) error {
	v, ok := s.records.Load(tok.ReservationID)
	if !ok {
		s.sched.Detach(tok.ReservationID)
		return nil
	}
	rec := v.(*reservation.Record)

	return rec.Exclusive(func() error {
		if !s.sched.Valid(tok) {
			s.logger.Debug().Str("reservation_id", tok.ReservationID).Uint64("generation", tok.Generation).Msg("dropping probe result for detached scheduler")
			return nil
		}
		err := s.apply(ctx, rec, status, origin)
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Debug().Err(err).Str("reservation_id", tok.ReservationID).Msg("probe result ignored, reservation already settled")
			s.sched.Detach(tok.ReservationID)
			return nil
		}
		return err
	})
}

// apply runs one transition and its side effects. The caller holds the
// record's Exclusive lock.
func (s *AvailabilityService) apply(ctx context.Context, rec *reservation.Record, to models.ReservationStatus, origin reservation.Origin) error {
	res, err := rec.Apply(to, origin, s.clock.Now())
	if err != nil {
		return err
	}

	s.sched.Detach(res.ID)
	s.persist(context.WithoutCancel(ctx), res)
	s.index.Invalidate(res.HabitationID)
	metrics.IncTransition(string(to), origin.String())

	eventType := map[models.ReservationStatus]string{
		models.StatusConfirmed: events.EventReservationConfirmed,
		models.StatusExpired:   events.EventReservationExpired,
		models.StatusCancelled: events.EventReservationCancelled,
	}[to]
	s.publishEvent(eventType, res, origin)

	s.logger.Info().Str("reservation_id", res.ID).Str("status", string(to)).Str("origin", origin.String()).Msg("reservation transitioned")
	return nil
}

// record returns the tracked record for id, loading it from the store when
// this process has not seen it yet.
func (s *AvailabilityService) record(ctx context.Context, id string) (*reservation.Record, error) {
	if v, ok := s.records.Load(id); ok {
		return v.(*reservation.Record), nil
	}
	if s.store == nil {
		return nil, domain.ErrReservationNotFound
	}
	s.sweepSettled()

	res, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation %s: %w", id, err)
	}
	if res == nil {
		return nil, domain.ErrReservationNotFound
	}
	return s.track(res), nil
}

func (s *AvailabilityService) track(res *models.Reservation) *reservation.Record {
	v, loaded := s.records.LoadOrStore(res.ID, reservation.NewRecord(res))
	rec := v.(*reservation.Record)
	if !loaded && res.Status == models.StatusPending {
		if deadline, ok := s.sched.Attach(res); ok {
			rec.SetDeadline(deadline)
		}
	}
	return rec
}

// sweepSettled forgets records that settled more than SettledRetention ago.
// It runs at most once per half retention.
func (s *AvailabilityService) sweepSettled() int {
	now := s.clock.Now()
	last := s.lastSweep.Load()
	if now.Sub(time.Unix(0, last)) < s.cfg.SettledRetention/2 || !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return 0
	}

	cutoff := now.Add(-s.cfg.SettledRetention)
	evicted := 0
	s.records.Range(func(key, value any) bool {
		at, settled := value.(*reservation.Record).SettledAt()
		if settled && at.Before(cutoff) && s.records.CompareAndDelete(key, value) {
			evicted++
		}
		return true
	})
	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("forgot settled reservations")
	}
	return evicted
}

// Tracked returns the number of reservations held in memory.
func (s *AvailabilityService) Tracked() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Resume re-attaches schedulers for pending reservations found in the store.
func (s *AvailabilityService) Resume(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	for _, res := range pending {
		s.track(res)
	}
	s.logger.Info().Int("count", len(pending)).Msg("resumed pending reservations")
	return len(pending), nil
}

// Reservation returns a snapshot of the reservation.
func (s *AvailabilityService) Reservation(ctx context.Context, id string) (*models.Reservation, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Snapshot(), nil
}

func (s *AvailabilityService) Status(ctx context.Context, id string) (models.ReservationStatus, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status(), nil
}

// RemainingTime returns the time left to pay. ok is false once the
// reservation is no longer pending.
func (s *AvailabilityService) RemainingTime(ctx context.Context, id string) (time.Duration, bool, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return 0, false, err
	}
	left, ok := rec.Remaining(s.clock.Now())
	return left, ok, nil
}

// ActiveSchedulers returns the number of reservations awaiting payment.
func (s *AvailabilityService) ActiveSchedulers() int {
	return s.sched.Active()
}

// Stop detaches every scheduler. Pending reservations stay in the store and
// are picked up by Resume on the next start.
func (s *AvailabilityService) Stop() {
	s.sched.Stop()
}

func (s *AvailabilityService) persist(ctx context.Context, res *models.Reservation) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, res); err != nil {
		s.logger.Error().Err(err).Str("reservation_id", res.ID).Msg("failed to persist reservation")
	}
}

func (s *AvailabilityService) publishEvent(eventType string, res *models.Reservation, origin reservation.Origin) {
	if s.eventBus == nil || eventType == "" {
		return
	}

	payload := events.ReservationEventPayload{
		ReservationID:   res.ID,
		HabitationID:    res.HabitationID,
		UserID:          res.UserID,
		Status:          string(res.Status),
		CheckIn:         res.Range.Start,
		CheckOut:        res.Range.End,
		PaymentDeadline: res.PaymentDeadline,
		Origin:          origin.String(),
	}

	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Str("reservation_id", res.ID).Msg("failed to publish event")
	}
}
