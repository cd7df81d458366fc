// Package scheduler enforces payment windows by polling the backend.
//
// Every attached reservation owns one goroutine holding a periodic ticker
// and a single deadline timer. Results are handed to a Sink together with a
// Token; the token's generation is compared against the live attachment so a
// completion that lands after Detach is dropped.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"lodging/internal/metrics"
	"lodging/internal/models"
	"lodging/internal/reservation"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	ProbePeriodic = "periodic"
	ProbeDeadline = "deadline"
)

// Prober is the authoritative expiration check.
type Prober interface {
	CheckExpiration(ctx context.Context, reservationID string) (*models.ExpirationStatus, error)
}

// Sink applies a probe result. Implementations must call Valid(tok) while
// holding the reservation's lock and ignore the result when it is false.
type Sink interface {
	Resolve(ctx context.Context, tok Token, status models.ReservationStatus, origin reservation.Origin) error
}

// Token identifies one attachment of one reservation.
type Token struct {
	ReservationID string
	Generation    uint64
}

type Config struct {
	PaymentWindow time.Duration
	PollInterval  time.Duration
	ProbeTimeout  time.Duration
}

type attachment struct {
	gen      uint64
	deadline time.Time
	cancel   context.CancelFunc
}

type DeadlineScheduler struct {
	cfg    Config
	prober Prober
	sink   Sink
	clock  clockwork.Clock
	logger *zerolog.Logger

	mu       sync.Mutex
	attached map[string]*attachment
	gen      uint64
	stopped  bool

	wg sync.WaitGroup
}

func New(cfg Config, prober Prober, clock clockwork.Clock, logger *zerolog.Logger) *DeadlineScheduler {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = models.DefaultPaymentWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.PollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "deadline_scheduler").Logger()
	return &DeadlineScheduler{
		cfg:      cfg,
		prober:   prober,
		clock:    clock,
		logger:   &l,
		attached: make(map[string]*attachment),
	}
}

// SetSink wires the result consumer. It must be called before Attach.
func (s *DeadlineScheduler) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Attach starts probing a pending reservation. The deadline is the one the
// backend sent, or now plus the payment window. Attaching an id that is
// already attached is a no-op returning the existing deadline and false.
func (s *DeadlineScheduler) Attach(res *models.Reservation) (time.Time, bool) {
	if res == nil || res.Status != models.StatusPending {
		return time.Time{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return time.Time{}, false
	}
	if a, ok := s.attached[res.ID]; ok {
		return a.deadline, false
	}

	now := s.clock.Now()
	deadline := now.Add(s.cfg.PaymentWindow)
	if res.PaymentDeadline != nil {
		deadline = *res.PaymentDeadline
	}

	s.gen++
	tok := Token{ReservationID: res.ID, Generation: s.gen}
	ctx, cancel := context.WithCancel(context.Background())
	s.attached[res.ID] = &attachment{gen: s.gen, deadline: deadline, cancel: cancel}

	// Clock waiters are registered here, before Attach returns, so a fake
	// clock advanced right after Attach cannot miss them.
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	var (
		timer clockwork.Timer
		fire  <-chan time.Time
	)
	if wait := deadline.Sub(now); wait > 0 {
		timer = s.clock.NewTimer(wait)
		fire = timer.Chan()
	} else {
		due := make(chan time.Time, 1)
		due <- now
		fire = due
	}

	s.wg.Add(1)
	go s.run(ctx, tok, ticker, timer, fire)

	metrics.SetActiveSchedulers(len(s.attached))
	s.logger.Debug().Str("reservation_id", res.ID).Uint64("generation", tok.Generation).Time("deadline", deadline).Msg("scheduler attached")
	return deadline, true
}

func (s *DeadlineScheduler) run(ctx context.Context, tok Token, ticker clockwork.Ticker, timer clockwork.Timer, fire <-chan time.Time) {
	defer s.wg.Done()
	defer ticker.Stop()
	if timer != nil {
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.periodicProbe(ctx, tok)
		case <-fire:
			s.deadlineProbe(ctx, tok)
			s.release(tok)
			return
		}
	}
}

func (s *DeadlineScheduler) check(ctx context.Context, id string) (*models.ExpirationStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	st, err := s.prober.CheckExpiration(probeCtx, id)
	if err == nil && st == nil {
		err = errors.New("empty expiration status")
	}
	return st, err
}

// periodicProbe never expires early: a failed check is retried on the next
// tick, and a "still pending" answer changes nothing.
func (s *DeadlineScheduler) periodicProbe(ctx context.Context, tok Token) {
	st, err := s.check(ctx, tok.ReservationID)
	if !s.Valid(tok) {
		metrics.IncProbe(ProbePeriodic, "detached")
		return
	}
	if err != nil {
		metrics.IncProbe(ProbePeriodic, "error")
		s.logger.Debug().Err(err).Str("reservation_id", tok.ReservationID).Msg("periodic probe failed, retrying next tick")
		return
	}
	if st.StillPending {
		metrics.IncProbe(ProbePeriodic, "pending")
		return
	}
	metrics.IncProbe(ProbePeriodic, "resolved")
	s.deliver(ctx, tok, settled(st), reservation.OriginBackend)
}

// deadlineProbe makes the final authoritative check and falls back to a local
// expiration when the backend still reports pending or cannot be reached.
func (s *DeadlineScheduler) deadlineProbe(ctx context.Context, tok Token) {
	st, err := s.check(ctx, tok.ReservationID)
	if !s.Valid(tok) {
		metrics.IncProbe(ProbeDeadline, "detached")
		return
	}
	switch {
	case err != nil:
		metrics.IncProbe(ProbeDeadline, "forced_expiry")
		s.logger.Warn().Err(err).Str("reservation_id", tok.ReservationID).Msg("deadline probe failed, expiring locally")
		s.deliver(ctx, tok, models.StatusExpired, reservation.OriginLocal)
	case st.StillPending:
		metrics.IncProbe(ProbeDeadline, "forced_expiry")
		s.logger.Info().Str("reservation_id", tok.ReservationID).Msg("payment window elapsed, expiring locally")
		s.deliver(ctx, tok, models.StatusExpired, reservation.OriginLocal)
	default:
		metrics.IncProbe(ProbeDeadline, "resolved")
		s.deliver(ctx, tok, settled(st), reservation.OriginBackend)
	}
}

// settled maps a not-pending answer to a terminal status. A backend that
// omits the status is read as having expired the hold.
func settled(st *models.ExpirationStatus) models.ReservationStatus {
	if st.Status == "" || st.Status == models.StatusPending {
		return models.StatusExpired
	}
	return st.Status
}

func (s *DeadlineScheduler) deliver(ctx context.Context, tok Token, status models.ReservationStatus, origin reservation.Origin) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		s.logger.Error().Str("reservation_id", tok.ReservationID).Msg("no sink wired, dropping probe result")
		return
	}
	if err := sink.Resolve(ctx, tok, status, origin); err != nil {
		s.logger.Error().Err(err).Str("reservation_id", tok.ReservationID).Str("status", status.String()).Msg("failed to apply probe result")
	}
}

// release drops the attachment after its deadline probe unless the sink
// already detached it.
func (s *DeadlineScheduler) release(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attached[tok.ReservationID]; ok && a.gen == tok.Generation {
		a.cancel()
		delete(s.attached, tok.ReservationID)
		metrics.SetActiveSchedulers(len(s.attached))
	}
}

// Valid reports whether tok still names the live attachment.
func (s *DeadlineScheduler) Valid(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attached[tok.ReservationID]
	return ok && a.gen == tok.Generation
}

// Detach stops both probes for id. It does not wait for an in-flight probe;
// that probe's result is discarded by the generation check.
func (s *DeadlineScheduler) Detach(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attached[id]
	if !ok {
		return false
	}
	a.cancel()
	delete(s.attached, id)
	metrics.SetActiveSchedulers(len(s.attached))
	s.logger.Debug().Str("reservation_id", id).Uint64("generation", a.gen).Msg("scheduler detached")
	return true
}

func (s *DeadlineScheduler) Attached(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[id]
	return ok
}

// Active returns the number of attached reservations.
func (s *DeadlineScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Deadline returns the payment deadline of an attached reservation.
func (s *DeadlineScheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attached[id]
	if !ok {
		return time.Time{}, false
	}
	return a.deadline, true
}

// Stop detaches everything and waits for the probe goroutines to exit.
// Attach is a no-op afterwards.
func (s *DeadlineScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, a := range s.attached {
		a.cancel()
		delete(s.attached, id)
	}
	metrics.SetActiveSchedulers(0)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("deadline scheduler stopped")
}
