package repository

import (
	"context"
	"sync/atomic"
	"time"

	"lodging/internal/domain"
	"lodging/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Store is a reservation store that also counts rate-limit hits.
type Store interface {
	domain.ReservationStore
	domain.RateLimitStore
}

const recoveryInterval = time.Minute

// FailoverReservationStore writes to the primary store and switches to the
// fallback when the primary errors. It retries the primary once a minute.
type FailoverReservationStore struct {
	primary   Store
	fallback  Store
	clock     clockwork.Clock
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverReservationStore(primary, fallback Store, clock clockwork.Clock, logger *zerolog.Logger) *FailoverReservationStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FailoverReservationStore{
		primary:  primary,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
	}
}

func (r *FailoverReservationStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary reservation store failed, falling back to memory")
	}
	r.lastCheck.Store(r.clock.Now().UnixNano())
}

// usePrimary reports whether the next call should go to the primary, either
// because it is healthy or because a recovery attempt is due.
func (r *FailoverReservationStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	last := time.Unix(0, r.lastCheck.Load())
	return r.clock.Since(last) > recoveryInterval
}

func (r *FailoverReservationStore) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary reservation store recovered")
	}
}

func (r *FailoverReservationStore) Get(ctx context.Context, id string) (*models.Reservation, error) {
	if r.usePrimary() {
		res, err := r.primary.Get(ctx, id)
		if err == nil {
			r.recovered()
			return res, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, id)
}

func (r *FailoverReservationStore) Save(ctx context.Context, res *models.Reservation) error {
	if r.usePrimary() {
		err := r.primary.Save(ctx, res)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Save(ctx, res)
}

// ListPending merges both stores while the primary is down so reservations
// written during the outage are not lost on resume.
func (r *FailoverReservationStore) ListPending(ctx context.Context) ([]*models.Reservation, error) {
	fromFallback, err := r.fallback.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if !r.usePrimary() {
		return fromFallback, nil
	}

	fromPrimary, err := r.primary.ListPending(ctx)
	if err != nil {
		r.markDown(err)
		return fromFallback, nil
	}
	r.recovered()

	seen := make(map[string]struct{}, len(fromPrimary))
	for _, res := range fromPrimary {
		seen[res.ID] = struct{}{}
	}
	for _, res := range fromFallback {
		if _, ok := seen[res.ID]; !ok {
			fromPrimary = append(fromPrimary, res)
		}
	}
	return fromPrimary, nil
}

func (r *FailoverReservationStore) Delete(ctx context.Context, id string) error {
	if err := r.fallback.Delete(ctx, id); err != nil {
		return err
	}
	if r.usePrimary() {
		err := r.primary.Delete(ctx, id)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return nil
}

func (r *FailoverReservationStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			r.recovered()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
