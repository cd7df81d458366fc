package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"lodging/internal/models"

	"github.com/jonboulle/clockwork"
)

// MemoryReservationStore is the in-process fallback store.
type MemoryReservationStore struct {
	reservations sync.Map
	rateLimits   sync.Map
	rateMu       sync.Mutex
	clock        clockwork.Clock
}

func NewMemoryReservationStore(clock clockwork.Clock) *MemoryReservationStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryReservationStore{clock: clock}
}

func (r *MemoryReservationStore) Get(ctx context.Context, id string) (*models.Reservation, error) {
	val, ok := r.reservations.Load(id)
	if !ok {
		return nil, nil
	}
	return val.(*models.Reservation).Clone(), nil
}

func (r *MemoryReservationStore) Save(ctx context.Context, res *models.Reservation) error {
	r.reservations.Store(res.ID, res.Clone())
	return nil
}

func (r *MemoryReservationStore) ListPending(ctx context.Context) ([]*models.Reservation, error) {
	var out []*models.Reservation
	r.reservations.Range(func(_, v any) bool {
		res := v.(*models.Reservation)
		if res.Status == models.StatusPending {
			out = append(out, res.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryReservationStore) Delete(ctx context.Context, id string) error {
	r.reservations.Delete(id)
	return nil
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func (r *MemoryReservationStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	now := r.clock.Now()
	val, ok := r.rateLimits.Load(key)

	var entry *rateLimitEntry
	if !ok {
		entry = &rateLimitEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
	} else {
		entry = val.(*rateLimitEntry)
		if now.After(entry.expiresAt) {
			entry.count = 1
			entry.expiresAt = now.Add(window)
		} else {
			entry.count++
		}
	}

	r.rateLimits.Store(key, entry)
	return entry.count <= limit, nil
}
