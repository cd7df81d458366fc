package reservation

import (
	"sync"
	"time"

	"lodging/internal/models"
)

// Record is the single owner of one reservation's status.
//
// Two locks are held: ops serializes whole operations (a user confirm and a
// scheduler resolution never interleave around a backend call), mu guards the
// reservation value for cheap observers.
type Record struct {
	ops sync.Mutex

	mu  sync.RWMutex
	res *models.Reservation
}

// NewRecord takes ownership of a copy of r.
func NewRecord(r *models.Reservation) *Record {
	return &Record{res: r.Clone()}
}

// ID returns the reservation id.
func (rec *Record) ID() string {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.res.ID
}

// Status returns the current status.
func (rec *Record) Status() models.ReservationStatus {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.res.Status
}

// Snapshot returns a copy of the reservation.
func (rec *Record) Snapshot() *models.Reservation {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.res.Clone()
}

// Remaining returns the time left until the payment deadline.
func (rec *Record) Remaining(now time.Time) (time.Duration, bool) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.res.Remaining(now)
}

// SettledAt returns the time of the last transition once the reservation is
// terminal. ok is false while it is pending.
func (rec *Record) SettledAt() (time.Time, bool) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if !rec.res.Status.Terminal() {
		return time.Time{}, false
	}
	return rec.res.UpdatedAt, true
}

// SetDeadline records the payment deadline chosen by the scheduler when the
// backend did not send one.
func (rec *Record) SetDeadline(deadline time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.res.PaymentDeadline == nil {
		d := deadline
		rec.res.PaymentDeadline = &d
	}
}

// Apply moves the reservation to `to`. On an illegal edge the status is left
// untouched and the transition error is returned.
func (rec *Record) Apply(to models.ReservationStatus, origin Origin, at time.Time) (*models.Reservation, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := Transition(rec.res.Status, to, origin); err != nil {
		return nil, err
	}
	rec.res.Status = to
	rec.res.UpdatedAt = at
	rec.res.Version++
	return rec.res.Clone(), nil
}

// Exclusive runs fn while holding the record's operation lock.
func (rec *Record) Exclusive(fn func() error) error {
	rec.ops.Lock()
	defer rec.ops.Unlock()
	return fn()
}
