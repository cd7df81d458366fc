// Package availability keeps a per-habitation index of reserved ranges.
//
// Each habitation owns an immutable snapshot built from a full fetch. Refresh
// builds a new snapshot and swaps it in with a single atomic store, so readers
// observe either the previous set or the new one.
package availability

import (
	"sync"
	"sync/atomic"
	"time"

	"lodging/internal/interval"
	"lodging/internal/models"
	"lodging/internal/timeutil"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type snapshot struct {
	ranges    []models.ReservedRange
	blocked   map[time.Time]struct{}
	fetchedAt time.Time
	stale     bool
}

// entry holds the current snapshot and the invalidation generation. gen is
// bumped by every Invalidate, before the snapshot is marked stale.
type entry struct {
	gen  atomic.Uint64
	snap atomic.Pointer[snapshot]
}

// markStale swaps in a stale copy of the current snapshot.
func (e *entry) markStale() {
	for {
		cur := e.snap.Load()
		if cur == nil || cur.stale {
			return
		}
		next := *cur
		next.stale = true
		if e.snap.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// State describes the snapshot held for a habitation.
type State struct {
	Populated bool
	Stale     bool
	FetchedAt time.Time
	Ranges    int
}

type Index struct {
	entries sync.Map // habitation id -> *entry
	clock   clockwork.Clock
	logger  *zerolog.Logger
}

func NewIndex(clock clockwork.Clock, logger *zerolog.Logger) *Index {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "availability_index").Logger()
	return &Index{clock: clock, logger: &l}
}

func (i *Index) slot(habitationID string) *entry {
	if v, ok := i.entries.Load(habitationID); ok {
		return v.(*entry)
	}
	actual, _ := i.entries.LoadOrStore(habitationID, &entry{})
	return actual.(*entry)
}

func (i *Index) load(habitationID string) *snapshot {
	v, ok := i.entries.Load(habitationID)
	if !ok {
		return nil
	}
	return v.(*entry).snap.Load()
}

// Generation returns the invalidation generation of habitationID. Capture it
// before fetching and hand it to RefreshSince.
func (i *Index) Generation(habitationID string) uint64 {
	return i.slot(habitationID).gen.Load()
}

// Refresh replaces the stored set for habitationID with ranges parsed from
// wire records. Records with unparseable or inverted timestamps are dropped
// with a warning; the rest of the batch is kept. It returns the number of
// ranges stored.
func (i *Index) Refresh(habitationID string, raw []models.RawReservedRange) int {
	return i.RefreshRanges(habitationID, i.parse(habitationID, raw))
}

// RefreshSince is Refresh for data fetched after Generation returned gen.
// When the habitation was invalidated in the meantime the data is still
// stored, for fallback answers, but it stays stale.
func (i *Index) RefreshSince(habitationID string, raw []models.RawReservedRange, gen uint64) int {
	return i.store(habitationID, i.parse(habitationID, raw), gen)
}

// RefreshRanges replaces the stored set with already parsed ranges.
func (i *Index) RefreshRanges(habitationID string, ranges []models.ReservedRange) int {
	return i.store(habitationID, ranges, i.Generation(habitationID))
}

func (i *Index) parse(habitationID string, raw []models.RawReservedRange) []models.ReservedRange {
	ranges := make([]models.ReservedRange, 0, len(raw))
	for _, rec := range raw {
		start, err := timeutil.ParseLenient(rec.CheckIn)
		if err != nil {
			i.logger.Warn().Err(err).Str("habitation_id", habitationID).Str("reservation_id", rec.ReservationID).Msg("dropping reserved range: bad check_in")
			continue
		}
		end, err := timeutil.ParseLenient(rec.CheckOut)
		if err != nil {
			i.logger.Warn().Err(err).Str("habitation_id", habitationID).Str("reservation_id", rec.ReservationID).Msg("dropping reserved range: bad check_out")
			continue
		}
		ranges = append(ranges, models.ReservedRange{ReservationID: rec.ReservationID, Range: interval.New(start, end)})
	}
	return ranges
}

// store swaps in a snapshot of ranges. The generation is checked again after
// the swap: an Invalidate that bumped it in between may have marked the old
// snapshot instead of this one.
func (i *Index) store(habitationID string, ranges []models.ReservedRange, gen uint64) int {
	e := i.slot(habitationID)
	snap := i.build(habitationID, ranges)
	snap.stale = e.gen.Load() != gen
	stale := snap.stale
	e.snap.Store(snap)
	if !stale && e.gen.Load() != gen {
		e.markStale()
		stale = true
	}
	i.logger.Debug().Str("habitation_id", habitationID).Int("ranges", len(snap.ranges)).Int("blocked_days", len(snap.blocked)).Bool("stale", stale).Msg("index refreshed")
	return len(snap.ranges)
}

func (i *Index) build(habitationID string, ranges []models.ReservedRange) *snapshot {
	byID := make(map[string]int, len(ranges))
	kept := make([]models.ReservedRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.Range.Valid() {
			i.logger.Warn().Str("habitation_id", habitationID).Str("reservation_id", r.ReservationID).Str("range", r.Range.String()).Msg("dropping reserved range: check_out not after check_in")
			continue
		}
		if r.ReservationID != "" {
			if pos, dup := byID[r.ReservationID]; dup {
				kept[pos] = r
				continue
			}
			byID[r.ReservationID] = len(kept)
		}
		kept = append(kept, r)
	}

	blocked := make(map[time.Time]struct{})
	for _, r := range kept {
		for day := range interval.DayBuckets(r.Range) {
			blocked[day] = struct{}{}
		}
	}

	return &snapshot{ranges: kept, blocked: blocked, fetchedAt: i.clock.Now()}
}

// IsRangeFree reports whether no stored range overlaps proposed.
func (i *Index) IsRangeFree(habitationID string, proposed interval.DateRange) bool {
	snap := i.load(habitationID)
	if snap == nil {
		return true
	}
	for _, r := range snap.ranges {
		if interval.Overlaps(r.Range, proposed) {
			return false
		}
	}
	return true
}

// Conflicts returns every stored range overlapping proposed.
func (i *Index) Conflicts(habitationID string, proposed interval.DateRange) []models.ReservedRange {
	snap := i.load(habitationID)
	if snap == nil {
		return nil
	}
	var out []models.ReservedRange
	for _, r := range snap.ranges {
		if interval.Overlaps(r.Range, proposed) {
			out = append(out, r)
		}
	}
	return out
}

// IsDayBlocked looks the day up in the precomputed blocked-day set. A day is
// blocked exactly when the whole-day range starting on it is not free.
func (i *Index) IsDayBlocked(habitationID string, day time.Time) bool {
	snap := i.load(habitationID)
	if snap == nil {
		return false
	}
	_, blocked := snap.blocked[interval.StartOfDay(day)]
	return blocked
}

// NextAvailableDay returns the first unblocked day at or after from.
func (i *Index) NextAvailableDay(habitationID string, from time.Time, horizonDays int) (time.Time, bool) {
	snap := i.load(habitationID)
	if snap == nil {
		return interval.NextAvailable(from, nil, horizonDays)
	}
	return interval.NextAvailable(from, snap.blocked, horizonDays)
}

// Ranges returns a copy of the stored ranges.
func (i *Index) Ranges(habitationID string) []models.ReservedRange {
	snap := i.load(habitationID)
	if snap == nil {
		return nil
	}
	return append([]models.ReservedRange(nil), snap.ranges...)
}

// Populated reports whether a snapshot exists for habitationID.
func (i *Index) Populated(habitationID string) bool {
	return i.load(habitationID) != nil
}

// State describes the current snapshot.
func (i *Index) State(habitationID string) State {
	snap := i.load(habitationID)
	if snap == nil {
		return State{}
	}
	return State{Populated: true, Stale: snap.stale, FetchedAt: snap.fetchedAt, Ranges: len(snap.ranges)}
}

// Invalidate marks the snapshot stale while keeping its data for fallback
// answers. The next availability check refetches, and a fetch that was
// already in flight stores its result as stale.
func (i *Index) Invalidate(habitationID string) {
	e := i.slot(habitationID)
	e.gen.Add(1)
	e.markStale()
}

// Clear discards the snapshot for habitationID.
func (i *Index) Clear(habitationID string) {
	i.entries.Delete(habitationID)
}
