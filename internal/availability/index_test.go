package availability

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"lodging/internal/interval"
	"lodging/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jun(d int) time.Time {
	return time.Date(2025, time.June, d, 0, 0, 0, 0, time.UTC)
}

func newTestIndex() *Index {
	logger := zerolog.Nop()
	return NewIndex(clockwork.NewFakeClockAt(jun(1)), &logger)
}

func TestIndex_ConflictScenario(t *testing.T) {
	idx := newTestIndex()
	idx.RefreshRanges("H", []models.ReservedRange{
		{ReservationID: "r1", Range: interval.New(jun(1), jun(5))},
	})

	proposed := interval.New(jun(3), jun(7))
	assert.False(t, idx.IsRangeFree("H", proposed))

	conflicts := idx.Conflicts("H", proposed)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "r1", conflicts[0].ReservationID)
	assert.True(t, conflicts[0].Range.Start.Equal(jun(1)))
	assert.True(t, conflicts[0].Range.End.Equal(jun(5)))

	assert.True(t, idx.IsRangeFree("H", interval.New(jun(5), jun(9))), "checkout day is free for a new check-in")
	assert.True(t, idx.IsRangeFree("other", proposed))
}

func TestIndex_RefreshReplaces(t *testing.T) {
	idx := newTestIndex()
	idx.RefreshRanges("H", []models.ReservedRange{{ReservationID: "r1", Range: interval.New(jun(1), jun(5))}})
	idx.RefreshRanges("H", []models.ReservedRange{{ReservationID: "r2", Range: interval.New(jun(20), jun(25))}})

	assert.Empty(t, idx.Conflicts("H", interval.New(jun(2), jun(3))))
	assert.False(t, idx.IsDayBlocked("H", jun(2)))
	assert.True(t, idx.IsDayBlocked("H", jun(21)))
	assert.Len(t, idx.Ranges("H"), 1)
}

func TestIndex_DeduplicatesReservationIDs(t *testing.T) {
	idx := newTestIndex()
	n := idx.RefreshRanges("H", []models.ReservedRange{
		{ReservationID: "r1", Range: interval.New(jun(1), jun(5))},
		{ReservationID: "r1", Range: interval.New(jun(10), jun(12))},
		{ReservationID: "r2", Range: interval.New(jun(14), jun(15))},
	})

	assert.Equal(t, 2, n)
	ranges := idx.Ranges("H")
	require.Len(t, ranges, 2)
	assert.Equal(t, "r1", ranges[0].ReservationID)
	assert.True(t, ranges[0].Range.Start.Equal(jun(10)), "last occurrence wins")
}

func TestIndex_RefreshDropsBadRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	idx := NewIndex(clockwork.NewFakeClockAt(jun(1)), &logger)

	n := idx.Refresh("H", []models.RawReservedRange{
		{ReservationID: "ok-fraction", CheckIn: "2025-06-01T00:00:00.000Z", CheckOut: "2025-06-03T00:00:00.000Z"},
		{ReservationID: "ok-plain", CheckIn: "2025-06-10T00:00:00Z", CheckOut: "2025-06-12T00:00:00Z"},
		{ReservationID: "bad-in", CheckIn: "not a date", CheckOut: "2025-06-12T00:00:00Z"},
		{ReservationID: "bad-out", CheckIn: "2025-06-20T00:00:00Z", CheckOut: ""},
		{ReservationID: "inverted", CheckIn: "2025-06-25T00:00:00Z", CheckOut: "2025-06-24T00:00:00Z"},
	})

	assert.Equal(t, 2, n)
	assert.True(t, idx.IsDayBlocked("H", jun(2)))
	assert.True(t, idx.IsDayBlocked("H", jun(11)))
	assert.False(t, idx.IsDayBlocked("H", jun(20)))
	assert.Contains(t, buf.String(), "bad-in")
	assert.Contains(t, buf.String(), "bad-out")
	assert.Contains(t, buf.String(), "inverted")
}

func TestIndex_IsDayBlocked(t *testing.T) {
	idx := newTestIndex()
	idx.RefreshRanges("H", []models.ReservedRange{
		{ReservationID: "r1", Range: interval.New(jun(1), jun(5))},
		{ReservationID: "r2", Range: interval.New(jun(10).Add(15*time.Hour), jun(12).Add(11*time.Hour))},
	})

	for d := 1; d <= 4; d++ {
		assert.True(t, idx.IsDayBlocked("H", jun(d)), "day %d", d)
	}
	assert.False(t, idx.IsDayBlocked("H", jun(5)))
	assert.True(t, idx.IsDayBlocked("H", jun(3).Add(13*time.Hour)), "any instant of a blocked day")

	assert.True(t, idx.IsDayBlocked("H", jun(10)))
	assert.True(t, idx.IsDayBlocked("H", jun(11)))
	assert.True(t, idx.IsDayBlocked("H", jun(12)), "checkout at 11:00 still occupies the day")
	assert.False(t, idx.IsDayBlocked("H", jun(13)))

	assert.False(t, idx.IsDayBlocked("unknown", jun(1)))
}

func TestIndex_DayViewAgreesWithRangeCheck(t *testing.T) {
	idx := newTestIndex()
	idx.RefreshRanges("H", []models.ReservedRange{
		{ReservationID: "overnight", Range: interval.New(jun(1).Add(14*time.Hour), jun(2).Add(10*time.Hour))},
		{ReservationID: "same-day", Range: interval.New(jun(10).Add(9*time.Hour), jun(10).Add(17*time.Hour))},
		{ReservationID: "midnight", Range: interval.New(jun(20), jun(22))},
	})

	for d := 1; d <= 25; d++ {
		whole := interval.New(jun(d), jun(d+1))
		assert.Equal(t, !idx.IsRangeFree("H", whole), idx.IsDayBlocked("H", jun(d)), "day %d", d)
	}
	assert.True(t, idx.IsDayBlocked("H", jun(2)))
	assert.True(t, idx.IsDayBlocked("H", jun(10)), "a same-day range blocks its day")
	assert.False(t, idx.IsDayBlocked("H", jun(22)))

	day, ok := idx.NextAvailableDay("H", jun(1), 30)
	require.True(t, ok)
	assert.True(t, day.Equal(jun(3)))
}

func TestIndex_NextAvailableDay(t *testing.T) {
	idx := newTestIndex()
	idx.RefreshRanges("H", []models.ReservedRange{
		{ReservationID: "r1", Range: interval.New(jun(1), jun(5))},
		{ReservationID: "r2", Range: interval.New(jun(5), jun(8))},
	})

	day, ok := idx.NextAvailableDay("H", jun(2), 30)
	assert.True(t, ok)
	assert.True(t, day.Equal(jun(8)))

	_, ok = idx.NextAvailableDay("H", jun(2), 3)
	assert.False(t, ok)

	day, ok = idx.NextAvailableDay("empty", jun(2), 3)
	assert.True(t, ok)
	assert.True(t, day.Equal(jun(2)))
}

func TestIndex_Lifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(jun(1))
	logger := zerolog.Nop()
	idx := NewIndex(clock, &logger)

	assert.False(t, idx.Populated("H"))
	assert.Equal(t, State{}, idx.State("H"))

	idx.Invalidate("H")
	assert.False(t, idx.Populated("H"))

	idx.RefreshRanges("H", nil)
	assert.True(t, idx.Populated("H"))
	state := idx.State("H")
	assert.False(t, state.Stale)
	assert.True(t, state.FetchedAt.Equal(jun(1)))

	idx.RefreshRanges("H", []models.ReservedRange{{ReservationID: "r1", Range: interval.New(jun(1), jun(5))}})
	idx.Invalidate("H")
	state = idx.State("H")
	assert.True(t, state.Stale)
	assert.Equal(t, 1, state.Ranges)
	assert.False(t, idx.IsRangeFree("H", interval.New(jun(2), jun(3))), "stale data is still served")

	idx.Clear("H")
	assert.False(t, idx.Populated("H"))
	assert.True(t, idx.IsRangeFree("H", interval.New(jun(2), jun(3))))
}

func TestIndex_InvalidateDuringFetch(t *testing.T) {
	idx := newTestIndex()
	raw := []models.RawReservedRange{{ReservationID: "r1", CheckIn: "2025-06-01", CheckOut: "2025-06-05"}}

	gen := idx.Generation("H")
	idx.Invalidate("H")
	assert.Equal(t, 1, idx.RefreshSince("H", raw, gen))

	state := idx.State("H")
	assert.True(t, state.Populated, "late data is kept for fallback answers")
	assert.True(t, state.Stale, "an invalidation during the fetch wins")
	assert.False(t, idx.IsRangeFree("H", interval.New(jun(2), jun(3))))

	gen = idx.Generation("H")
	idx.RefreshSince("H", raw, gen)
	assert.False(t, idx.State("H").Stale)
}

func TestIndex_RefreshSinceRacingInvalidate(t *testing.T) {
	idx := newTestIndex()
	raw := []models.RawReservedRange{{ReservationID: "r1", CheckIn: "2025-06-01", CheckOut: "2025-06-05"}}

	for n := 0; n < 200; n++ {
		gen := idx.Generation("H")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			idx.RefreshSince("H", raw, gen)
		}()
		go func() {
			defer wg.Done()
			idx.Invalidate("H")
		}()
		wg.Wait()
		require.True(t, idx.State("H").Stale, "iteration %d left a fresh snapshot after invalidate", n)
	}
}

func TestIndex_ConcurrentReadsDuringRefresh(t *testing.T) {
	idx := newTestIndex()
	a := []models.ReservedRange{
		{ReservationID: "a1", Range: interval.New(jun(1), jun(3))},
		{ReservationID: "a2", Range: interval.New(jun(3), jun(5))},
	}
	b := []models.ReservedRange{
		{ReservationID: "b1", Range: interval.New(jun(20), jun(22))},
		{ReservationID: "b2", Range: interval.New(jun(22), jun(24))},
	}
	idx.RefreshRanges("H", a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 500; n++ {
			if n%2 == 0 {
				idx.RefreshRanges("H", b)
			} else {
				idx.RefreshRanges("H", a)
			}
		}
		close(stop)
	}()

	mixed := false
	for {
		select {
		case <-stop:
			wg.Wait()
			assert.False(t, mixed, "reader observed a mix of two snapshots")
			return
		default:
		}
		ranges := idx.Ranges("H")
		if len(ranges) != 2 || ranges[0].ReservationID[0] != ranges[1].ReservationID[0] {
			mixed = true
		}
	}
}
