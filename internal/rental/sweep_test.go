package rental

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func hour(h int) time.Time { return epoch.Add(time.Duration(h) * time.Hour) }

func span(from, to, qty int, state State) Interval {
	return Interval{ID: uuid.New(), Start: hour(from), End: hour(to), Quantity: qty, State: state}
}

func collect(intervals []Interval, start, end time.Time) []Step {
	var out []Step
	for s := range Steps(intervals, start, end) {
		out = append(out, s)
	}
	return out
}

func TestStepsMergesAndClips(t *testing.T) {
	intervals := []Interval{
		span(0, 10, 2, StateConfirmed),
		span(4, 6, 1, StatePending),
		span(6, 8, 1, StateConfirmed),
		span(2, 20, 5, StateCancelled),
	}

	steps := collect(intervals, hour(2), hour(12))
	require.Len(t, steps, 4)
	assert.Equal(t, Step{Start: hour(2), End: hour(4), Load: 2}, steps[0])
	assert.Equal(t, Step{Start: hour(4), End: hour(8), Load: 3}, steps[1])
	assert.Equal(t, Step{Start: hour(8), End: hour(10), Load: 2}, steps[2])
	assert.Equal(t, Step{Start: hour(10), End: hour(12), Load: 0}, steps[3])
}

func TestStepsEmptyRange(t *testing.T) {
	assert.Empty(t, collect([]Interval{span(0, 5, 1, StateConfirmed)}, hour(3), hour(3)))
	assert.Empty(t, collect(nil, hour(5), hour(3)))
}

func TestStepsStopsEarly(t *testing.T) {
	intervals := []Interval{span(0, 1, 1, StateConfirmed), span(2, 3, 1, StateConfirmed)}
	n := 0
	for range Steps(intervals, hour(0), hour(4)) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestPeakIgnoresExcludedAndCancelled(t *testing.T) {
	a := span(0, 4, 2, StateConfirmed)
	b := span(2, 6, 2, StatePending)
	c := span(0, 6, 9, StateCancelled)
	all := []Interval{a, b, c}

	assert.Equal(t, 4, Peak(all, hour(0), hour(6)))
	assert.Equal(t, 2, Peak(ActiveOverlapping(all, hour(0), hour(6), b.ID), hour(0), hour(6)))
	assert.Equal(t, 0, Peak(all, hour(6), hour(9)))
}

func TestStepsMatchPointwiseLoad(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 15).Draw(t, "n")
		intervals := make([]Interval, 0, n)
		for i := 0; i < n; i++ {
			from := rapid.IntRange(0, 40).Draw(t, "from")
			length := rapid.IntRange(1, 12).Draw(t, "length")
			qty := rapid.IntRange(1, 4).Draw(t, "qty")
			state := rapid.SampledFrom([]State{StatePending, StateConfirmed, StateCancelled}).Draw(t, "state")
			intervals = append(intervals, span(from, from+length, qty, state))
		}
		qFrom := rapid.IntRange(0, 50).Draw(t, "qFrom")
		qTo := rapid.IntRange(qFrom, 55).Draw(t, "qTo")

		steps := collect(intervals, hour(qFrom), hour(qTo))
		if qFrom == qTo {
			if len(steps) != 0 {
				t.Fatalf("empty range produced %d steps", len(steps))
			}
			return
		}

		cursor := hour(qFrom)
		for i, s := range steps {
			if !s.Start.Equal(cursor) {
				t.Fatalf("step %d starts at %v, want %v", i, s.Start, cursor)
			}
			if i > 0 && steps[i-1].Load == s.Load {
				t.Fatalf("steps %d and %d not merged", i-1, i)
			}
			for h := s.Start; h.Before(s.End); h = h.Add(time.Hour) {
				want := 0
				for _, iv := range intervals {
					if iv.Active() && !iv.Start.After(h) && iv.End.After(h) {
						want += iv.Quantity
					}
				}
				if want != s.Load {
					t.Fatalf("load at %v = %d, want %d", h, s.Load, want)
				}
			}
			cursor = s.End
		}
		if !cursor.Equal(hour(qTo)) {
			t.Fatalf("steps end at %v, want %v", cursor, hour(qTo))
		}
	})
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(Invalidf("quantity %d", 0)))
	assert.True(t, IsRejection(&InsufficientAvailabilityError{}))
	assert.True(t, IsRejection(ErrAlreadyCancelled))
	assert.False(t, IsRejection(&InvariantError{}))
	assert.False(t, IsRejection(assert.AnError))
}

func TestReason(t *testing.T) {
	wrapped := fmt.Errorf("request booking: %w", &HasActiveCommitmentsError{})
	assert.Equal(t, "has_active_commitments", Reason(wrapped))
	assert.Equal(t, "not_found", Reason(fmt.Errorf("get: %w", ErrNotFound)))
	assert.Equal(t, "illegal_transition", Reason(&IllegalTransitionError{From: StatusBroken, To: StatusAvailable}))
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "", Reason(&InvariantError{}))
}
