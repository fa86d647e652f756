// internal/rental/sweep.go
package rental

import (
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Step is a sub-range of a query with constant committed load.
type Step struct {
	Start time.Time
	End   time.Time
	Load  int
}

type edge struct {
	at    time.Time
	delta int
}

// Steps sweeps the active intervals across [start, end) and yields
// consecutive steps covering the whole range. Adjacent steps with equal load
// are merged, so every yielded step is maximal. An empty range yields nothing.
func Steps(intervals []Interval, start, end time.Time) iter.Seq[Step] {
	return func(yield func(Step) bool) {
		if !end.After(start) {
			return
		}

		edges := make([]edge, 0, 2*len(intervals))
		for _, iv := range intervals {
			if !iv.Active() || !iv.Overlaps(start, end) {
				continue
			}
			from, to := iv.Start, iv.End
			if from.Before(start) {
				from = start
			}
			if to.After(end) {
				to = end
			}
			edges = append(edges, edge{at: from, delta: iv.Quantity}, edge{at: to, delta: -iv.Quantity})
		}
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].at.Before(edges[j].at) })

		var (
			pending Step
			have    bool
		)
		emit := func(from, to time.Time, load int) bool {
			if !to.After(from) {
				return true
			}
			if have && pending.Load == load {
				pending.End = to
				return true
			}
			if have && !yield(pending) {
				return false
			}
			pending, have = Step{Start: from, End: to, Load: load}, true
			return true
		}

		cur, load := start, 0
		for i := 0; i < len(edges); {
			at := edges[i].at
			if !emit(cur, at, load) {
				return
			}
			for i < len(edges) && edges[i].at.Equal(at) {
				load += edges[i].delta
				i++
			}
			cur = at
		}
		if !emit(cur, end, load) {
			return
		}
		if have {
			yield(pending)
		}
	}
}

// Peak returns the highest committed load of the active intervals within
// [start, end).
func Peak(intervals []Interval, start, end time.Time) int {
	peak := 0
	for s := range Steps(intervals, start, end) {
		if s.Load > peak {
			peak = s.Load
		}
	}
	return peak
}

// ActiveOverlapping filters intervals that count against availability within
// [start, end), skipping the interval with id exclude.
func ActiveOverlapping(intervals []Interval, start, end time.Time, exclude uuid.UUID) []Interval {
	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.ID == exclude && exclude != uuid.Nil {
			continue
		}
		if iv.Active() && iv.Overlaps(start, end) {
			out = append(out, iv)
		}
	}
	return out
}
