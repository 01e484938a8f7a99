package buffer

import (
	"fmt"
	"sort"
	"strings"
)

// epsilon absorbs floating point noise when comparing segment boundaries.
const epsilon = 1e-6

// Range is a half-open interval [Start, End) of media time in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the length of r in seconds.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// Contains reports whether t falls inside r.
func (r Range) Contains(t float64) bool {
	return t >= r.Start-epsilon && t < r.End-epsilon
}

func (r Range) String() string {
	return fmt.Sprintf("[%.3f,%.3f)", r.Start, r.End)
}

// Ranges is a sorted set of non-overlapping intervals. Adjacent or
// overlapping intervals are coalesced on insertion.
type Ranges struct {
	spans []Range
}

// Len returns the number of disjoint intervals.
func (rs *Ranges) Len() int {
	return len(rs.spans)
}

// At returns the i'th interval in ascending order.
func (rs *Ranges) At(i int) Range {
	return rs.spans[i]
}

// Slice returns a copy of the intervals.
func (rs *Ranges) Slice() []Range {
	out := make([]Range, len(rs.spans))
	copy(out, rs.spans)
	return out
}

// Clone returns an independent copy.
func (rs *Ranges) Clone() *Ranges {
	return &Ranges{spans: rs.Slice()}
}

// Add inserts r, merging it with any interval it overlaps or touches.
func (rs *Ranges) Add(r Range) {
	if r.End-r.Start <= epsilon {
		return
	}
	// first interval whose end reaches r.Start
	i := sort.Search(len(rs.spans), func(i int) bool {
		return rs.spans[i].End >= r.Start-epsilon
	})
	j := i
	for j < len(rs.spans) && rs.spans[j].Start <= r.End+epsilon {
		if rs.spans[j].Start < r.Start {
			r.Start = rs.spans[j].Start
		}
		if rs.spans[j].End > r.End {
			r.End = rs.spans[j].End
		}
		j++
	}
	merged := make([]Range, 0, len(rs.spans)-(j-i)+1)
	merged = append(merged, rs.spans[:i]...)
	merged = append(merged, r)
	merged = append(merged, rs.spans[j:]...)
	rs.spans = merged
}

// Remove deletes [start, end) from the set, splitting intervals as needed.
func (rs *Ranges) Remove(start, end float64) {
	if end <= start {
		return
	}
	out := rs.spans[:0:0]
	for _, s := range rs.spans {
		if s.End <= start || s.Start >= end {
			out = append(out, s)
			continue
		}
		if s.Start < start && start-s.Start > epsilon {
			out = append(out, Range{Start: s.Start, End: start})
		}
		if s.End > end && s.End-end > epsilon {
			out = append(out, Range{Start: end, End: s.End})
		}
	}
	rs.spans = out
}

// Clear removes every interval.
func (rs *Ranges) Clear() {
	rs.spans = nil
}

// Contains reports whether t falls inside any interval.
func (rs *Ranges) Contains(t float64) bool {
	_, ok := rs.Containing(t)
	return ok
}

// Containing returns the interval holding t.
func (rs *Ranges) Containing(t float64) (Range, bool) {
	i := sort.Search(len(rs.spans), func(i int) bool {
		return rs.spans[i].End-epsilon > t
	})
	if i < len(rs.spans) && rs.spans[i].Contains(t) {
		return rs.spans[i], true
	}
	return Range{}, false
}

// Total returns the summed duration of all intervals.
func (rs *Ranges) Total() float64 {
	total := 0.0
	for _, s := range rs.spans {
		total += s.Duration()
	}
	return total
}

// End returns the end of the last interval, or 0 when empty.
func (rs *Ranges) End() float64 {
	if len(rs.spans) == 0 {
		return 0
	}
	return rs.spans[len(rs.spans)-1].End
}

func (rs *Ranges) String() string {
	parts := make([]string, len(rs.spans))
	for i, s := range rs.spans {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}
