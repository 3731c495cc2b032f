package domain

import (
	"fmt"
	"time"
)

// TimeRange is a half-open interval [Start, End). A nil End means the range
// is unbounded: the fact is still true (valid time) or still believed
// (transaction time).
type TimeRange struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// NewTimeRange builds a bounded range.
func NewTimeRange(start, end time.Time) TimeRange {
	return TimeRange{Start: start, End: &end}
}

// UnboundedFrom builds an open-ended range starting at start.
func UnboundedFrom(start time.Time) TimeRange {
	return TimeRange{Start: start}
}

// Unbounded reports whether the range is still open.
func (r TimeRange) Unbounded() bool {
	return r.End == nil
}

// Validate checks that the range is non-empty and well ordered.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidRange)
	}
	if r.End != nil && !r.End.After(r.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRange, r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether instant t falls inside [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	if t.Before(r.Start) {
		return false
	}
	return r.End == nil || t.Before(*r.End)
}

// Overlaps reports whether two half-open ranges share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	if r.End != nil && !o.Start.Before(*r.End) {
		return false
	}
	if o.End != nil && !r.Start.Before(*o.End) {
		return false
	}
	return true
}

// ClosedAt returns a copy of the range with End set to t. Used when a
// current belief is superseded or retracted; the original row is never
// mutated in place.
func (r TimeRange) ClosedAt(t time.Time) TimeRange {
	end := t
	return TimeRange{Start: r.Start, End: &end}
}

func (r TimeRange) String() string {
	if r.End == nil {
		return fmt.Sprintf("[%s, unbounded)", r.Start.Format(time.RFC3339))
	}
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}
