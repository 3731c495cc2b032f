package domain

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("failed to parse time %q: %v", value, err)
	}
	return parsed
}

func TestTimeRangeValidate(t *testing.T) {
	start := mustParse(t, "2015-05-21T00:00:00Z")

	if err := UnboundedFrom(start).Validate(); err != nil {
		t.Fatalf("unbounded range should be valid: %v", err)
	}

	if err := NewTimeRange(start, start.Add(time.Hour)).Validate(); err != nil {
		t.Fatalf("bounded range should be valid: %v", err)
	}

	if err := NewTimeRange(start, start).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("empty range should fail with ErrInvalidRange, got %v", err)
	}

	if err := NewTimeRange(start, start.Add(-time.Hour)).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("inverted range should fail with ErrInvalidRange, got %v", err)
	}

	if err := (TimeRange{}).Validate(); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("zero start should fail with ErrInvalidRange, got %v", err)
	}
}

func TestTimeRangeContains(t *testing.T) {
	start := mustParse(t, "2015-05-21T00:00:00Z")
	end := mustParse(t, "2022-02-24T00:00:00Z")
	r := NewTimeRange(start, end)

	if !r.Contains(start) {
		t.Fatal("range should contain its start instant")
	}
	if r.Contains(end) {
		t.Fatal("half-open range must not contain its end instant")
	}
	if r.Contains(start.Add(-time.Second)) {
		t.Fatal("range must not contain instants before start")
	}
	if !UnboundedFrom(start).Contains(end.Add(100 * 365 * 24 * time.Hour)) {
		t.Fatal("unbounded range should contain any instant after start")
	}
}

func TestTimeRangeOverlaps(t *testing.T) {
	jan := mustParse(t, "2020-01-01T00:00:00Z")
	jun := mustParse(t, "2020-06-01T00:00:00Z")
	dec := mustParse(t, "2020-12-01T00:00:00Z")

	// Adjacent half-open ranges share no instant.
	if NewTimeRange(jan, jun).Overlaps(NewTimeRange(jun, dec)) {
		t.Fatal("adjacent ranges must not overlap")
	}
	if NewTimeRange(jun, dec).Overlaps(NewTimeRange(jan, jun)) {
		t.Fatal("adjacent ranges must not overlap (reversed)")
	}

	if !NewTimeRange(jan, dec).Overlaps(NewTimeRange(jun, dec)) {
		t.Fatal("nested ranges should overlap")
	}
	if !UnboundedFrom(jan).Overlaps(NewTimeRange(jun, dec)) {
		t.Fatal("unbounded range should overlap any later bounded range")
	}
	if UnboundedFrom(dec).Overlaps(NewTimeRange(jan, jun)) {
		t.Fatal("unbounded range starting after a closed range must not overlap it")
	}
	if !UnboundedFrom(jan).Overlaps(UnboundedFrom(dec)) {
		t.Fatal("two unbounded ranges always overlap")
	}
}

func TestTimeRangeClosedAt(t *testing.T) {
	start := mustParse(t, "2020-01-01T00:00:00Z")
	cut := mustParse(t, "2020-06-01T00:00:00Z")

	r := UnboundedFrom(start)
	closed := r.ClosedAt(cut)

	if !r.Unbounded() {
		t.Fatal("ClosedAt must not mutate the receiver")
	}
	if closed.Unbounded() || !closed.End.Equal(cut) {
		t.Fatalf("closed range should end at %s, got %s", cut, closed)
	}
}
