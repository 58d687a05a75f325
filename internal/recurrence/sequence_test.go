package recurrence

import (
	"slices"
	"testing"
	"time"
)

func TestSequenceWeeklyMondays(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "WEEKLY", PreferredWeekdays: []int{1}, PreferredTime: "09:00"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.April, 1, 0, 0)}

	seq, err := NewSequence(time.Time{}, r, w)
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	b := seq.Collect()
	if len(b.Due) != 13 || b.Capped {
		t.Fatalf("got %d due (capped=%v), want 13 Mondays", len(b.Due), b.Capped)
	}
	for _, d := range b.Due {
		if d.Weekday() != time.Monday || d.Hour() != 9 || d.Minute() != 0 {
			t.Fatalf("unexpected occurrence %s (%s)", d, d.Weekday())
		}
	}
	if last := b.Due[len(b.Due)-1]; !last.Equal(date(2024, time.March, 25, 9, 0)) {
		t.Fatalf("last = %s", last)
	}
}

func TestSequenceCustomTenDays(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "CUSTOM", CustomIntervalDays: 10})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.April, 1, 0, 0)}

	seq, err := NewSequence(date(2024, time.January, 1, 9, 0), r, w)
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	want := []time.Time{
		date(2024, time.January, 1, 9, 0),
		date(2024, time.January, 11, 9, 0),
		date(2024, time.January, 21, 9, 0),
		date(2024, time.January, 31, 9, 0),
		date(2024, time.February, 10, 9, 0),
		date(2024, time.February, 20, 9, 0),
		date(2024, time.March, 1, 9, 0),
		date(2024, time.March, 11, 9, 0),
		date(2024, time.March, 21, 9, 0),
		date(2024, time.March, 31, 9, 0),
	}
	got := seq.Collect().Due
	if !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("got %v\nwant %v", got, want)
	}
}

func TestSequenceSafetyCap(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "DAILY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2030, time.January, 1, 0, 0)}

	seq, _ := NewSequence(time.Time{}, r, w)
	b := seq.Collect()
	if len(b.Due) != SafetyCap || !b.Capped || b.Examined != SafetyCap {
		t.Fatalf("due=%d examined=%d capped=%v", len(b.Due), b.Examined, b.Capped)
	}

	small, _ := NewSequence(time.Time{}, r, w, WithLimit(5))
	if b := small.Collect(); len(b.Due) != 5 || !b.Capped {
		t.Fatalf("WithLimit(5): due=%d capped=%v", len(b.Due), b.Capped)
	}
}

func TestSequenceSkipCountsTowardCap(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "DAILY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.January, 15, 0, 0)}
	weekend := func(t time.Time) bool { return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday }

	seq, _ := NewSequence(time.Time{}, r, w, WithSkip(weekend))
	b := seq.Collect()
	if len(b.Due) != 10 || b.Examined != 14 {
		t.Fatalf("due=%d examined=%d, want 10/14", len(b.Due), b.Examined)
	}
	for _, d := range b.Due {
		if weekend(d) {
			t.Fatalf("weekend day %s not skipped", d)
		}
	}
}

func TestSequenceCatchUpKeepsPhase(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "WEEKLY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.February, 1, 0, 0)}

	// Last due was a Wednesday a month before the window.
	seq, _ := NewSequence(date(2023, time.December, 6, 9, 0), r, w)
	if first := seq.First(); !first.Equal(date(2024, time.January, 3, 9, 0)) {
		t.Fatalf("First = %s (%s), want Wed 2024-01-03", first, first.Weekday())
	}
	if n := len(seq.Collect().Due); n != 5 {
		t.Fatalf("due = %d, want 5 Wednesdays", n)
	}
}

func TestSequenceCatchUpReanchorsWhenFarBehind(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "DAILY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.January, 3, 0, 0)}

	seq, _ := NewSequence(date(2015, time.January, 1, 9, 0), r, w)
	if first := seq.First(); !first.Equal(date(2024, time.January, 1, 9, 0)) {
		t.Fatalf("First = %s, want re-anchored on window start", first)
	}
	// The catch-up used the whole cap, so nothing is left for the window.
	if b := seq.Collect(); len(b.Due) != 0 || !b.Capped || b.Examined != SafetyCap {
		t.Fatalf("due=%d examined=%d capped=%v", len(b.Due), b.Examined, b.Capped)
	}
}

func TestSequenceCatchUpCountsTowardCap(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "WEEKLY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.February, 1, 0, 0)}
	behind := date(2023, time.December, 6, 9, 0) // four weekly steps before Jan 3

	tests := []struct {
		limit    int
		due      int
		examined int
		capped   bool
	}{
		{limit: SafetyCap, due: 5, examined: 9},
		{limit: 6, due: 2, examined: 6, capped: true},
		{limit: 4, due: 0, examined: 4, capped: true},
	}
	for _, tt := range tests {
		seq, err := NewSequence(behind, r, w, WithLimit(tt.limit))
		if err != nil {
			t.Fatalf("limit %d: %v", tt.limit, err)
		}
		b := seq.Collect()
		if len(b.Due) != tt.due || b.Examined != tt.examined || b.Capped != tt.capped {
			t.Fatalf("limit %d: due=%d examined=%d capped=%v, want %d/%d/%v",
				tt.limit, len(b.Due), b.Examined, b.Capped, tt.due, tt.examined, tt.capped)
		}
	}
}

func TestSequenceMonthEndClampCarriesForward(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "MONTHLY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.May, 1, 0, 0)}

	// Each step starts from the previous occurrence, so the day clamped in
	// February is kept for the rest of the walk.
	seq, _ := NewSequence(date(2024, time.January, 31, 9, 0), r, w)
	want := []time.Time{
		date(2024, time.January, 31, 9, 0),
		date(2024, time.February, 29, 9, 0),
		date(2024, time.March, 29, 9, 0),
		date(2024, time.April, 29, 9, 0),
	}
	if got := seq.Collect().Due; !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("got %v\nwant %v", got, want)
	}
}

func TestSequenceRestartable(t *testing.T) {
	t.Parallel()
	r := mustRule(t, Spec{Frequency: "DAILY"})
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.January, 8, 0, 0)}
	seq, _ := NewSequence(time.Time{}, r, w)

	var first []time.Time
	for d := range seq.All() {
		first = append(first, d)
		if len(first) == 3 {
			break
		}
	}
	second := slices.Collect(seq.All())
	if len(first) != 3 || len(second) != 7 || !first[0].Equal(second[0]) {
		t.Fatalf("first=%v second=%v", first, second)
	}
}

func TestSequenceNoneWithoutStart(t *testing.T) {
	t.Parallel()
	w := Window{Start: date(2024, time.January, 1, 0, 0), End: date(2024, time.April, 1, 0, 0)}
	seq, _ := NewSequence(time.Time{}, Once(), w)
	if b := seq.Collect(); len(b.Due) != 0 {
		t.Fatalf("NONE produced %v", b.Due)
	}

	// A one-off due instant is still emitted once.
	seq, _ = NewSequence(date(2024, time.February, 2, 9, 0), Once(), w)
	if b := seq.Collect(); len(b.Due) != 1 {
		t.Fatalf("one-off produced %v", b.Due)
	}
}
