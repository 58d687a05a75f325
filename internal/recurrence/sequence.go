package recurrence

import (
	"iter"
	"time"
)

// SafetyCap is the default maximum number of candidates one sequence examines.
const SafetyCap = 365

// Window is the half-open range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// SkipFunc reports whether a candidate should be left out of the output.
// Skipped candidates still count toward the cap.
type SkipFunc func(time.Time) bool

// Batch is the materialized output of a Sequence.
type Batch struct {
	Due []time.Time
	// Capped is set when the walk stopped at the cap before reaching the window end.
	Capped bool
	// Examined includes catch-up steps taken before the window.
	Examined int
	// Next is the first candidate of the walk, skipped or not. It is Never
	// once a NONE rule is exhausted.
	Next time.Time
}

// Sequence is a finite, restartable walk over a rule's due instants inside a window.
// Every call to All starts again from the first candidate.
type Sequence struct {
	rule   Rule
	first  time.Time
	window Window
	skip   SkipFunc
	limit  int
	// spent is the number of catch-up steps already charged to limit.
	spent int
}

type SequenceOption func(*Sequence)

// WithSkip drops candidates for which fn returns true.
func WithSkip(fn SkipFunc) SequenceOption {
	return func(s *Sequence) { s.skip = fn }
}

// WithLimit overrides SafetyCap. Values < 1 are ignored.
func WithLimit(n int) SequenceOption {
	return func(s *Sequence) {
		if n >= 1 {
			s.limit = n
		}
	}
}

// NewSequence prepares a walk starting at first.
//
// If first precedes the window, the walk fast-forwards along the rule so the
// cadence keeps its phase. Those steps count toward the cap. When they use it
// up, the walk is re-anchored on Align(window.Start) and yields nothing.
func NewSequence(first time.Time, rule Rule, w Window, opts ...SequenceOption) (Sequence, error) {
	if err := rule.validate(); err != nil {
		return Sequence{}, err
	}
	s := Sequence{rule: rule, window: w, limit: SafetyCap}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}

	if first.IsZero() {
		first = w.Start
		a, err := Align(first, rule)
		if err != nil {
			return Sequence{}, err
		}
		first = a
	}
	if first.Before(w.Start) {
		first, s.spent = s.catchUp(first)
	}
	s.first = first
	return s, nil
}

func (s Sequence) catchUp(cur time.Time) (time.Time, int) {
	steps := 0
	for ; steps < s.limit && cur.Before(s.window.Start); steps++ {
		cur, _ = NextOccurrence(cur, s.rule)
	}
	if cur.Before(s.window.Start) {
		cur, _ = Align(s.window.Start, s.rule)
	}
	return cur, steps
}

// First returns the first candidate the walk will examine.
func (s Sequence) First() time.Time { return s.first }

// All yields due instants in chronological order.
func (s Sequence) All() iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		s.walk(yield)
	}
}

// Collect runs the walk to completion.
func (s Sequence) Collect() Batch {
	b := Batch{Next: s.first}
	b.Examined, b.Capped = s.walk(func(t time.Time) bool {
		b.Due = append(b.Due, t)
		return true
	})
	return b
}

func (s Sequence) walk(yield func(time.Time) bool) (examined int, capped bool) {
	cur := s.first
	examined = s.spent
	for cur.Before(s.window.End) {
		if examined >= s.limit {
			return examined, true
		}
		examined++
		if s.skip == nil || !s.skip(cur) {
			if !yield(cur) {
				return examined, false
			}
		}
		// The rule was validated in NewSequence; NextOccurrence cannot fail here.
		next, _ := NextOccurrence(cur, s.rule)
		cur = next
	}
	return examined, false
}
