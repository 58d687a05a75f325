package schedule

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/recurrence"
)

// Kind is the communication channel a schedule plans for.
type Kind string

const (
	KindEmail   Kind = "EMAIL"
	KindCall    Kind = "CALL"
	KindMeeting Kind = "MEETING"
	KindMessage Kind = "MESSAGE"
	KindVisit   Kind = "VISIT"
)

var kindLabels = map[Kind]string{
	KindEmail:   "Email",
	KindCall:    "Call",
	KindMeeting: "Meeting",
	KindMessage: "Message",
	KindVisit:   "Visit",
}

// ParseKind accepts the canonical names case-insensitively. Empty means EMAIL.
func ParseKind(raw string) (Kind, error) {
	s := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "" {
		return KindEmail, nil
	}
	if _, ok := kindLabels[s]; !ok {
		return "", fmt.Errorf("unknown communication kind %q", raw)
	}
	return s, nil
}

// Async reports whether the channel does not need both parties present.
func (k Kind) Async() bool { return k == KindEmail || k == KindMessage }

// Label is the human form used in task titles.
func (k Kind) Label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return "Follow-up"
}

// State is the lifecycle state derived from Active/Deleted.
type State string

const (
	StateActive   State = "ACTIVE"
	StateInactive State = "INACTIVE"
	StateDeleted  State = "DELETED"
)

// Subject identifies the client a schedule is about.
type Subject struct {
	ID   string
	Name string
}

// Schedule is a client-communication cadence owned by one user.
type Schedule struct {
	ID       string
	Subject  Subject
	OwnerRef string
	Kind     Kind
	Rule     recurrence.Rule

	NextDueAt          *time.Time
	LastMaterializedAt *time.Time

	Active       bool
	Deleted      bool
	SkipWeekends bool

	Notes    string
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the schedule may produce occurrences.
func (s Schedule) Live() bool { return s.Active && !s.Deleted }

func (s Schedule) State() State {
	switch {
	case s.Deleted:
		return StateDeleted
	case s.Active:
		return StateActive
	default:
		return StateInactive
	}
}

// Occurrence is one (schedule, due instant) pair. It is never stored as such;
// it only exists as the task it materializes into.
type Occurrence struct {
	Schedule Schedule
	DueAt    time.Time
}

// ShouldSkip drops weekend candidates for channels that need both parties present.
func ShouldSkip(t time.Time, s Schedule) bool {
	if !s.SkipWeekends || s.Kind.Async() {
		return false
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Generate walks s forward over [windowStart, windowEnd) and returns the due
// instants in chronological order, capped at recurrence.SafetyCap candidates.
//
// The walk starts at NextDueAt when set (fast-forwarding if it lies before the
// window), otherwise at the first aligned instant of the window.
func Generate(s Schedule, windowStart, windowEnd time.Time, opts ...recurrence.SequenceOption) (recurrence.Batch, error) {
	if !s.Live() {
		return recurrence.Batch{}, nil
	}
	if s.Rule.Terminal() && s.NextDueAt == nil {
		return recurrence.Batch{}, nil
	}

	var first time.Time
	if s.NextDueAt != nil {
		first = s.NextDueAt.In(windowStart.Location())
	}
	opts = append([]recurrence.SequenceOption{
		recurrence.WithSkip(func(t time.Time) bool { return ShouldSkip(t, s) }),
	}, opts...)

	seq, err := recurrence.NewSequence(first, s.Rule, recurrence.Window{Start: windowStart, End: windowEnd}, opts...)
	if err != nil {
		return recurrence.Batch{}, err
	}
	return seq.Collect(), nil
}
