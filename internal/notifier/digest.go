package notifier

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"time"

	"cadence/internal/schedule"
)

// maxDigestLines bounds the listed tasks; the rest is summarized.
const maxDigestLines = 30

// FormatDigest renders the tasks materialized for one owner.
func FormatDigest(ev schedule.MaterializedEvent, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	count := ev.Count
	if count == 0 {
		count = len(ev.Tasks)
	}

	var b strings.Builder
	name := strings.TrimSpace(ev.Owner.Name)
	if name == "" {
		name = ev.OwnerRef
	}
	noun := "tasks"
	if count == 1 {
		noun = "task"
	}
	fmt.Fprintf(&b, "%s, %d new follow-up %s scheduled:\n", name, count, noun)

	for i, t := range ev.Tasks {
		if i == maxDigestLines {
			fmt.Fprintf(&b, "… and %d more\n", len(ev.Tasks)-maxDigestLines)
			break
		}
		subject := t.SubjectName
		if subject == "" {
			subject = t.Title
		}
		fmt.Fprintf(&b, "• %s  %s with %s\n", t.DueAt.In(loc).Format("Mon 02 Jan 15:04"), t.Kind.Label(), subject)
	}
	return strings.TrimRight(b.String(), "\n")
}

// digestKey identifies a digest by owner and the set of (schedule, due)
// pairs it announces, so the same batch is not announced twice even if it
// renders differently (e.g. after a timezone change).
func digestKey(ev schedule.MaterializedEvent) string {
	items := make([]string, 0, len(ev.Tasks))
	for _, t := range ev.Tasks {
		items = append(items, fmt.Sprintf("%s@%d", t.ScheduleID, t.DueAt.Unix()))
	}
	slices.Sort(items)

	h := fnv.New64a()
	fmt.Fprintf(h, "digest|%s|", ev.OwnerRef)
	for _, it := range items {
		_, _ = h.Write([]byte(it))
		_, _ = h.Write([]byte{'|'})
	}
	return fmt.Sprintf("%x", h.Sum64())
}
