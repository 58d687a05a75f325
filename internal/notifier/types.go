package notifier

import (
	"context"
	"errors"
	"time"
)

// ErrNoRecipient is returned by senders that cannot address the target.
// Such sends are not retried.
var ErrNoRecipient = errors.New("notifier: no recipient")

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// Location renders due dates in digests.
	Location *time.Location
}

// Target addresses one recipient.
type Target struct {
	OwnerRef string
	ChatID   int64
}

type Notification struct {
	Channel string
	Target  Target
	Text    string
	// DedupKey overrides the key derived from channel, target and text.
	DedupKey string
}

// Sender delivers one rendered message.
type Sender interface {
	Name() string
	Send(ctx context.Context, to Target, text string) error
}

// DedupStore persists suppress-until instants across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// NotificationEvent is published on the event bus for pipeline transitions.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	OwnerRef string    `json:"owner_ref"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
