package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/registry"
)

// CallEvent is the JSON payload published for each status change.
type CallEvent struct {
	Event           string   `json:"event"`
	Description     string   `json:"description"`
	CallID          string   `json:"call_id"`
	PhoneNumber     string   `json:"phone_number"`
	VoiceID         string   `json:"voice_id,omitempty"`
	Channel         string   `json:"channel,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	Timestamp       string   `json:"timestamp"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// Topic returns <prefix>/call/<id>/<status>.
func Topic(prefix, callID string, status registry.Status) string {
	return fmt.Sprintf("%s/call/%s/%s", prefix, callID, status)
}

// NewCallEvent builds the payload for s observed at now. Terminal statuses
// carry the call duration.
func NewCallEvent(s registry.Session, now time.Time) CallEvent {
	ev := CallEvent{
		Event:       string(s.Status),
		Description: registry.Descriptions[s.Status],
		CallID:      s.ID,
		PhoneNumber: s.PhoneNumber,
		VoiceID:     s.VoiceID,
		Channel:     s.Channel,
		Provider:    s.Provider,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	if s.Status.Terminal() {
		d := s.Duration(now).Seconds()
		ev.DurationSeconds = &d
	}
	return ev
}

// Notifier publishes registry status changes from a background worker so
// the goroutine that applied the change never waits on the broker.
type Notifier struct {
	pub    Publisher
	prefix string
	queue  chan registry.Change
	clock  func() time.Time
	log    *slog.Logger
}

type NotifierOption func(*Notifier)

func WithQueueSize(n int) NotifierOption {
	return func(nt *Notifier) { nt.queue = make(chan registry.Change, n) }
}

func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(nt *Notifier) { nt.log = l }
}

func WithNotifierClock(c func() time.Time) NotifierOption {
	return func(nt *Notifier) { nt.clock = c }
}

// NewNotifier publishes call changes from a registry to pub under prefix.
// Run must be started before changes are delivered.
func NewNotifier(pub Publisher, prefix string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		pub:    pub,
		prefix: prefix,
		queue:  make(chan registry.Change, 256),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logger.OrDiscard(n.log).With("component", "notifier")
	return n
}

// Listener returns a registry listener that queues status changes. Changes
// that only touch the channel or voice are not published. When the queue is
// full the change is dropped and logged.
func (n *Notifier) Listener() registry.Listener {
	return func(c registry.Change) {
		if !c.StatusChanged() {
			return
		}
		select {
		case n.queue <- c:
		default:
			n.log.Warn("publish queue full, dropping change", "call_id", c.Session.ID, "status", c.Session.Status)
		}
	}
}

// Run publishes queued changes until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-n.queue:
			if err := n.Publish(ctx, c.Session); err != nil {
				n.log.Error("publish failed", "call_id", c.Session.ID, "status", c.Session.Status, "error", err)
			}
		}
	}
}

// Publish sends the event for s synchronously.
func (n *Notifier) Publish(ctx context.Context, s registry.Session) error {
	topic := Topic(n.prefix, s.ID, s.Status)
	data, err := json.Marshal(NewCallEvent(s, n.clock()))
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	n.log.Debug("publishing", "topic", topic)
	return n.pub.Publish(ctx, topic, data)
}
