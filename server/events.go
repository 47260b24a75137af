package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/signaling"
)

// DefaultEventLog is the number of events retained per party for replay.
const DefaultEventLog = 256

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is dropped and must reconnect with its cursor.
const subscriberBuffer = 64

// feed is one party's event history.
type feed struct {
	seq  uint64
	log  []signaling.Event
	subs map[chan signaling.Event]struct{}
}

// EventBus assigns per-party sequence numbers to events, keeps a bounded
// history for replay and fans events out to live subscribers. Sequence
// numbers restart with each bus, so every event also carries the bus epoch.
type EventBus struct {
	epoch   string
	mu      sync.Mutex
	feeds   map[string]*feed
	logSize int
	now     func() time.Time
	metrics *Metrics
}

// NewEventBus creates a bus retaining logSize events per party.
func NewEventBus(logSize int, metrics *Metrics) *EventBus {
	if logSize <= 0 {
		logSize = DefaultEventLog
	}
	return &EventBus{
		epoch:   uuid.NewString(),
		feeds:   make(map[string]*feed),
		logSize: logSize,
		now:     time.Now,
		metrics: metrics,
	}
}

// Epoch identifies this bus's sequence numbering.
func (b *EventBus) Epoch() string {
	return b.epoch
}

func (b *EventBus) feedFor(party string) *feed {
	f, ok := b.feeds[party]
	if !ok {
		f = &feed{subs: make(map[chan signaling.Event]struct{})}
		b.feeds[party] = f
	}
	return f
}

// Publish appends ev to party's feed and returns it with Seq and At set.
func (b *EventBus) Publish(party string, ev signaling.Event) signaling.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feedFor(party)
	f.seq++
	ev.Seq = f.seq
	ev.Epoch = b.epoch
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	f.log = append(f.log, ev)
	if over := len(f.log) - b.logSize; over > 0 {
		f.log = append(f.log[:0], f.log[over:]...)
	}

	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			delete(f.subs, ch)
			close(ch)
			logrus.WithFields(logrus.Fields{
				"function": "EventBus.Publish",
				"party":    party,
			}).Warn("Dropping slow event subscriber")
		}
	}
	b.metrics.eventPublished(ev.Type)

	logrus.WithFields(logrus.Fields{
		"function": "EventBus.Publish",
		"party":    party,
		"seq":      ev.Seq,
		"type":     string(ev.Type),
		"call_id":  ev.CallID,
	}).Debug("Event published")
	return ev
}

// After returns retained events with Seq greater than cursor, and the
// party's latest sequence number.
func (b *EventBus) After(party string, cursor uint64) ([]signaling.Event, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[party]
	if !ok {
		return []signaling.Event{}, 0
	}
	return f.after(cursor), f.seq
}

func (f *feed) after(cursor uint64) []signaling.Event {
	out := []signaling.Event{}
	for _, ev := range f.log {
		if ev.Seq > cursor {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns the events after cursor and a channel for later ones.
// The channel is closed if the subscriber falls behind; cancel detaches it.
func (b *EventBus) Subscribe(party string, cursor uint64) ([]signaling.Event, <-chan signaling.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.feedFor(party)
	ch := make(chan signaling.Event, subscriberBuffer)
	f.subs[ch] = struct{}{}
	b.metrics.subscribers(1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
			b.metrics.subscribers(-1)
		})
	}
	return f.after(cursor), ch, cancel
}
