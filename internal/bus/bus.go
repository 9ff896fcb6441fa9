// Package bus provides typed in-process pub/sub between the sync core's
// producers (pipeline, supervisor) and its consumers (session hub).
//
// Publish never blocks: a subscriber whose queue is full loses that event,
// and the loss is recorded in a per-(subscriber, topic) drop counter.
// Ordering per (topic, key) is preserved as long as no drop occurs.
package bus

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Topic names one event variant.
type Topic string

// The bus topics.
const (
	TopicNewMessage Topic = "new_message"
	TopicStatus     Topic = "sync_status"
	TopicBroadcast  Topic = "broadcast"
)

// Event is one published value. Key is the per-topic ordering key (the
// account key string for message and status events); Payload holds the
// variant for the topic: account.NewMessageEvent, account.StatusEvent, or
// a broadcast frame.
type Event struct {
	Topic   Topic
	Key     string
	Payload any
	At      time.Time
}

// DropRecorder receives a callback for every event dropped on a full
// subscriber queue.
type DropRecorder interface {
	BusEventDropped(subscriber string, topic string)
}

// Subscription is one subscriber's handle. Events arrive on C; the
// subscriber owns draining it. Close via Bus.Unsubscribe.
type Subscription struct {
	name   string
	topics map[Topic]bool
	ch     chan Event
	drops  map[Topic]uint64
	mu     sync.Mutex
}

// C returns the subscriber's event channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Name returns the subscriber name given at Subscribe.
func (s *Subscription) Name() string {
	return s.name
}

// Drops returns the number of events dropped for this subscriber on the
// given topic.
func (s *Subscription) Drops(topic Topic) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops[topic]
}

func (s *Subscription) recordDrop(topic Topic) {
	s.mu.Lock()
	s.drops[topic]++
	n := s.drops[topic]
	s.mu.Unlock()

	if n == 1 {
		logger.Warn("Subscriber queue full, dropping events",
			slog.String("subscriber", s.name),
			slog.String("topic", string(topic)),
		)
	}
}

// Bus is the process-wide event bus.
type Bus struct {
	mu       sync.RWMutex
	subs     []*Subscription
	recorder DropRecorder
}

// New creates a Bus. recorder may be nil.
func New(recorder DropRecorder) *Bus {
	return &Bus{recorder: recorder}
}

// Subscribe registers a subscriber for the given topics with a bounded
// queue of size queueLen.
func (b *Bus) Subscribe(name string, queueLen int, topics ...Topic) *Subscription {
	if queueLen <= 0 {
		queueLen = 1
	}
	sub := &Subscription{
		name:   name,
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, queueLen),
		drops:  make(map[Topic]uint64),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call once per subscription; unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber of its topic without
// blocking. Full queues drop the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.topics[ev.Topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.recordDrop(ev.Topic)
			if b.recorder != nil {
				b.recorder.BusEventDropped(sub.name, string(ev.Topic))
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
