package events

import (
	"log/slog"
	"sync"
	"time"
)

// Topic names a notification broadcast between components.
type Topic string

const (
	TopicDocumentUploaded   Topic = "document.uploaded"
	TopicDocumentValidated  Topic = "document.validated"
	TopicExamSessionCreated Topic = "exam.session.created"
	TopicCaseStatusUpdated  Topic = "case.status.updated"
	TopicStepCompleted      Topic = "step.completed"
)

const defaultSubscriberCapacity = 64

// Message is one notification on the bus.
type Message struct {
	Topic     Topic          `json:"topic"`
	DossierID string         `json:"dossier_id"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// WithLogger sets the logger used for dropped-message diagnostics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// Bus is an in-process publish/subscribe channel. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
	logger   *slog.Logger
}

type subscriber struct {
	ch     chan Message
	topics map[Topic]struct{}
	once   sync.Once
}

// Subscription is an active registration on the bus.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

// Close unregisters the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:     map[*subscriber]struct{}{},
		capacity: defaultSubscriberCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers for the given topics; no topics means all topics.
func (b *Bus) Subscribe(topics ...Topic) Subscription {
	sub := &subscriber{ch: make(chan Message, b.capacity)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.once.Do(func() { close(sub.ch) })
		},
	}
}

// Publish delivers msg to every matching subscriber.
func (b *Bus) Publish(msg Message) {
	if b == nil {
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[msg.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("bus: subscriber full, message dropped", "topic", msg.Topic, "dossier_id", msg.DossierID)
		}
	}
}
