package livestream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultBufferSize = 200
	DefaultQueueSize  = 256
)

// Subscription is one registered delivery queue. Events arrives closed once
// the subscriber is dropped or unsubscribed, or the broadcaster is closed.
type Subscription struct {
	ID     string
	Events <-chan Event

	ch chan Event
}

// Status is a point-in-time readout of the broadcaster
type Status struct {
	Subscribers int   `json:"connected_clients"`
	LastSeq     int64 `json:"last_event_id"`
	Buffered    int   `json:"recent_event_count"`
}

// Broadcaster fans published events out to subscribers and keeps a bounded
// replay buffer for reconnecting clients
type Broadcaster struct {
	bufferSize int
	queueSize  int
	logger     *slog.Logger

	mu      sync.Mutex
	subs    map[string]chan Event
	recent  []Event
	lastSeq int64
	closed  bool
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithBufferSize sets the replay buffer capacity
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithQueueSize sets the per-subscriber queue capacity
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroadcaster creates a broadcaster with the default capacities
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		bufferSize: DefaultBufferSize,
		queueSize:  DefaultQueueSize,
		logger:     slog.Default(),
		subs:       make(map[string]chan Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new delivery queue. When lastSeen is non-nil every
// buffered event with a greater seq is queued first, in publish order, for
// as long as the queue has room.
func (b *Broadcaster) Subscribe(lastSeen *int64) *Subscription {
	ch := make(chan Event, b.queueSize)
	sub := &Subscription{ID: uuid.NewString(), Events: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}

	if lastSeen != nil {
	replay:
		for _, ev := range b.recent {
			if ev.Seq <= *lastSeen {
				continue
			}
			select {
			case ch <- ev:
			default:
				break replay
			}
		}
	}
	b.subs[sub.ID] = ch

	b.logger.Debug("subscriber added", "subscriber", sub.ID, "subscribers", len(b.subs))
	return sub
}

// Unsubscribe removes sub and closes its queue. Unknown or already dropped
// subscriptions are ignored.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(ch)
		b.logger.Debug("subscriber removed", "subscriber", sub.ID, "subscribers", len(b.subs))
	}
}

// Publish buffers ev and offers it to every subscriber without blocking.
// A subscriber whose queue is full is dropped.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if ev.Seq > b.lastSeq {
		b.lastSeq = ev.Seq
	}

	b.recent = append(b.recent, ev)
	if over := len(b.recent) - b.bufferSize; over > 0 {
		b.recent = append(b.recent[:0:0], b.recent[over:]...)
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, id)
			close(ch)
			b.logger.Warn("dropping stalled subscriber", "subscriber", id, "seq", ev.Seq)
		}
	}
}

// Status returns the subscriber count, the highest seq seen and the buffer depth
func (b *Broadcaster) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Subscribers: len(b.subs),
		LastSeq:     b.lastSeq,
		Buffered:    len(b.recent),
	}
}

// Close closes every subscriber queue. Later publishes are ignored and later
// subscriptions start closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
