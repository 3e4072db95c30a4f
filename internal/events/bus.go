package events

import (
	"sync"
	"sync/atomic"
)

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event Event) { f(event) }

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Bus is a channel-based pub-sub event bus.
// Subscriptions are per topic or across all topics; publishing never blocks.
// Buffered subscriptions drop on overflow; queued subscriptions never do.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	queues  []*queue                // lossless subscriptions to all topics
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription that receives events of every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// SubscribeAllQueued creates a lossless subscription to every topic. Events
// are held in an unbounded in-order queue until the channel is read, so a
// slow consumer grows memory instead of losing events. Calling stop, or
// closing the bus, ends the subscription; the channel is closed once the
// backlog has been delivered, so the caller must read it until then.
func (b *Bus) SubscribeAllQueued() (ch <-chan Event, stop func()) {
	q := newQueue()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		q.close()
		return q.out, func() {}
	}
	b.queues = append(b.queues, q)
	b.mu.Unlock()

	return q.out, func() {
		b.mu.Lock()
		for i, other := range b.queues {
			if other == q {
				b.queues = append(b.queues[:i], b.queues[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		q.close()
	}
}

func newSubChannel(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

// Publish delivers event to the subscribers of its topic and to all
// SubscribeAll channels. A full subscriber channel drops the event for that
// subscriber and bumps the Dropped counter.
func (b *Bus) Publish(event Event) {
	topic := TopicOf(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		b.deliver(ch, event)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, event)
	}
	for _, q := range b.queues {
		q.push(event)
	}
}

func (b *Bus) deliver(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of deliveries skipped because a subscriber
// channel was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
	for _, q := range b.queues {
		q.close()
	}
	b.queues = nil
}

// queue is an unbounded FIFO feeding out from a pump goroutine.
type queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	out    chan Event
}

func newQueue() *queue {
	q := &queue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go q.pump()
	return q
}

func (q *queue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- e
	}
}
