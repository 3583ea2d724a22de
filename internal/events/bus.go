// Package events provides the typed event bus and the in-memory audit store
// fed by it.
//
// Publishers never block: every subscriber owns a buffered queue drained by
// its own goroutine, and an event that does not fit is dropped for that
// subscriber only.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is the narrow interface components emit events through
type Publisher interface {
	Publish(e Event)
}

// Subscriber receives events from the bus
type Subscriber interface {
	HandleEvent(e Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(e Event)

// HandleEvent implements Subscriber
func (f SubscriberFunc) HandleEvent(e Event) {
	f(e)
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

const defaultQueueSize = 256

type subscription struct {
	name    string
	sub     Subscriber
	queue   chan Event
	done    chan struct{}
	dropped int64
}

// Bus fans events out to registered subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	logger *log.Logger
	wg     sync.WaitGroup
}

// NewBus creates an empty bus
func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		subs:   make(map[*subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers s and returns a function that removes it.
// queueSize <= 0 selects the default queue size.
func (b *Bus) Subscribe(name string, s Subscriber, queueSize int) func() {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	sub := &subscription{
		name:  name,
		sub:   s,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	defer close(sub.done)
	for e := range sub.queue {
		sub.sub.HandleEvent(e)
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub)
	close(sub.queue)
	b.mu.Unlock()
	<-sub.done
}

// Publish delivers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.queue <- e:
		default:
			n := atomic.AddInt64(&sub.dropped, 1)
			if b.logger != nil && (n == 1 || n%100 == 0) {
				b.logger.Printf("[Events] Subscriber %s queue full, dropped %d events", sub.name, n)
			}
		}
	}
}

// Close stops all subscribers after they drain their queues
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.queue)
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
