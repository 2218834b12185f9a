// Package bus implements the in-process topic bus shared by all modules.
//
// Publish delivers synchronously on the caller's goroutine. PublishAsync
// enqueues and returns; a single dispatcher goroutine drains the queue in
// batches, so FIFO holds within the async path but not across the two paths.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/metrics"
)

// Handler receives a topic and its payload.
type Handler func(topic, payload string)

// SubscriptionID identifies a single Subscribe call.
type SubscriptionID string

// Message is a queued async publication.
type Message struct {
	Topic      string
	Payload    string
	EnqueuedAt time.Time
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type Bus struct {
	subMu sync.Mutex
	subs  map[string][]subscription

	// lifeMu serializes Start and Stop so a restart never overlaps the
	// previous dispatcher.
	lifeMu sync.Mutex

	queueMu sync.Mutex
	cond    *sync.Cond
	queue   []Message
	running bool
	done    chan struct{}

	messages atomic.Uint64
	logger   zerolog.Logger
}

func New() *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		logger: log.WithComponent("bus"),
	}
	b.cond = sync.NewCond(&b.queueMu)
	return b
}

// Subscribe appends handler to topic's dispatch list. A nil handler is kept
// as a placeholder that is never invoked.
func (b *Bus) Subscribe(topic string, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.NewString())

	b.subMu.Lock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.subMu.Unlock()

	return id
}

// Unsubscribe removes every handler registered for topic. A Publish that
// had already snapshotted the handlers may still invoke them once after
// Unsubscribe returns.
func (b *Bus) Unsubscribe(topic string) {
	b.subMu.Lock()
	delete(b.subs, topic)
	b.subMu.Unlock()
}

// Cancel removes the single subscription identified by id. It reports
// whether the subscription was still registered. As with Unsubscribe, a
// Publish already in progress may still invoke the handler once.
func (b *Bus) Cancel(id SubscriptionID) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for topic, lst := range b.subs {
		for i, s := range lst {
			if s.id != id {
				continue
			}
			out := make([]subscription, 0, len(lst)-1)
			out = append(out, lst[:i]...)
			out = append(out, lst[i+1:]...)
			if len(out) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = out
			}
			return true
		}
	}
	return false
}

// Publish invokes every handler of topic in subscription order and returns
// once all of them have run. A panicking handler is logged and skipped.
func (b *Bus) Publish(topic, payload string) {
	b.dispatch(topic, payload)
	metrics.IncBusPublished("sync")
}

// PublishAsync queues the message for the dispatcher and returns immediately.
func (b *Bus) PublishAsync(topic, payload string) {
	b.queueMu.Lock()
	b.queue = append(b.queue, Message{Topic: topic, Payload: payload, EnqueuedAt: time.Now()})
	metrics.BusQueueDepth.Inc()
	b.queueMu.Unlock()
	b.cond.Signal()
}

// dispatch runs handlers on a snapshot taken under subMu, so a handler may
// publish or subscribe on the same bus without deadlocking.
func (b *Bus) dispatch(topic, payload string) {
	b.subMu.Lock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.subMu.Unlock()

	for _, s := range subs {
		if s.handler == nil {
			continue
		}
		if err := invoke(s.handler, topic, payload); err != nil {
			metrics.IncBusHandlerPanic(topic)
			b.logger.Error().
				Err(err).
				Str("event", "bus.handler_panic").
				Str("topic", topic).
				Str("subscription", string(s.id)).
				Msg("message handler failed")
		}
	}
	b.messages.Add(1)
}

func invoke(h Handler, topic, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h(topic, payload)
	return nil
}

// Start launches the dispatcher. Calling Start on a running bus is a no-op.
func (b *Bus) Start() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.done = make(chan struct{})
	go b.run(b.done)

	b.logger.Debug().Str("event", "bus.started").Msg("message bus started")
}

// Stop halts the dispatcher and waits for it to exit. Messages still queued
// stay queued until the next Start.
func (b *Bus) Stop() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.queueMu.Lock()
	if !b.running {
		b.queueMu.Unlock()
		return
	}
	b.running = false
	done := b.done
	b.queueMu.Unlock()

	b.cond.Broadcast()
	<-done

	b.logger.Debug().Str("event", "bus.stopped").Msg("message bus stopped")
}

func (b *Bus) IsRunning() bool {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return b.running
}

// MessageCount is the number of Publish calls plus dispatched async messages.
// QueueDepth returns the number of async messages waiting for dispatch.
func (b *Bus) QueueDepth() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

func (b *Bus) MessageCount() uint64 {
	return b.messages.Load()
}

func (b *Bus) SubscriberCount(topic string) int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) run(done chan struct{}) {
	defer close(done)

	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && b.running {
			b.cond.Wait()
		}
		if !b.running {
			b.queueMu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		metrics.BusQueueDepth.Sub(float64(len(batch)))
		b.queueMu.Unlock()

		for _, msg := range batch {
			b.dispatch(msg.Topic, msg.Payload)
			metrics.IncBusPublished("async")
		}
	}
}
