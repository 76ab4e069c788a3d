package events

import (
	"context"
	"sync"

	"github.com/ethan/ring-capture/pkg/logger"
)

// TopicRecordingCompleted carries records whose video was just linked.
const TopicRecordingCompleted = "recording_completed"

// Handler receives a published record. Handlers run on their own
// goroutine; a slow handler never blocks the publisher.
type Handler func(ctx context.Context, rec *Record)

// Bus is the in-process event bus. Topics are event kinds plus
// TopicRecordingCompleted.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
	wg   sync.WaitGroup
	log  *logger.Logger
}

// NewBus creates an empty bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		subs: make(map[string][]Handler),
		log:  log.With("component", "bus"),
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish dispatches rec to every subscriber of topic. Each handler gets
// its own copy of the record so concurrent mutation is safe.
func (b *Bus) Publish(ctx context.Context, topic string, rec *Record) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debug("no subscribers for topic", "topic", topic, "event_id", rec.ID)
		return
	}

	for _, h := range handlers {
		h := h
		clone := rec.Clone()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			h(ctx, clone)
		}()
	}
}

// Wait blocks until all in-flight handlers have returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}
