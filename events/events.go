// Package events fans job transitions out to in-process subscribers.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"convertd/logger"
	"convertd/models"
)

// ChannelSize is the default buffer of a Bus.
const ChannelSize = 256

// JobEvent is a snapshot of a job right after a committed transition.
type JobEvent struct {
	Job      models.Job   `json:"job"`
	Previous models.State `json:"previous"`
	At       time.Time    `json:"at"`
}

// Handler consumes one event. Handlers run on the dispatch goroutine in
// subscription order and must not block for long.
type Handler func(context.Context, JobEvent) error

// Bus is a buffered, non-blocking publisher with a single dispatch loop.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	ch       chan JobEvent
}

// NewBus returns a bus buffering up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = ChannelSize
	}
	return &Bus{handlers: make(map[int]Handler), ch: make(chan JobEvent, size)}
}

// Subscribe registers handler and returns a function that removes it.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	logger.Debugf("Registered event handler %d", id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish queues event for dispatch. It never blocks; when the buffer is
// full the event is dropped.
func (b *Bus) Publish(event JobEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case b.ch <- event:
		logger.Debugf("Published event for job %s (%s -> %s)", event.Job.ID, event.Previous, event.Job.State)
	default:
		logger.WithFields(logger.Fields{"job_id": event.Job.ID, "state": event.Job.State}).
			Warnf("Event buffer full, dropping event")
	}
}

// Start runs the dispatch loop in the background until ctx is done.
func (b *Bus) Start(ctx context.Context) {
	go b.dispatch(ctx)
	logger.Info("Started event dispatch loop")
}

func (b *Bus) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping event dispatch loop")
			return
		case event := <-b.ch:
			for _, h := range b.snapshot() {
				if err := h(ctx, event); err != nil {
					logger.Errorf("Failed to handle event for job %s: %v", event.Job.ID, err)
				}
			}
		}
	}
}

func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = b.handlers[id]
	}
	return out
}
