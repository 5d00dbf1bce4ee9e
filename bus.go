package intelliscrape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/queue"
	"github.com/pevans/intelliscrape/scraper"
)

// EventHandler reacts to one published event.
type EventHandler func(ctx context.Context, event scraper.Event) error

// Bus delivers events to their subscribers as jobs on a worker pool. A
// handler that publishes never calls the next handler directly, so chains
// of requests run on whichever worker is free.
type Bus struct {
	pool *queue.Pool
	log  logger.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewBus creates a bus backed by a stopped pool.
func NewBus(cfg queue.Config, log logger.Logger, m *metrics.Metrics) (*Bus, error) {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Bus{
		log:      log,
		handlers: make(map[string][]EventHandler),
	}

	pool, err := queue.NewPool(cfg, b.dispatch, log, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	b.pool = pool
	return b, nil
}

// Subscribe registers h for events with the given name.
func (b *Bus) Subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish queues event for its subscribers. It blocks while the queue is
// full, unless called from a handler with the context it was given: those
// events overflow instead, so a handler never waits on its own workers.
func (b *Bus) Publish(ctx context.Context, event scraper.Event) error {
	job := queue.Job{
		ID:      uuid.NewString(),
		Name:    event.EventName(),
		Payload: event,
	}
	if err := b.pool.Submit(ctx, job); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.EventName(), err)
	}
	return nil
}

// Start launches the workers.
func (b *Bus) Start(ctx context.Context) error {
	return b.pool.Start(ctx)
}

// Stop drains queued events and stops the workers.
func (b *Bus) Stop(ctx context.Context) error {
	return b.pool.Stop(ctx)
}

// Wait blocks until every published event, including the ones published
// while handling others, has been handled.
func (b *Bus) Wait(ctx context.Context) error {
	return b.pool.Wait(ctx)
}

// Stats returns the worker pool counters.
func (b *Bus) Stats() queue.Stats {
	return b.pool.Stats()
}

func (b *Bus) dispatch(ctx context.Context, job queue.Job) error {
	event, ok := job.Payload.(scraper.Event)
	if !ok {
		return fmt.Errorf("job %s carries %T, not an event", job.ID, job.Payload)
	}

	b.mu.RLock()
	handlers := b.handlers[event.EventName()]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debug("No subscriber for event", logger.String("event", event.EventName()))
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
