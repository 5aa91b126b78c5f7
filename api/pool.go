package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"todo-api/domain"
)

// PublisherConfig sizes the event worker pool.
type PublisherConfig struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
}

// AsyncPublisher hands todo events to a fixed pool of workers so request
// latency does not include the queue round trip. When the buffer stays full
// for longer than the hand-off timeout the event is published inline.
type AsyncPublisher struct {
	next    domain.EventPublisher
	log     *log.Logger
	metrics *Collector

	publishTimeout time.Duration
	handoffTimeout time.Duration

	mu     sync.RWMutex
	jobs   chan domain.Event
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncPublisher starts cfg.Workers goroutines delivering to next.
func NewAsyncPublisher(next domain.EventPublisher, cfg PublisherConfig, logger *log.Logger, metrics *Collector) *AsyncPublisher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	p := &AsyncPublisher{
		next:           next,
		log:            logger,
		metrics:        metrics,
		publishTimeout: cfg.PublishTimeout,
		handoffTimeout: cfg.HandoffTimeout,
		jobs:           make(chan domain.Event, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("event publisher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.PublishTimeout, cfg.HandoffTimeout)
	return p
}

// Publish queues ev for delivery. It only blocks, and only returns delivery
// errors, when the event has to be published inline.
func (p *AsyncPublisher) Publish(ctx context.Context, ev domain.Event) error {
	if p.tryEnqueue(ev) {
		return nil
	}
	p.log.WithField("event_id", ev.ID).Warn("event buffer saturated; publishing inline")
	return p.deliver(ctx, ev)
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AsyncPublisher) worker(id int) {
	defer p.wg.Done()
	for ev := range p.jobs {
		if err := p.deliver(context.Background(), ev); err != nil {
			p.log.WithError(err).WithFields(log.Fields{
				"event_id": ev.ID,
				"event":    ev.Type,
				"todo_id":  ev.TodoID,
				"worker":   id,
			}).Error("event publish failed")
		}
	}
}

func (p *AsyncPublisher) deliver(ctx context.Context, ev domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	err := p.next.Publish(ctx, ev)
	if err != nil {
		p.metrics.RecordEvent("failed")
		return err
	}
	p.metrics.RecordEvent("published")
	return nil
}

func (p *AsyncPublisher) tryEnqueue(ev domain.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.jobs <- ev:
		return true
	default:
	}

	if p.handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(p.handoffTimeout)
	defer timer.Stop()
	select {
	case p.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}
