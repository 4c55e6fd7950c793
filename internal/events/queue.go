package events

import (
	"context"
	"sync"
	"time"

	"github.com/piwi3910/nebulaguard/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Queue defaults.
const (
	defaultQueueSize      = 1000
	defaultMaxRetries     = 3
	defaultRetryDelay     = time.Second
	defaultWorkers        = 2
	defaultPublishTimeout = 30 * time.Second
	retryTick             = 200 * time.Millisecond
)

// QueuedEvent is an event waiting for delivery to one target.
type QueuedEvent struct {
	NextRetry  time.Time
	CreatedAt  time.Time
	Event      *Event
	TargetName string
	Attempts   int
}

// EventQueue delivers events asynchronously with retry and exponential
// backoff.
type EventQueue struct {
	ctx            context.Context
	events         chan *QueuedEvent
	targets        map[string]Target
	cancel         context.CancelFunc
	retryQueue     []*QueuedEvent
	wg             sync.WaitGroup
	maxRetries     int
	retryDelay     time.Duration
	publishTimeout time.Duration
	workers        int
	mu             sync.RWMutex
	closed         bool
}

// EventQueueConfig configures the event queue.
type EventQueueConfig struct {
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	Workers        int           `json:"workers" yaml:"workers"`
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() EventQueueConfig {
	return EventQueueConfig{
		QueueSize:      defaultQueueSize,
		MaxRetries:     defaultMaxRetries,
		RetryDelay:     defaultRetryDelay,
		PublishTimeout: defaultPublishTimeout,
		Workers:        defaultWorkers,
	}
}

// NewEventQueue creates a queue. Zero values take the defaults.
func NewEventQueue(config EventQueueConfig) *EventQueue {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}

	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}

	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &EventQueue{
		events:         make(chan *QueuedEvent, config.QueueSize),
		targets:        make(map[string]Target),
		maxRetries:     config.MaxRetries,
		retryDelay:     config.RetryDelay,
		publishTimeout: config.PublishTimeout,
		workers:        config.Workers,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start starts the workers and the retry processor.
func (q *EventQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)

		go q.worker(i)
	}

	q.wg.Add(1)

	go q.retryProcessor()

	log.Info().Int("workers", q.workers).Msg("Event queue started")
}

// Stop stops the workers. Queued events that were not delivered are dropped.
func (q *EventQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	log.Info().Msg("Event queue stopped")
}

// AddTarget registers a target.
func (q *EventQueue) AddTarget(target Target) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.targets[target.Name()] = target
}

// RemoveTarget unregisters a target.
func (q *EventQueue) RemoveTarget(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.targets, name)
}

// Targets returns the registered targets.
func (q *EventQueue) Targets() []Target {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Target, 0, len(q.targets))
	for _, t := range q.targets {
		out = append(out, t)
	}

	return out
}

// Enqueue queues event for targetName without blocking.
func (q *EventQueue) Enqueue(event *Event, targetName string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrTargetClosed
	}

	if _, ok := q.targets[targetName]; !ok {
		return ErrTargetNotFound
	}

	select {
	case q.events <- &QueuedEvent{Event: event, TargetName: targetName, CreatedAt: time.Now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueAll queues event for every registered target.
func (q *EventQueue) EnqueueAll(event *Event) {
	q.mu.RLock()
	names := make([]string, 0, len(q.targets))
	for name := range q.targets {
		names = append(names, name)
	}
	q.mu.RUnlock()

	for _, name := range names {
		if err := q.Enqueue(event, name); err != nil {
			log.Warn().Str("target", name).Err(err).Msg("Failed to enqueue event")
			metrics.RecordNotification(name, false)
		}
	}
}

func (q *EventQueue) worker(id int) {
	defer q.wg.Done()

	log.Debug().Int("worker", id).Msg("Event queue worker started")

	for {
		select {
		case <-q.ctx.Done():
			return
		case qe := <-q.events:
			q.processEvent(qe)
		}
	}
}

func (q *EventQueue) processEvent(qe *QueuedEvent) {
	q.mu.RLock()
	target, ok := q.targets[qe.TargetName]
	q.mu.RUnlock()

	if !ok {
		log.Warn().Str("target", qe.TargetName).Msg("Target not found, dropping event")
		return
	}

	qe.Attempts++

	ctx, cancel := context.WithTimeout(q.ctx, q.publishTimeout)
	defer cancel()

	err := target.Publish(ctx, qe.Event)
	if err == nil {
		metrics.RecordNotification(qe.TargetName, true)
		log.Debug().
			Str("target", qe.TargetName).
			Str("event_id", qe.Event.EventID).
			Msg("Event published")

		return
	}

	log.Warn().
		Str("target", qe.TargetName).
		Int("attempt", qe.Attempts).
		Err(err).
		Msg("Failed to publish event")

	if qe.Attempts < q.maxRetries {
		qe.NextRetry = time.Now().Add(q.retryDelay * time.Duration(1<<uint(qe.Attempts-1)))
		q.scheduleRetry(qe)

		return
	}

	metrics.RecordNotification(qe.TargetName, false)
	log.Error().
		Str("target", qe.TargetName).
		Int("attempts", qe.Attempts).
		Msg("Max retries exceeded, dropping event")
}

func (q *EventQueue) scheduleRetry(qe *QueuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retryQueue = append(q.retryQueue, qe)
}

func (q *EventQueue) retryProcessor() {
	defer q.wg.Done()

	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processRetries()
		}
	}
}

func (q *EventQueue) processRetries() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	now := time.Now()

	var ready, remaining []*QueuedEvent

	for _, qe := range q.retryQueue {
		if now.After(qe.NextRetry) {
			ready = append(ready, qe)
		} else {
			remaining = append(remaining, qe)
		}
	}

	q.retryQueue = remaining
	q.mu.Unlock()

	for _, qe := range ready {
		select {
		case q.events <- qe:
		default:
			metrics.RecordNotification(qe.TargetName, false)
			log.Warn().Str("target", qe.TargetName).Msg("Queue full, dropping retry event")
		}
	}
}

// Stats returns queue statistics.
func (q *EventQueue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return QueueStats{
		QueueLength:      len(q.events),
		RetryQueueLength: len(q.retryQueue),
		TargetCount:      len(q.targets),
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	QueueLength      int `json:"queue_length"`
	RetryQueueLength int `json:"retry_queue_length"`
	TargetCount      int `json:"target_count"`
}
