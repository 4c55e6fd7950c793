// Package events delivers violation notifications to external targets.
//
// The Emitter implements dlp.Notifier. Violations at or above the configured
// minimum severity are wrapped in an Event and queued for every registered
// target; delivery is asynchronous with retry, so a slow or failing target
// never stalls a scan. Targets live in the targets subpackage:
//
//   - webhook: JSON POST with an optional HMAC-SHA256 signature
//   - redis: pub/sub channel or stream
package events

import (
	"context"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/rs/zerolog/log"
)

// Emitter routes violations to targets.
type Emitter struct {
	queue       *EventQueue
	minSeverity dlp.Severity
	enabled     bool
}

// EmitterConfig configures the emitter.
type EmitterConfig struct {
	// MinSeverity drops violations below this severity. Empty sends all.
	MinSeverity dlp.Severity     `json:"min_severity" yaml:"min_severity"`
	Queue       EventQueueConfig `json:"queue" yaml:"queue"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
}

// DefaultEmitterConfig returns the default emitter configuration.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Enabled: true,
		Queue:   DefaultQueueConfig(),
	}
}

// NewEmitter creates an emitter.
func NewEmitter(config EmitterConfig) *Emitter {
	return &Emitter{
		queue:       NewEventQueue(config.Queue),
		minSeverity: config.MinSeverity,
		enabled:     config.Enabled,
	}
}

// Start starts delivery.
func (e *Emitter) Start() {
	if !e.enabled {
		log.Info().Msg("Event emitter disabled")
		return
	}

	e.queue.Start()
	log.Info().Msg("Event emitter started")
}

// Stop stops delivery and closes every target.
func (e *Emitter) Stop() {
	e.queue.Stop()

	for _, t := range e.queue.Targets() {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("target", t.Name()).Msg("Failed to close target")
		}
	}

	log.Info().Msg("Event emitter stopped")
}

// AddTarget registers a target.
func (e *Emitter) AddTarget(target Target) {
	e.queue.AddTarget(target)
	log.Info().Str("target", target.Name()).Str("type", target.Type()).Msg("Target added")
}

// RemoveTarget unregisters a target.
func (e *Emitter) RemoveTarget(name string) {
	e.queue.RemoveTarget(name)
	log.Info().Str("target", name).Msg("Target removed")
}

// NotifyViolation implements dlp.Notifier.
func (e *Emitter) NotifyViolation(_ context.Context, v *dlp.Violation) {
	if !e.enabled || v == nil {
		return
	}

	if e.minSeverity != "" && v.Severity.Rank() < e.minSeverity.Rank() {
		return
	}

	event := NewViolationEvent(v)

	log.Debug().
		Str("violation_id", v.ID).
		Str("policy_id", v.PolicyID).
		Str("event_id", event.EventID).
		Msg("Emitting violation event")

	e.queue.EnqueueAll(event)
}

// Healthy reports whether every target is reachable.
func (e *Emitter) Healthy(ctx context.Context) (bool, []string) {
	var unhealthy []string

	for _, t := range e.queue.Targets() {
		if !t.IsHealthy(ctx) {
			unhealthy = append(unhealthy, t.Name())
		}
	}

	return len(unhealthy) == 0, unhealthy
}

// Stats returns emitter statistics.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Enabled:    e.enabled,
		QueueStats: e.queue.Stats(),
	}
}

// EmitterStats contains emitter statistics.
type EmitterStats struct {
	QueueStats QueueStats `json:"queue_stats"`
	Enabled    bool       `json:"enabled"`
}

var _ dlp.Notifier = (*Emitter)(nil)
