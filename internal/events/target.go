package events

import (
	"context"
	"errors"
)

// Target is a notification destination.
type Target interface {
	// Name returns the target name
	Name() string

	// Type returns the target type (webhook, redis, ...)
	Type() string

	// Publish sends an event to the target
	Publish(ctx context.Context, event *Event) error

	// IsHealthy checks if the target is reachable
	IsHealthy(ctx context.Context) bool

	// Close releases the target's connections
	Close() error
}

// TargetConfig is the configuration shared by every target.
type TargetConfig struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Common target errors.
var (
	ErrTargetClosed   = errors.New("target is closed")
	ErrPublishFailed  = errors.New("failed to publish event")
	ErrQueueFull      = errors.New("event queue is full")
	ErrTargetNotFound = errors.New("target not found")
	ErrInvalidConfig  = errors.New("invalid target configuration")
)

// TargetFactory creates targets from configuration.
type TargetFactory func(config map[string]any) (Target, error)

var targetFactories = make(map[string]TargetFactory)

// RegisterTargetFactory registers a target factory.
func RegisterTargetFactory(targetType string, factory TargetFactory) {
	targetFactories[targetType] = factory
}

// CreateTarget creates a target from configuration.
func CreateTarget(targetType string, config map[string]any) (Target, error) {
	factory, ok := targetFactories[targetType]
	if !ok {
		return nil, errors.New("unknown target type: " + targetType)
	}

	return factory(config)
}
