package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/piwi3910/nebulaguard/internal/events"
	_ "github.com/piwi3910/nebulaguard/internal/events/targets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTarget records published events and fails the first failures calls.
type MockTarget struct {
	name      string
	received  []*events.Event
	failures  int32
	published int32
	attempts  int32
	healthy   bool
	closed    bool
	mu        sync.Mutex
}

func NewMockTarget(name string) *MockTarget {
	return &MockTarget{name: name, healthy: true}
}

func (m *MockTarget) Name() string { return m.name }

func (m *MockTarget) Type() string { return "mock" }

func (m *MockTarget) Publish(_ context.Context, event *events.Event) error {
	if atomic.AddInt32(&m.attempts, 1) <= atomic.LoadInt32(&m.failures) {
		return errors.New("temporary failure")
	}

	m.mu.Lock()
	m.received = append(m.received, event)
	m.mu.Unlock()

	atomic.AddInt32(&m.published, 1)

	return nil
}

func (m *MockTarget) IsHealthy(_ context.Context) bool { return m.healthy }

func (m *MockTarget) Close() error {
	m.closed = true
	return nil
}

func (m *MockTarget) Published() int { return int(atomic.LoadInt32(&m.published)) }

func (m *MockTarget) Received() []*events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*events.Event(nil), m.received...)
}

func violation(id string, severity dlp.Severity) *dlp.Violation {
	return &dlp.Violation{
		ID:                id,
		PolicyID:          dlp.PolicyPIIProtection,
		Severity:          severity,
		DataType:          dlp.DataTypeSSN,
		RemediationStatus: dlp.RemediationPending,
		Timestamp:         time.Now(),
	}
}

func fastQueue() events.EventQueueConfig {
	return events.EventQueueConfig{
		QueueSize:      16,
		MaxRetries:     3,
		RetryDelay:     10 * time.Millisecond,
		PublishTimeout: time.Second,
		Workers:        1,
	}
}

func TestNewViolationEvent(t *testing.T) {
	v := violation("v1", dlp.SeverityHigh)
	event := events.NewViolationEvent(v)

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, events.EventViolationDetected, event.EventName)
	assert.Equal(t, "nebulaguard", event.Source)

	raw, err := event.ToJSON()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "dlp:violation:detected", wire["event_name"])
	assert.Equal(t, "v1", wire["violation"].(map[string]any)["id"])
}

func TestEmitterDeliversToEveryTarget(t *testing.T) {
	emitter := events.NewEmitter(events.EmitterConfig{Enabled: true, Queue: fastQueue()})

	a := NewMockTarget("a")
	b := NewMockTarget("b")
	emitter.AddTarget(a)
	emitter.AddTarget(b)
	emitter.Start()

	emitter.NotifyViolation(context.Background(), violation("v1", dlp.SeverityHigh))

	require.Eventually(t, func() bool {
		return a.Published() == 1 && b.Published() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "v1", a.Received()[0].Violation.ID)

	emitter.Stop()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestEmitterMinSeverity(t *testing.T) {
	emitter := events.NewEmitter(events.EmitterConfig{
		Enabled:     true,
		MinSeverity: dlp.SeverityHigh,
		Queue:       fastQueue(),
	})

	target := NewMockTarget("a")
	emitter.AddTarget(target)
	emitter.Start()
	defer emitter.Stop()

	emitter.NotifyViolation(context.Background(), violation("low", dlp.SeverityLow))
	emitter.NotifyViolation(context.Background(), violation("medium", dlp.SeverityMedium))
	emitter.NotifyViolation(context.Background(), violation("critical", dlp.SeverityCritical))
	emitter.NotifyViolation(context.Background(), nil)

	require.Eventually(t, func() bool { return target.Published() == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, target.Received(), 1)
	assert.Equal(t, "critical", target.Received()[0].Violation.ID)
}

func TestEmitterDisabled(t *testing.T) {
	emitter := events.NewEmitter(events.EmitterConfig{Queue: fastQueue()})
	target := NewMockTarget("a")
	emitter.AddTarget(target)
	emitter.Start()

	emitter.NotifyViolation(context.Background(), violation("v1", dlp.SeverityCritical))

	assert.False(t, emitter.Stats().Enabled)
	assert.Equal(t, 0, emitter.Stats().QueueStats.QueueLength)
	assert.Equal(t, 0, target.Published())
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	queue := events.NewEventQueue(fastQueue())
	target := NewMockTarget("flaky")
	target.failures = 2
	queue.AddTarget(target)
	queue.Start()
	defer queue.Stop()

	require.NoError(t, queue.Enqueue(events.NewViolationEvent(violation("v1", dlp.SeverityHigh)), "flaky"))

	require.Eventually(t, func() bool { return target.Published() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&target.attempts))
}

func TestQueueDropsAfterMaxRetries(t *testing.T) {
	queue := events.NewEventQueue(fastQueue())
	target := NewMockTarget("broken")
	target.failures = 100
	queue.AddTarget(target)
	queue.Start()
	defer queue.Stop()

	require.NoError(t, queue.Enqueue(events.NewViolationEvent(violation("v1", dlp.SeverityHigh)), "broken"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&target.attempts) == 3 && queue.Stats().RetryQueueLength == 0
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&target.attempts))
	assert.Equal(t, 0, target.Published())
}

func TestQueueEnqueueErrors(t *testing.T) {
	queue := events.NewEventQueue(events.EventQueueConfig{QueueSize: 1})
	queue.AddTarget(NewMockTarget("a"))

	event := events.NewViolationEvent(violation("v1", dlp.SeverityHigh))

	require.ErrorIs(t, queue.Enqueue(event, "missing"), events.ErrTargetNotFound)

	// Workers are not running, so the single slot stays occupied.
	require.NoError(t, queue.Enqueue(event, "a"))
	require.ErrorIs(t, queue.Enqueue(event, "a"), events.ErrQueueFull)

	stats := queue.Stats()
	assert.Equal(t, 1, stats.QueueLength)
	assert.Equal(t, 1, stats.TargetCount)

	queue.Stop()
	require.ErrorIs(t, queue.Enqueue(event, "a"), events.ErrTargetClosed)
}

func TestQueueRemoveTarget(t *testing.T) {
	queue := events.NewEventQueue(fastQueue())
	queue.AddTarget(NewMockTarget("a"))
	queue.AddTarget(NewMockTarget("b"))
	queue.RemoveTarget("a")

	targets := queue.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, "b", targets[0].Name())
}

func TestEmitterHealthy(t *testing.T) {
	emitter := events.NewEmitter(events.DefaultEmitterConfig())

	good := NewMockTarget("good")
	bad := NewMockTarget("bad")
	bad.healthy = false

	emitter.AddTarget(good)

	ok, unhealthy := emitter.Healthy(context.Background())
	assert.True(t, ok)
	assert.Empty(t, unhealthy)

	emitter.AddTarget(bad)

	ok, unhealthy = emitter.Healthy(context.Background())
	assert.False(t, ok)
	assert.Equal(t, []string{"bad"}, unhealthy)
}

func TestCreateTarget(t *testing.T) {
	target, err := events.CreateTarget("webhook", map[string]any{
		"name": "hook",
		"url":  "http://localhost:9/hook",
	})
	require.NoError(t, err)
	assert.Equal(t, "hook", target.Name())
	assert.Equal(t, "webhook", target.Type())
	require.NoError(t, target.Close())

	target, err = events.CreateTarget("redis", map[string]any{"address": "localhost:6379"})
	require.NoError(t, err)
	assert.Equal(t, "redis", target.Type())
	require.NoError(t, target.Close())

	_, err = events.CreateTarget("webhook", map[string]any{})
	require.ErrorIs(t, err, events.ErrInvalidConfig)

	_, err = events.CreateTarget("carrier-pigeon", nil)
	require.Error(t, err)
}
