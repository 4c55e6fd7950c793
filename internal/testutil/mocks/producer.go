package mocks

import (
	"context"
	"sync"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// StaticProducer emits a fixed list of units, or fails with an injected error
// after emitting them.
type StaticProducer struct {
	err   error
	units []dlp.Unit
	calls int
	mu    sync.Mutex
}

// NewStaticProducer creates a producer that emits units in order.
func NewStaticProducer(units ...dlp.Unit) *StaticProducer {
	return &StaticProducer{units: units}
}

// SetError sets the error returned after all units are emitted.
func (p *StaticProducer) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = err
}

// Calls returns how many scans used the producer.
func (p *StaticProducer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

// Produce implements dlp.Producer.
func (p *StaticProducer) Produce(_ context.Context, _ *dlp.ScanRequest, emit dlp.EmitFunc) error {
	p.mu.Lock()
	p.calls++
	units := append([]dlp.Unit(nil), p.units...)
	err := p.err
	p.mu.Unlock()

	for _, u := range units {
		if emitErr := emit(u); emitErr != nil {
			return emitErr
		}
	}

	return err
}

// BlockingProducer blocks every scan until its context is cancelled.
type BlockingProducer struct {
	started chan struct{}
	once    sync.Once
}

// NewBlockingProducer creates a new BlockingProducer.
func NewBlockingProducer() *BlockingProducer {
	return &BlockingProducer{started: make(chan struct{})}
}

// Started is closed once the first scan is running.
func (p *BlockingProducer) Started() <-chan struct{} {
	return p.started
}

// Produce implements dlp.Producer.
func (p *BlockingProducer) Produce(ctx context.Context, _ *dlp.ScanRequest, _ dlp.EmitFunc) error {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()

	return ctx.Err()
}
