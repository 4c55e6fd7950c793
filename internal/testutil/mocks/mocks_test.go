package mocks

import (
	"context"
	"errors"
	"testing"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRuleStore(t *testing.T) {
	store := NewMockRuleStore()
	ctx := context.Background()

	require.NoError(t, store.SavePattern(ctx, &dlp.Pattern{ID: "ssn"}))
	require.NoError(t, store.SavePolicy(ctx, &dlp.Policy{ID: "pii"}))
	require.NoError(t, store.DeletePattern(ctx, "ssn"))

	assert.Equal(t, []string{"pattern/ssn", "policy/pii"}, store.Saved())
	assert.Equal(t, []string{"pattern/ssn"}, store.Deleted())

	injected := errors.New("disk full")
	store.SetError(injected)

	assert.ErrorIs(t, store.DeletePolicy(ctx, "pii"), injected)
	assert.Equal(t, []string{"pattern/ssn", "policy/pii"}, store.Deleted())
}

func TestMockPersister(t *testing.T) {
	p := NewMockPersister()
	ctx := context.Background()

	v := &dlp.Violation{ID: "v-1", RemediationStatus: dlp.RemediationPending}
	require.NoError(t, p.SaveViolation(ctx, v))

	// Stored values are copies.
	v.RemediationStatus = dlp.RemediationResolved

	stored, ok := p.Violation("v-1")
	require.True(t, ok)
	assert.Equal(t, dlp.RemediationPending, stored.RemediationStatus)

	p.SetSaveViolationError(errors.New("unavailable"))
	require.Error(t, p.SaveViolation(ctx, &dlp.Violation{ID: "v-2"}))

	assert.Equal(t, 1, p.ViolationCount())
	assert.Equal(t, 2, p.SaveCount())

	require.NoError(t, p.SaveScanResult(ctx, &dlp.ScanResult{ScanID: "s-1"}))

	_, ok = p.ScanResult("s-1")
	assert.True(t, ok)
}

func TestStaticProducer(t *testing.T) {
	injected := errors.New("listing failed")
	p := NewStaticProducer(dlp.Unit{Text: "a"}, dlp.Unit{Text: "b"})
	p.SetError(injected)

	var got []string

	err := p.Produce(context.Background(), &dlp.ScanRequest{}, func(u dlp.Unit) error {
		got = append(got, u.Text)
		return nil
	})

	require.ErrorIs(t, err, injected)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, p.Calls())

	stop := errors.New("stop")
	err = p.Produce(context.Background(), &dlp.ScanRequest{}, func(dlp.Unit) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestBlockingProducer(t *testing.T) {
	p := NewBlockingProducer()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- p.Produce(ctx, &dlp.ScanRequest{}, nil) }()

	<-p.Started()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}
