package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/rs/zerolog/log"
)

const defaultBundleDebounce = 250 * time.Millisecond

// RuleSource returns the rules saved through the admin API.
type RuleSource interface {
	LoadRules(ctx context.Context) (dlp.Bundle, error)
}

// BundleWatcher reinstalls a rule bundle whenever its file changes. Rules
// are upserted, so entries deleted from the file stay installed until they
// are removed through the admin API.
type BundleWatcher struct {
	patterns *dlp.PatternRegistry
	policies *dlp.PolicyRegistry
	saved    RuleSource
	watcher  *fsnotify.Watcher
	done     chan struct{}
	path     string
	debounce time.Duration
	stopOnce sync.Once
}

// NewBundleWatcher watches the directory holding path, since editors often
// replace a file instead of writing it in place.
func NewBundleWatcher(path string, patterns *dlp.PatternRegistry, policies *dlp.PolicyRegistry) (*BundleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &BundleWatcher{
		path:     filepath.Clean(path),
		patterns: patterns,
		policies: policies,
		watcher:  watcher,
		debounce: defaultBundleDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in the background.
func (b *BundleWatcher) Start() {
	go b.loop()
	log.Info().Str("path", b.path).Msg("Watching rule bundle")
}

// Stop ends the watch and waits for the loop to exit.
func (b *BundleWatcher) Stop() {
	b.stopOnce.Do(func() {
		_ = b.watcher.Close()
		<-b.done
	})
}

// SetRuleSource makes Reload leave rules saved through the admin API alone,
// matching the startup order where persisted rules are applied last.
func (b *BundleWatcher) SetRuleSource(src RuleSource) {
	b.saved = src
}

// Reload parses the bundle and installs it.
func (b *BundleWatcher) Reload() error {
	bundle, err := dlp.LoadBundle(b.path)
	if err != nil {
		return err
	}

	skipped := 0

	if b.saved != nil {
		saved, err := b.saved.LoadRules(context.Background())
		if err != nil {
			return fmt.Errorf("failed to load saved rules: %w", err)
		}

		bundle, skipped = withoutSaved(bundle, saved)
	}

	if err := bundle.Install(b.patterns, b.policies); err != nil {
		return err
	}

	log.Info().
		Str("path", b.path).
		Int("patterns", len(bundle.Patterns)).
		Int("policies", len(bundle.Policies)).
		Int("skipped_saved", skipped).
		Msg("Rule bundle reloaded")

	return nil
}

// withoutSaved drops the bundle entries whose ids appear in saved.
func withoutSaved(bundle, saved dlp.Bundle) (dlp.Bundle, int) {
	patternIDs := make(map[string]struct{}, len(saved.Patterns))
	for _, p := range saved.Patterns {
		patternIDs[p.ID] = struct{}{}
	}

	policyIDs := make(map[string]struct{}, len(saved.Policies))
	for _, p := range saved.Policies {
		policyIDs[p.ID] = struct{}{}
	}

	var out dlp.Bundle

	for _, p := range bundle.Patterns {
		if _, ok := patternIDs[p.ID]; !ok {
			out.Patterns = append(out.Patterns, p)
		}
	}

	for _, p := range bundle.Policies {
		if _, ok := policyIDs[p.ID]; !ok {
			out.Policies = append(out.Policies, p)
		}
	}

	return out, len(bundle.Patterns) + len(bundle.Policies) - len(out.Patterns) - len(out.Policies)
}

func (b *BundleWatcher) loop() {
	defer close(b.done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != b.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Coalesce the burst of events a single save produces.
			if timer == nil {
				timer = time.NewTimer(b.debounce)
			} else {
				timer.Reset(b.debounce)
			}

			fire = timer.C

		case <-fire:
			fire = nil

			if err := b.Reload(); err != nil {
				log.Error().Err(err).Str("path", b.path).Msg("Ignoring invalid rule bundle")
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}

			log.Warn().Err(err).Str("path", b.path).Msg("Bundle watcher error")
		}
	}
}
