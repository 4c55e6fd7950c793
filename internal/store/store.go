// Package store persists violations, scan results and rule definitions in
// BadgerDB so they survive restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/rs/zerolog/log"
)

// Key prefixes.
const (
	prefixViolation = "violation:"
	prefixScan      = "scan:"
	prefixPattern   = "pattern:"
	prefixPolicy    = "policy:"
)

const dirPermissions = 0o750

// Config configures the store.
type Config struct {
	Dir      string
	InMemory bool
}

// Store is a BadgerDB-backed implementation of dlp.Persister that also keeps
// the pattern and policy definitions installed through the admin API.
type Store struct {
	db *badger.DB
}

// record wraps a rule with its first-insertion sequence so that load order
// matches registry order.
type record struct {
	Value json.RawMessage `json:"value"`
	Seq   int64           `json:"seq"`
}

// Open opens (or creates) the store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options

	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("store directory is required")
		}

		err := os.MkdirAll(cfg.Dir, dirPermissions)
		if err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}

		opts = badger.DefaultOptions(cfg.Dir)
	}

	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db.IsClosed() {
		return errors.New("store is closed")
	}

	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("_ping"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		return err
	})
}

// SaveViolation implements dlp.Persister.
func (s *Store) SaveViolation(_ context.Context, v *dlp.Violation) error {
	return s.put(prefixViolation+v.ID, v)
}

// SaveScanResult implements dlp.Persister.
func (s *Store) SaveScanResult(_ context.Context, r *dlp.ScanResult) error {
	return s.put(prefixScan+r.ScanID, r)
}

// LoadViolations returns every stored violation ordered by timestamp.
func (s *Store) LoadViolations(_ context.Context) ([]*dlp.Violation, error) {
	var out []*dlp.Violation

	err := s.scan(prefixViolation, func(data []byte) error {
		var v dlp.Violation
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}

		out = append(out, &v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	return out, nil
}

// LoadResults returns every stored scan result ordered by timestamp.
func (s *Store) LoadResults(_ context.Context) ([]*dlp.ScanResult, error) {
	var out []*dlp.ScanResult

	err := s.scan(prefixScan, func(data []byte) error {
		var r dlp.ScanResult
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}

		out = append(out, &r)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	return out, nil
}

// SavePattern stores a pattern definition.
func (s *Store) SavePattern(_ context.Context, p *dlp.Pattern) error {
	return s.putRule(prefixPattern+p.ID, p)
}

// DeletePattern removes a pattern definition.
func (s *Store) DeletePattern(_ context.Context, id string) error {
	return s.delete(prefixPattern + id)
}

// SavePolicy stores a policy definition.
func (s *Store) SavePolicy(_ context.Context, p *dlp.Policy) error {
	return s.putRule(prefixPolicy+p.ID, p)
}

// DeletePolicy removes a policy definition.
func (s *Store) DeletePolicy(_ context.Context, id string) error {
	return s.delete(prefixPolicy + id)
}

// LoadRules returns the stored definitions as a bundle in insertion order.
func (s *Store) LoadRules(_ context.Context) (dlp.Bundle, error) {
	var bundle dlp.Bundle

	patterns, err := s.scanRules(prefixPattern)
	if err != nil {
		return bundle, err
	}

	for _, raw := range patterns {
		var p dlp.Pattern
		if err := json.Unmarshal(raw, &p); err != nil {
			return bundle, fmt.Errorf("invalid stored pattern: %w", err)
		}

		bundle.Patterns = append(bundle.Patterns, p)
	}

	policies, err := s.scanRules(prefixPolicy)
	if err != nil {
		return bundle, err
	}

	for _, raw := range policies {
		var p dlp.Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return bundle, fmt.Errorf("invalid stored policy: %w", err)
		}

		bundle.Policies = append(bundle.Policies, p)
	}

	return bundle, nil
}

// Restore loads persisted state into the registries and the violation store.
// Rules that no longer validate are skipped with a warning.
func (s *Store) Restore(ctx context.Context, patterns *dlp.PatternRegistry, policies *dlp.PolicyRegistry, violations *dlp.ViolationStore) error {
	bundle, err := s.LoadRules(ctx)
	if err != nil {
		return err
	}

	for _, p := range bundle.Patterns {
		if err := patterns.Upsert(p); err != nil {
			log.Warn().Err(err).Str("pattern_id", p.ID).Msg("Skipping stored pattern")
		}
	}

	for _, p := range bundle.Policies {
		if err := policies.Upsert(p); err != nil {
			log.Warn().Err(err).Str("policy_id", p.ID).Msg("Skipping stored policy")
		}
	}

	vs, err := s.LoadViolations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load violations: %w", err)
	}

	violations.Restore(vs)

	results, err := s.LoadResults(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scan results: %w", err)
	}

	violations.RestoreResults(results)

	log.Info().
		Int("patterns", len(bundle.Patterns)).
		Int("policies", len(bundle.Policies)).
		Int("violations", len(vs)).
		Int("scans", len(results)).
		Msg("Restored persisted state")

	return nil
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) putRule(key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		rec := record{Value: value, Seq: time.Now().UnixNano()}

		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			var existing record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return err
			}

			rec.Seq = existing.Seq
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return txn.Set([]byte(key), data)
	})
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) scan(prefix string, fn func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
		}

		return nil
	})
}

func (s *Store) scanRules(prefix string) ([]json.RawMessage, error) {
	var recs []record

	err := s.scan(prefix, func(data []byte) error {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		recs = append(recs, rec)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Value)
	}

	return out, nil
}
