package dlp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle is a set of patterns and policies loaded together.
type Bundle struct {
	Patterns []Pattern `yaml:"patterns"`
	Policies []Policy  `yaml:"policies"`
}

// BuiltinBundle returns the patterns and policies shipped with the engine.
func BuiltinBundle() Bundle {
	return Bundle{Patterns: BuiltinPatterns(), Policies: BuiltinPolicies()}
}

// LoadBundle reads a YAML bundle from path.
func LoadBundle(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to read rule bundle: %w", err)
	}

	return ParseBundle(data)
}

// ParseBundle decodes a YAML bundle.
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("failed to parse rule bundle: %w", err)
	}

	return b, nil
}

// Install upserts the bundle's patterns, then its policies. It stops at the
// first rejected entry.
func (b Bundle) Install(patterns *PatternRegistry, policies *PolicyRegistry) error {
	for _, p := range b.Patterns {
		if err := patterns.Upsert(p); err != nil {
			return err
		}
	}

	for _, p := range b.Policies {
		if err := policies.Upsert(p); err != nil {
			return err
		}
	}

	return nil
}
