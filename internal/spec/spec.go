// Package spec loads and validates the declarative integration
// specification.
package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/entryctl/entryctl/internal/flow"
)

// Item declares one managed integration entry.
type Item struct {
	Platform        string `yaml:"platform"`
	ConfigurationID string `yaml:"configuration_id"`
	// Answers are the answer sets for the creation flow, one per
	// step.
	Answers []flow.AnswerSet `yaml:"answers"`
	// Options are the answer sets for the options flow. Absent means
	// the options flow is never driven for this entry; an empty list
	// drives it with no answers.
	Options              []flow.AnswerSet `yaml:"options"`
	OptionsNeedsRecreate bool             `yaml:"options_needs_recreate"`
}

// Document is the root of a specification file.
type Document struct {
	Integrations []Item `yaml:"integrations"`
}

// Load reads and parses a specification file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading specification: %w", err)
	}
	return Parse(data)
}

// Parse parses specification YAML and validates it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing specification: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks required fields and configuration id uniqueness.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Integrations))
	for i, it := range d.Integrations {
		if it.Platform == "" {
			return fmt.Errorf("integrations[%d]: platform is required", i)
		}
		if it.ConfigurationID == "" {
			return fmt.Errorf("integrations[%d] (%s): configuration_id is required", i, it.Platform)
		}
		if it.Answers == nil {
			return fmt.Errorf("integrations[%d] (%s): answers is required", i, it.ConfigurationID)
		}
		if seen[it.ConfigurationID] {
			return fmt.Errorf("integrations[%d]: duplicate configuration_id %q", i, it.ConfigurationID)
		}
		seen[it.ConfigurationID] = true
	}
	return nil
}
