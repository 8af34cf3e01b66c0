// Package provider loads retailer provider definitions: which upstream tools
// extract their data, and the transform schema that normalizes the result.
package provider

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/transform"
)

// ToolStep declares one remote tool invocation in a provider's extraction
// chain. Steps run in declared order. A step with ForEach set runs once per
// entry of that key in the merged prior results, with Args mapping argument
// names to entry fields.
type ToolStep struct {
	Name    string            `koanf:"name"`
	ForEach string            `koanf:"forEach"`
	Args    map[string]string `koanf:"args"`
}

// Config describes one connectable retailer.
type Config struct {
	ID            string           `koanf:"id" json:"brand_id"`
	Name          string           `koanf:"name" json:"brand_name"`
	LogoURL       string           `koanf:"logoUrl" json:"logo_url"`
	Mandatory     bool             `koanf:"mandatory" json:"is_mandatory"`
	Tools         []ToolStep       `koanf:"tools" json:"-"`
	DataTransform transform.Schema `koanf:"dataTransform" json:"-"`
}

type registryFile struct {
	Providers []Config `koanf:"providers"`
}

// Registry resolves provider IDs to their configuration.
type Registry struct {
	byID  map[string]Config
	order []string
}

// NewRegistry builds a registry from explicit configs, preserving order.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{byID: make(map[string]Config, len(configs))}
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if _, dup := r.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}
		if len(cfg.Tools) == 0 {
			return nil, fmt.Errorf("provider %q declares no tools", cfg.ID)
		}
		r.byID[cfg.ID] = cfg
		r.order = append(r.order, cfg.ID)
	}
	return r, nil
}

// Load reads provider definitions from a YAML file.
func Load(path string) (*Registry, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load providers file: %w", err)
	}
	var parsed registryFile
	if err := k.Unmarshal("", &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal providers file: %w", err)
	}
	return NewRegistry(parsed.Providers)
}

// Lookup returns the configuration for a provider ID. Unknown providers are
// a configuration fault: fatal, never retried.
func (r *Registry) Lookup(providerID string) (Config, error) {
	cfg, ok := r.byID[providerID]
	if !ok {
		return Config{}, domain.ErrConfiguration(
			fmt.Sprintf("no tool mapping configured for provider %q", providerID))
	}
	return cfg, nil
}

// All returns every provider in declaration order.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
