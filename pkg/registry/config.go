package registry

import (
	"maps"
	"time"
)

// AgentConfig is the per-topic configuration handed to every new instance.
type AgentConfig struct {
	MaxRetries int               `json:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration     `json:"timeout" yaml:"timeout"`
	Features   map[string]bool   `json:"features,omitempty" yaml:"features"`
	Settings   map[string]string `json:"settings,omitempty" yaml:"settings"`
}

// Clone returns a deep copy so instances never share maps with the registry.
func (c AgentConfig) Clone() AgentConfig {
	c.Features = maps.Clone(c.Features)
	c.Settings = maps.Clone(c.Settings)
	return c
}

// Enabled reports whether a feature toggle is switched on.
func (c AgentConfig) Enabled(feature string) bool {
	return c.Features[feature]
}

// Setting returns a setting or fallback when it is unset or blank.
func (c AgentConfig) Setting(key string, fallback string) string {
	if value, ok := c.Settings[key]; ok && value != "" {
		return value
	}
	return fallback
}

// ConfigPatch is a partial update. Nil fields are left untouched; map entries
// are merged key by key.
type ConfigPatch struct {
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries"`
	Timeout    *time.Duration    `json:"timeout,omitempty" yaml:"timeout"`
	Features   map[string]bool   `json:"features,omitempty" yaml:"features"`
	Settings   map[string]string `json:"settings,omitempty" yaml:"settings"`
}

// Apply merges patch into a copy of c.
func (c AgentConfig) Apply(patch ConfigPatch) AgentConfig {
	out := c.Clone()
	if patch.MaxRetries != nil {
		out.MaxRetries = max(*patch.MaxRetries, 0)
	}
	if patch.Timeout != nil {
		out.Timeout = max(*patch.Timeout, 0)
	}
	if len(patch.Features) > 0 {
		if out.Features == nil {
			out.Features = make(map[string]bool, len(patch.Features))
		}
		maps.Copy(out.Features, patch.Features)
	}
	if len(patch.Settings) > 0 {
		if out.Settings == nil {
			out.Settings = make(map[string]string, len(patch.Settings))
		}
		maps.Copy(out.Settings, patch.Settings)
	}

	return out
}
