package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agentflow/pkg/bus"
)

type defaultsFile struct {
	Agents map[string]ConfigPatch `yaml:"agents"`
}

// LoadDefaults reads per-topic config overrides from a YAML file:
//
//	agents:
//	  requirement-analyzer:
//	    max_retries: 3
//	    timeout: 30s
//	    features: {llm: true}
func LoadDefaults(path string) (map[bus.Topic]ConfigPatch, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent defaults: %w", err)
	}

	var file defaultsFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse agent defaults: %w", err)
	}

	out := make(map[bus.Topic]ConfigPatch, len(file.Agents))
	for topic, patch := range file.Agents {
		if err := validTopic(bus.Topic(topic)); err != nil {
			return nil, fmt.Errorf("agent defaults: %w", err)
		}
		out[bus.Topic(topic)] = patch
	}

	return out, nil
}
