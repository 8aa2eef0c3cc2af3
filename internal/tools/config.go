package tools

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/OnboardPipe/internal/util"
)

// Spec declares one configured tool instance.
type Spec struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

type specFile struct {
	Tools []Spec `yaml:"tools"`
}

// LoadSpecs reads a YAML tools file.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file %s: %w", path, err)
	}
	var file specFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tools file %s: %w", path, err)
	}
	return file.Tools, nil
}

// RegisterSpecs builds every spec and registers it in r.
func RegisterSpecs(r *Registry, specs []Spec) error {
	for _, spec := range specs {
		tool, err := Build(spec)
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.Name, err)
		}
		if err := r.Register(spec.Name, tool); err != nil {
			return err
		}
		slog.Info("RegisterSpecs: configured tool registered", "tool", spec.Name, "type", spec.Type)
	}
	return nil
}

// Build constructs a tool from its spec.
func Build(spec Spec) (Tool, error) {
	switch spec.Type {
	case "http":
		var cfg HTTPConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, err
		}
		return NewHTTPTool(cfg), nil
	case "handoff":
		var cfg HandoffConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, err
		}
		return NewHandoffTool(cfg), nil
	case "set":
		var cfg SetConfig
		if err := decodeConfig(spec.Config, &cfg); err != nil {
			return nil, err
		}
		return NewSetTool(cfg), nil
	default:
		return nil, fmt.Errorf("unknown tool type %q", spec.Type)
	}
}

// decodeConfig maps raw YAML values onto target, then applies defaults and validation.
func decodeConfig(raw map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return util.PrepareConfig(target)
}
