package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepConfig declares one named step and its retry budget. Retries is the
// number of additional attempts after the first failure.
type StepConfig struct {
	Name    string `yaml:"name"`
	Retries int    `yaml:"retries"`
}

// Config declares the step sequence and the collaborator endpoints the steps
// call. Projects can trim or reorder steps by shipping their own file.
type Config struct {
	SandboxURL string       `yaml:"sandbox_url"`
	BuildURL   string       `yaml:"build_url"`
	EvalURL    string       `yaml:"eval_url"`
	Steps      []StepConfig `yaml:"steps"`
}

// DefaultConfig returns the standard five-step sequence.
func DefaultConfig() Config {
	return Config{
		Steps: []StepConfig{
			{Name: StepSandbox, Retries: 1},
			{Name: StepAnalyze},
			{Name: StepBuild, Retries: 2},
			{Name: StepEvaluate, Retries: 1},
			{Name: StepReport},
		},
	}
}

// LoadConfig reads a pipeline config from a YAML file. Endpoint URLs present
// in the file override the given defaults; an absent steps list keeps the
// default sequence.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse pipeline config: %w", err)
	}
	if len(cfg.Steps) == 0 {
		cfg.Steps = DefaultConfig().Steps
	}
	for _, s := range cfg.Steps {
		if s.Name == "" {
			return cfg, fmt.Errorf("pipeline config: step with empty name")
		}
		if s.Retries < 0 {
			return cfg, fmt.Errorf("pipeline config: step %s has negative retries", s.Name)
		}
	}
	return cfg, nil
}
