package analysis

import (
	"fmt"
	"time"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/analysis.XxxMarshall` are `Marshalled[*Xxx]`.
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type AnalysisConfigMarshall struct {
	Port  int32                `yaml:"port"`
	Trial *TrialConfigMarshall `yaml:"trial"`
	Auth  *AuthConfigMarshall  `yaml:"auth,omitempty"`
}

var _ Marshalled[*AnalysisConfig] = &AnalysisConfigMarshall{}

func (m *AnalysisConfigMarshall) trySeal(path string) *AnalysisConfig {
	port := m.Port
	if port == 0 {
		port = 8080
	}
	var auth *AuthConfig
	if m.Auth != nil {
		auth = m.Auth.trySeal(path + ".auth")
	}
	return &AnalysisConfig{
		port:  port,
		trial: nonnil(m.Trial, path+".trial").trySeal(path + ".trial"),
		auth:  auth,
	}
}

// Configuration of the trial to serve.
//
// This type is marshalling value and mutable. Consider to use the
// immutable version, `TrialConfig`, sealed with `TrySeal`.
type TrialConfigMarshall struct {
	Name     string `yaml:"name,omitempty"`
	Dir      string `yaml:"dir"`
	Strategy string `yaml:"strategy,omitempty"`

	IncompleteStepWindow int    `yaml:"incompleteStepWindow,omitempty"`
	TrainingEndDelay     string `yaml:"trainingEndDelay,omitempty"`
	PollInterval         string `yaml:"pollInterval,omitempty"`
	BootstrapInterval    string `yaml:"bootstrapInterval,omitempty"`
}

func (m *TrialConfigMarshall) trySeal(path string) *TrialConfig {
	dir := required(m.Dir, path+".dir")

	name := m.Name
	if name == "" {
		name = dir
	}

	strategy := m.Strategy
	if strategy == "" {
		strategy = StrategyIndex
	}
	if strategy != StrategyIndex && strategy != StrategyEvents {
		panic(fmt.Errorf(
			"%s.strategy must be %q or %q, not %q",
			path, StrategyIndex, StrategyEvents, strategy,
		))
	}

	return &TrialConfig{
		name:                 name,
		dir:                  dir,
		strategy:             strategy,
		incompleteStepWindow: m.IncompleteStepWindow,
		trainingEndDelay:     duration(m.TrainingEndDelay, path+".trainingEndDelay"),
		pollInterval:         duration(m.PollInterval, path+".pollInterval"),
		bootstrapInterval:    duration(m.BootstrapInterval, path+".bootstrapInterval"),
	}
}

type AuthConfigMarshall struct {
	Key string `yaml:"key"`
}

func (m *AuthConfigMarshall) trySeal(path string) *AuthConfig {
	return &AuthConfig{key: required(m.Key, path+".key")}
}

func required[T comparable](value T, path string) T {
	var zero T
	if value == zero {
		panic(fmt.Errorf("%s is required", path))
	}
	return value
}

func nonnil[T any](value *T, path string) *T {
	if value == nil {
		panic(fmt.Errorf("%s is required", path))
	}
	return value
}

// duration parses a duration string; "" stays zero so the core's
// documented default applies.
func duration(value string, path string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	return d
}
