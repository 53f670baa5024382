package analysis_test

import (
	"testing"
	"time"

	"github.com/stepscope/stepscope/pkg/configs/analysis"
)

func TestLoadAnalysisConfig(t *testing.T) {
	t.Run("it can be created from a config file", func(t *testing.T) {
		result, err := analysis.LoadAnalysisConfig("./testdata/config.yaml")
		if err != nil {
			t.Fatalf("failed to parse config.: %v", err)
		}

		if result.Port() != 8080 {
			t.Errorf("unmatch port:%d, expected:8080", result.Port())
		}

		trialConf := result.Trial()
		if trialConf.Name() != "resnet-batch64" {
			t.Errorf("unmatch name:%s, expected:resnet-batch64", trialConf.Name())
		}
		if trialConf.Dir() != "/var/trials/resnet-batch64" {
			t.Errorf("unmatch dir:%s", trialConf.Dir())
		}
		if trialConf.Strategy() != analysis.StrategyIndex {
			t.Errorf("unmatch strategy:%s", trialConf.Strategy())
		}

		core := trialConf.TrialConfig()
		if core.IncompleteStepWindow != 500 {
			t.Errorf("unmatch window:%d, expected:500", core.IncompleteStepWindow)
		}
		if core.TrainingEndDelay != 10*time.Second {
			t.Errorf("unmatch trainingEndDelay:%s, expected:10s", core.TrainingEndDelay)
		}
		if core.PollInterval != 3*time.Second {
			t.Errorf("unmatch pollInterval:%s, expected:3s", core.PollInterval)
		}
		if core.BootstrapInterval != time.Second {
			t.Errorf("unmatch bootstrapInterval:%s, expected:1s", core.BootstrapInterval)
		}

		if auth := result.Auth(); auth == nil {
			t.Error("auth should be configured")
		} else if string(auth.Key()) != "scoped-dev-key" {
			t.Errorf("unmatch auth key:%s", auth.Key())
		}
	})

	t.Run("it defaults port, strategy and name", func(t *testing.T) {
		result, err := analysis.Unmarshal([]byte(`
trial:
  dir: "/var/trials/run"
`))
		if err != nil {
			t.Fatalf("failed to parse config.: %v", err)
		}
		if result.Port() != 8080 {
			t.Errorf("default port: got %d", result.Port())
		}
		if result.Trial().Strategy() != analysis.StrategyIndex {
			t.Errorf("default strategy: got %s", result.Trial().Strategy())
		}
		if result.Trial().Name() != "/var/trials/run" {
			t.Errorf("default name: got %s", result.Trial().Name())
		}
		if result.Auth() != nil {
			t.Error("auth should be absent")
		}
	})

	t.Run("it panics on a missing trial dir", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		_, _ = analysis.Unmarshal([]byte(`
trial:
  strategy: "events"
`))
	})

	t.Run("it panics on an unknown strategy", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		_, _ = analysis.Unmarshal([]byte(`
trial:
  dir: "/var/trials/run"
  strategy: "carrier-pigeon"
`))
	})
}
