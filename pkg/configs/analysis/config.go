package analysis

import (
	"time"

	"github.com/stepscope/stepscope/pkg/domain/trial"
)

// AnalysisConfig is the sealed configuration of the scoped server.
//
// To get an instance, use `AnalysisConfigMarshall.TrySeal()`.
type AnalysisConfig struct {
	port  int32
	trial *TrialConfig
	auth  *AuthConfig
}

func (c *AnalysisConfig) Port() int32 {
	return c.port
}

func (c *AnalysisConfig) Trial() *TrialConfig {
	return c.trial
}

// Auth is nil when the server runs without authentication.
func (c *AnalysisConfig) Auth() *AuthConfig {
	return c.auth
}

// Reader strategy names accepted in configuration.
const (
	StrategyIndex  = "index"
	StrategyEvents = "events"
)

type TrialConfig struct {
	name                 string
	dir                  string
	strategy             string
	incompleteStepWindow int
	trainingEndDelay     time.Duration
	pollInterval         time.Duration
	bootstrapInterval    time.Duration
}

func (c *TrialConfig) Name() string {
	return c.name
}

// Dir is the trial output directory to read.
func (c *TrialConfig) Dir() string {
	return c.dir
}

// Strategy selects the reader variant: StrategyIndex or StrategyEvents.
func (c *TrialConfig) Strategy() string {
	return c.strategy
}

// TrialConfig translates to the core's tuning knobs.
func (c *TrialConfig) TrialConfig() trial.Config {
	return trial.Config{
		IncompleteStepWindow: c.incompleteStepWindow,
		TrainingEndDelay:     c.trainingEndDelay,
		PollInterval:         c.pollInterval,
		BootstrapInterval:    c.bootstrapInterval,
	}
}

// AuthConfig carries the HS256 shared key bearer tokens are verified
// against.
type AuthConfig struct {
	key string
}

func (c *AuthConfig) Key() []byte {
	return []byte(c.key)
}
