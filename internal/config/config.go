// Package config provides configuration types and loading for turnloop.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Provider, Engine, Safety, Kafka.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Model    ModelConfig    `json:"model"`
	Provider ProviderConfig `json:"provider"`
	Engine   EngineConfig   `json:"engine"`
	Safety   SafetyConfig   `json:"safety"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Workspace      string `json:"workspace" envconfig:"WORKSPACE"`
	TranscriptPath string `json:"transcriptPath" envconfig:"TRANSCRIPT_PATH"`
	SessionsDir    string `json:"sessionsDir" envconfig:"SESSIONS_DIR"`
}

// ModelConfig groups LLM model settings.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
}

// ProviderConfig contains settings for the LLM provider endpoint.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// EngineConfig groups turn execution settings.
type EngineConfig struct {
	MaxIterations     int           `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	MaxBatchCalls     int           `json:"maxBatchCalls" envconfig:"MAX_BATCH_CALLS"`
	SubagentBudget    int           `json:"subagentBudget" envconfig:"SUBAGENT_BUDGET"`
	SentinelInterval  time.Duration `json:"sentinelInterval" envconfig:"SENTINEL_INTERVAL"`
	ExecTimeout       time.Duration `json:"execTimeout" envconfig:"EXEC_TIMEOUT"`
	ApprovalTimeout   time.Duration `json:"approvalTimeout" envconfig:"APPROVAL_TIMEOUT"`
	RestrictWorkspace bool          `json:"restrictWorkspace" envconfig:"RESTRICT_WORKSPACE"`
}

// SafetyConfig groups authorization settings.
type SafetyConfig struct {
	MaxAutoTier int `json:"maxAutoTier" envconfig:"MAX_AUTO_TIER"`
}

// KafkaConfig configures the optional event mirror.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/turnloop",
		},
		Model: ModelConfig{
			Name:        "gpt-4o",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Engine: EngineConfig{
			MaxIterations:     200,
			MaxBatchCalls:     10,
			SubagentBudget:    50,
			SentinelInterval:  2 * time.Second,
			ExecTimeout:       60 * time.Second,
			ApprovalTimeout:   10 * time.Minute,
			RestrictWorkspace: true,
		},
		Safety: SafetyConfig{
			MaxAutoTier: 1,
		},
		Kafka: KafkaConfig{
			Topic: "turnloop.events",
		},
	}
}
