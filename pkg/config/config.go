// Package config loads the coherence bus's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CircuitBreakerConfig controls §4.B breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold  int `json:"failure_threshold" yaml:"failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD"`
	RecoveryThreshold int `json:"recovery_threshold" yaml:"recovery_threshold" env:"CIRCUIT_BREAKER_RECOVERY_THRESHOLD"`
	TimeoutWindowS    int `json:"timeout_window_s" yaml:"timeout_window_s" env:"CIRCUIT_BREAKER_TIMEOUT_WINDOW_S"`
}

// TimeoutWindow returns the configured open-state dwell time as a duration.
func (c CircuitBreakerConfig) TimeoutWindow() time.Duration {
	return time.Duration(c.TimeoutWindowS) * time.Second
}

// ChannelConfig controls one fixed bus channel's retention (§4.A).
type ChannelConfig struct {
	MaxLen    int           `json:"max_len" yaml:"max_len"`
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// EvaluatorConfig controls one evaluator capability's deadline (§4.E).
type EvaluatorConfig struct {
	DeadlineMS int `json:"deadline_ms" yaml:"deadline_ms"`
}

// Deadline returns the evaluator's configured deadline as a duration.
func (e EvaluatorConfig) Deadline() time.Duration {
	return time.Duration(e.DeadlineMS) * time.Millisecond
}

// StoreConfig controls Knowledge Store persistence cadence (§4.C, §6).
type StoreConfig struct {
	SnapshotEvery int    `json:"snapshot_every" yaml:"snapshot_every" env:"STORE_SNAPSHOT_EVERY"`
	Driver        string `json:"driver" yaml:"driver" env:"STORE_DRIVER"` // "memory" or "postgres"
	DSN           string `json:"dsn" yaml:"dsn" env:"STORE_DSN"`
}

// PipelineConfig controls Mutation Pipeline retry behavior (§4.F, §6).
type PipelineConfig struct {
	MaxRetries    int `json:"max_retries" yaml:"max_retries" env:"PIPELINE_MAX_RETRIES"`
	BackoffBaseMS int `json:"backoff_base_ms" yaml:"backoff_base_ms" env:"PIPELINE_BACKOFF_BASE_MS"`
}

// BackoffBase returns the configured initial retry delay.
func (p PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMS) * time.Millisecond
}

// ConfidenceFloor maps domain criticality to its minimum confidence (§3).
type ConfidenceFloor struct {
	High   float64 `json:"high" yaml:"high"`
	Medium float64 `json:"medium" yaml:"medium"`
	Low    float64 `json:"low" yaml:"low"`
}

// CoherenceConfig controls the tree's health thresholds (§3, §6).
type CoherenceConfig struct {
	MinScore        float64         `json:"min_score" yaml:"min_score" env:"COHERENCE_MIN_SCORE"`
	ConfidenceFloor ConfidenceFloor `json:"confidence_floor" yaml:"confidence_floor"`
}

// BusConfig controls the stream broker's external endpoint (§6 BUS_URL).
type BusConfig struct {
	URL string `json:"url" yaml:"url" env:"BUS_URL"`
}

// LoggingConfig controls application logging (§6 LOG_LEVEL).
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// Config is the top-level configuration structure (§6).
type Config struct {
	DataDir        string                     `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`
	Bus            BusConfig                  `json:"bus" yaml:"bus"`
	Logging        LoggingConfig              `json:"logging" yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig       `json:"circuit_breaker" yaml:"circuit_breaker"`
	Channels       map[string]ChannelConfig   `json:"channels" yaml:"channels"`
	Evaluators     map[string]EvaluatorConfig `json:"evaluator" yaml:"evaluator"`
	Store          StoreConfig                `json:"store" yaml:"store"`
	Pipeline       PipelineConfig             `json:"pipeline" yaml:"pipeline"`
	Coherence      CoherenceConfig            `json:"coherence" yaml:"coherence"`
}

// Fixed channel names (§4.A).
const (
	ChannelContextMutations   = "context_mutations"
	ChannelSemanticValidation = "semantic_validation"
	ChannelCoherenceAlerts    = "coherence_alerts"
	ChannelFragmentUpdates    = "fragment_updates"
)

// Evaluator capability names (§4.E).
const (
	EvaluatorDrift         = "drift"
	EvaluatorContradiction = "contradiction"
	EvaluatorBelief        = "belief"
	EvaluatorUtility       = "utility"
)

// New returns a configuration populated with the defaults from spec §6.
func New() *Config {
	return &Config{
		DataDir: "data",
		Bus:     BusConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  3,
			RecoveryThreshold: 5,
			TimeoutWindowS:    300,
		},
		Channels: map[string]ChannelConfig{
			ChannelContextMutations:   {MaxLen: 10_000, Retention: 7 * 24 * time.Hour},
			ChannelSemanticValidation: {MaxLen: 5_000, Retention: 3 * 24 * time.Hour},
			ChannelCoherenceAlerts:    {MaxLen: 1_000, Retention: 30 * 24 * time.Hour},
			ChannelFragmentUpdates:    {MaxLen: 20_000, Retention: 14 * 24 * time.Hour},
		},
		Evaluators: map[string]EvaluatorConfig{
			EvaluatorDrift:         {DeadlineMS: 200},
			EvaluatorContradiction: {DeadlineMS: 500},
			EvaluatorBelief:        {DeadlineMS: 300},
			EvaluatorUtility:       {DeadlineMS: 100},
		},
		Store: StoreConfig{
			SnapshotEvery: 256,
			Driver:        "memory",
		},
		Pipeline: PipelineConfig{
			MaxRetries:    3,
			BackoffBaseMS: 100,
		},
		Coherence: CoherenceConfig{
			MinScore: 0.7,
			ConfidenceFloor: ConfidenceFloor{
				High:   0.8,
				Medium: 0.6,
				Low:    0.4,
			},
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the environment;
		// treat that as "no overrides" so local runs work without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, starting from defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
