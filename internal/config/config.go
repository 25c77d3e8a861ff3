// Package config provides configuration loading for aml.
//
// Configuration is assembled from defaults, an optional YAML file and AML_*
// environment variables. Domain packages never import this package; they take
// their own Config structs, which the service layer builds from these sections.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds the complete aml configuration.
type Config struct {
	Store       StoreConfig       `koanf:"store"`
	Redis       RedisConfig       `koanf:"redis"`
	Confidence  ConfidenceConfig  `koanf:"confidence"`
	Query       QueryConfig       `koanf:"query"`
	Recognition RecognitionConfig `koanf:"recognition"`
	Pruning     PruningConfig     `koanf:"pruning"`
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Secrets     SecretsConfig     `koanf:"secrets"`
}

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	Backend         string   `koanf:"backend"` // file, redis or memory
	Path            string   `koanf:"path"`
	CacheTTL        Duration `koanf:"cache_ttl"`
	CacheMaxEntries int      `koanf:"cache_max_entries"`
}

// RedisConfig holds the redis connection used by the redis backend.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  Secret `koanf:"password"`
	DB        int    `koanf:"db"`
	PoolSize  int    `koanf:"pool_size"`
	KeyPrefix string `koanf:"key_prefix"`
}

// ConfidenceConfig holds the confidence and weight model parameters.
type ConfidenceConfig struct {
	InitialConfidence  float64 `koanf:"initial_confidence"`
	LearningRate       float64 `koanf:"learning_rate"`
	MinConfidence      float64 `koanf:"min_confidence"`
	MaxConfidence      float64 `koanf:"max_confidence"`
	PromotionThreshold int     `koanf:"promotion_threshold"`
	RecencyHorizonDays float64 `koanf:"recency_horizon_days"`
	UsageSaturation    int     `koanf:"usage_saturation"`
}

// QueryConfig tunes ranking and fuzzy search.
type QueryConfig struct {
	ContextBoost       float64 `koanf:"context_boost"`
	FuzzyMinSimilarity float64 `koanf:"fuzzy_min_similarity"`
	DefaultLimit       int     `koanf:"default_limit"`
}

// RecognitionConfig tunes sequence mining and validation.
type RecognitionConfig struct {
	MinSequenceLength        int      `koanf:"min_sequence_length"`
	MaxSequenceLength        int      `koanf:"max_sequence_length"`
	TemporalWindow           Duration `koanf:"temporal_window"`
	MinFrequency             int      `koanf:"min_frequency"`
	MinSuccessRatio          float64  `koanf:"min_success_ratio"`
	SignificanceLevel        float64  `koanf:"significance_level"`
	BaselineSuccessRate      float64  `koanf:"baseline_success_rate"`
	MinMatchSimilarity       float64  `koanf:"min_match_similarity"`
	ExactMatchThreshold      float64  `koanf:"exact_match_threshold"`
	StructuralMatchThreshold float64  `koanf:"structural_match_threshold"`
}

// PruningConfig holds the eviction policy and where pruned data goes.
type PruningConfig struct {
	MaxAgeDays              int      `koanf:"max_age_days"`
	DecisionMaxAgeDays      int      `koanf:"decision_max_age_days"`
	SolutionMaxAgeDays      int      `koanf:"solution_max_age_days"`
	FailedPatternMaxAgeDays int      `koanf:"failed_pattern_max_age_days"`
	MinUsageRate            float64  `koanf:"min_usage_rate"`
	PreserveHighValue       bool     `koanf:"preserve_high_value"`
	HighValueThreshold      float64  `koanf:"high_value_threshold"`
	MinSuccessRate          float64  `koanf:"min_success_rate"`
	MinConfidence           float64  `koanf:"min_confidence"`
	MinExecutionCount       int      `koanf:"min_execution_count"`
	MaxCount                int      `koanf:"max_count"`
	DeactivateFirst         bool     `koanf:"deactivate_first"`
	Archive                 bool     `koanf:"archive"`
	ArchivePath             string   `koanf:"archive_path"`
	CreateBackup            bool     `koanf:"create_backup"`
	BackupPath              string   `koanf:"backup_path"`
	Interval                Duration `koanf:"interval"`
	Concurrency             int      `koanf:"concurrency"`
}

// LoggingConfig is the loadable subset of the logging configuration.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"` // json or console
	Output   string `koanf:"output"` // stdout or stderr
	Caller   bool   `koanf:"caller"`
	Sampling bool   `koanf:"sampling"`
}

// ServerConfig is the ops HTTP listener used by amlctl serve.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MutationRate caps prune and collect requests per second; 0 disables.
	MutationRate  float64 `koanf:"mutation_rate"`
	MutationBurst int     `koanf:"mutation_burst"`
}

// TelemetryConfig controls OTLP export of traces and metrics. Validated by
// the telemetry package when enabled.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	TLSSkipVerify   bool     `koanf:"tls_skip_verify"`
	ServiceName     string   `koanf:"service_name"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	Metrics         bool     `koanf:"metrics"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// SecretsConfig controls redaction of credentials from stored records.
type SecretsConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Gitleaks      bool     `koanf:"gitleaks"` // add the gitleaks default rules
	Redaction     string   `koanf:"redaction"`
	AllowList     []string `koanf:"allow_list"`
	AllowlistFile string   `koanf:"allowlist_file"` // gitleaks-style TOML, optional
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:         BackendFile,
			Path:            "~/.local/share/aml/records",
			CacheTTL:        Duration(time.Hour),
			CacheMaxEntries: 1000,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "aml:records:",
		},
		Confidence: ConfidenceConfig{
			InitialConfidence:  0.3,
			LearningRate:       0.1,
			MinConfidence:      0.1,
			MaxConfidence:      1.0,
			PromotionThreshold: 5,
			RecencyHorizonDays: 30,
			UsageSaturation:    100,
		},
		Query: QueryConfig{
			ContextBoost:       0.2,
			FuzzyMinSimilarity: 0.6,
			DefaultLimit:       20,
		},
		Recognition: RecognitionConfig{
			MinSequenceLength:        2,
			MaxSequenceLength:        5,
			TemporalWindow:           Duration(5 * time.Minute),
			MinFrequency:             3,
			MinSuccessRatio:          0.5,
			SignificanceLevel:        0.05,
			BaselineSuccessRate:      0.5,
			MinMatchSimilarity:       0.6,
			ExactMatchThreshold:      0.95,
			StructuralMatchThreshold: 0.7,
		},
		Pruning: PruningConfig{
			MaxAgeDays:              90,
			DecisionMaxAgeDays:      180,
			SolutionMaxAgeDays:      365,
			FailedPatternMaxAgeDays: 30,
			MinUsageRate:            0.1,
			PreserveHighValue:       true,
			HighValueThreshold:      0.85,
			MinSuccessRate:          0.2,
			MinConfidence:           0.15,
			MinExecutionCount:       3,
			MaxCount:                1000,
			Archive:                 true,
			ArchivePath:             "~/.local/share/aml/archives",
			CreateBackup:            true,
			BackupPath:              "~/.local/share/aml/backups",
			Interval:                Duration(24 * time.Hour),
			Concurrency:             4,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stderr",
			Caller:   true,
			Sampling: true,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			MutationRate:    2,
			MutationBurst:   10,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "aml",
			SamplingRate:    1.0,
			Metrics:         true,
			ExportInterval:  Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Secrets: SecretsConfig{
			Enabled:       true,
			Gitleaks:      true,
			Redaction:     "[REDACTED]",
			AllowlistFile: "~/.config/aml/allowlist.toml",
		},
	}
}

// Validate checks the cross-field constraints the domain packages rely on.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be file, redis or memory, got %q", c.Store.Backend)
	}
	if c.Store.CacheTTL.Duration() <= 0 {
		return errors.New("store.cache_ttl must be positive")
	}
	if c.Store.CacheMaxEntries < 1 {
		return errors.New("store.cache_max_entries must be positive")
	}

	conf := c.Confidence
	if conf.LearningRate <= 0 || conf.LearningRate > 1 {
		return fmt.Errorf("confidence.learning_rate must be in (0,1], got %v", conf.LearningRate)
	}
	if conf.MinConfidence < 0 || conf.MaxConfidence > 1 || conf.MinConfidence > conf.MaxConfidence {
		return fmt.Errorf("confidence bounds must satisfy 0 <= min <= max <= 1")
	}

	rec := c.Recognition
	if rec.MinSequenceLength < 1 || rec.MaxSequenceLength < rec.MinSequenceLength {
		return fmt.Errorf("recognition sequence lengths must satisfy 1 <= min <= max, got %d..%d",
			rec.MinSequenceLength, rec.MaxSequenceLength)
	}
	if rec.TemporalWindow.Duration() <= 0 {
		return errors.New("recognition.temporal_window must be positive")
	}
	if rec.SignificanceLevel <= 0 || rec.SignificanceLevel >= 1 {
		return fmt.Errorf("recognition.significance_level must be in (0,1), got %v", rec.SignificanceLevel)
	}

	p := c.Pruning
	if p.MaxAgeDays < 1 || p.DecisionMaxAgeDays < 1 || p.SolutionMaxAgeDays < 1 || p.FailedPatternMaxAgeDays < 1 {
		return errors.New("pruning age limits must be positive")
	}
	if p.MaxCount < 1 {
		return errors.New("pruning.max_count must be positive")
	}
	if p.Archive && p.ArchivePath == "" {
		return errors.New("pruning.archive_path is required when archiving")
	}
	if p.CreateBackup && p.BackupPath == "" {
		return errors.New("pruning.backup_path is required when creating backups")
	}
	if p.Concurrency < 1 {
		return errors.New("pruning.concurrency must be positive")
	}
	if p.Interval.Duration() <= 0 {
		return errors.New("pruning.interval must be positive")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.MutationRate < 0 {
		return errors.New("server.mutation_rate cannot be negative")
	}
	if c.Secrets.Enabled && c.Secrets.Redaction == "" {
		return errors.New("secrets.redaction cannot be empty when scrubbing is enabled")
	}
	return nil
}
