package patternbank

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/aml/internal/config"
	"github.com/fyrsmithlabs/aml/internal/pruning"
	"github.com/fyrsmithlabs/aml/internal/query"
	"github.com/fyrsmithlabs/aml/internal/recognition"
	"github.com/fyrsmithlabs/aml/internal/scoring"
	"github.com/fyrsmithlabs/aml/internal/secrets"
	"github.com/fyrsmithlabs/aml/internal/store"
)

// Config gathers the domain configs the service wires together.
type Config struct {
	Scoring     scoring.Config
	Query       query.Config
	Recognition recognition.Config
	Pruning     pruning.Config
}

// DefaultConfig returns every package's defaults.
func DefaultConfig() Config {
	return Config{
		Scoring:     scoring.DefaultConfig(),
		Query:       query.DefaultConfig(),
		Recognition: recognition.DefaultConfig(),
		Pruning:     pruning.DefaultConfig(),
	}
}

// ConfigFrom maps loaded settings onto the domain configs.
func ConfigFrom(c *config.Config) Config {
	conf := c.Confidence
	rec := c.Recognition
	p := c.Pruning
	return Config{
		Scoring: scoring.Config{
			InitialConfidence:  conf.InitialConfidence,
			LearningRate:       conf.LearningRate,
			MinConfidence:      conf.MinConfidence,
			MaxConfidence:      conf.MaxConfidence,
			PromotionThreshold: conf.PromotionThreshold,
			RecencyHorizonDays: conf.RecencyHorizonDays,
			UsageSaturation:    conf.UsageSaturation,
		},
		Query: query.Config{
			ContextBoost:       c.Query.ContextBoost,
			FuzzyMinSimilarity: c.Query.FuzzyMinSimilarity,
		},
		Recognition: recognition.Config{
			MinSequenceLength:        rec.MinSequenceLength,
			MaxSequenceLength:        rec.MaxSequenceLength,
			TemporalWindow:           rec.TemporalWindow.Duration(),
			MinFrequency:             rec.MinFrequency,
			MinSuccessRatio:          rec.MinSuccessRatio,
			SignificanceLevel:        rec.SignificanceLevel,
			BaselineSuccessRate:      rec.BaselineSuccessRate,
			MinMatchSimilarity:       rec.MinMatchSimilarity,
			ExactMatchThreshold:      rec.ExactMatchThreshold,
			StructuralMatchThreshold: rec.StructuralMatchThreshold,
			RecencyHorizonDays:       conf.RecencyHorizonDays,
		},
		Pruning: pruning.Config{
			MaxAgeDays:              p.MaxAgeDays,
			DecisionMaxAgeDays:      p.DecisionMaxAgeDays,
			SolutionMaxAgeDays:      p.SolutionMaxAgeDays,
			FailedPatternMaxAgeDays: p.FailedPatternMaxAgeDays,
			MinUsageRate:            p.MinUsageRate,
			PreserveHighValue:       p.PreserveHighValue,
			HighValueThreshold:      p.HighValueThreshold,
			MinSuccessRate:          p.MinSuccessRate,
			MinConfidence:           p.MinConfidence,
			MinExecutionCount:       p.MinExecutionCount,
			MaxCount:                p.MaxCount,
			DeactivateFirst:         p.DeactivateFirst,
		},
	}
}

// OpenDocuments builds the document backend selected by c.Store.Backend. The
// returned closer releases backend connections.
func OpenDocuments(ctx context.Context, c *config.Config) (store.DocumentStore, func() error, error) {
	nop := func() error { return nil }
	switch c.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryDocumentStore(), nop, nil
	case config.BackendRedis:
		docs, err := store.NewRedisDocumentStore(ctx, store.RedisOptions{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password.Value(),
			DB:        c.Redis.DB,
			PoolSize:  c.Redis.PoolSize,
			KeyPrefix: c.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return docs, docs.Close, nil
	case config.BackendFile, "":
		root, err := expandHome(c.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		docs, err := store.NewFileDocumentStore(root)
		if err != nil {
			return nil, nil, err
		}
		return docs, nop, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}

// Open wires a Service from loaded settings: the configured backend behind a
// cached store, Prometheus collectors, and the archive and backup stores the
// pruning settings enable. Call the returned closer when done.
func Open(ctx context.Context, c *config.Config, logger *zap.Logger, opts ...Option) (*Service, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := c.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	docs, closer, err := OpenDocuments(ctx, c)
	if err != nil {
		return nil, nil, err
	}

	st := store.New(docs, store.Options{
		CacheTTL:        c.Store.CacheTTL.Duration(),
		CacheMaxEntries: c.Store.CacheMaxEntries,
		Metrics:         store.NewMetrics(),
	}, logger)

	if c.Pruning.Archive {
		root, err := expandHome(c.Pruning.ArchivePath)
		if err != nil {
			closer()
			return nil, nil, err
		}
		archive, err := pruning.NewGzipArchive(root)
		if err != nil {
			closer()
			return nil, nil, err
		}
		opts = append(opts, WithArchive(archive))
	}
	if c.Pruning.CreateBackup {
		root, err := expandHome(c.Pruning.BackupPath)
		if err != nil {
			closer()
			return nil, nil, err
		}
		backups, err := pruning.NewFileBackupStore(root)
		if err != nil {
			closer()
			return nil, nil, err
		}
		opts = append(opts, WithBackups(backups))
	}
	if c.Secrets.Enabled {
		sc, err := NewScrubber(c.Secrets, logger)
		if err != nil {
			closer()
			return nil, nil, err
		}
		opts = append(opts, WithScrubber(sc))
	}
	opts = append(opts, WithPrometheus())

	svc, err := NewService(st, ConfigFrom(c), logger, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return svc, closer, nil
}

// NewScrubber builds the secret scrubber from settings, merging the inline
// allow list with the optional allowlist file.
func NewScrubber(s config.SecretsConfig, logger *zap.Logger) (*secrets.Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := append([]string{}, s.AllowList...)
	if s.AllowlistFile != "" {
		path, err := expandHome(s.AllowlistFile)
		if err != nil {
			return nil, err
		}
		fromFile, err := secrets.LoadAllowlist(path)
		if err != nil {
			return nil, err
		}
		allow = append(allow, fromFile...)
	}
	sc, err := secrets.New(secrets.Config{
		Enabled:   s.Enabled,
		Gitleaks:  s.Gitleaks,
		Rules:     secrets.DefaultRules(),
		Redaction: s.Redaction,
		AllowList: allow,
	}, logger.Named("secrets"))
	if err != nil {
		return nil, fmt.Errorf("invalid secrets config: %w", err)
	}
	return sc, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
