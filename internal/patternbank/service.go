// Package patternbank is the entry point to aml: it ties the record store,
// query engine, recognition engine and pruner into one service.
//
// Every operation opens a span named patternbank.<op> and counts itself in
// aml.patternbank.operations_total by operation and result.
package patternbank

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/aml/internal/logging"
	"github.com/fyrsmithlabs/aml/internal/pruning"
	"github.com/fyrsmithlabs/aml/internal/query"
	"github.com/fyrsmithlabs/aml/internal/recognition"
	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
	"github.com/fyrsmithlabs/aml/internal/secrets"
	"github.com/fyrsmithlabs/aml/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/aml/internal/patternbank"

// Option configures a Service.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	archive        pruning.ArchiveStore
	backups        pruning.BackupStore
	prometheus     bool
	aggressive     bool
	scrubber       *secrets.Scrubber
	now            func() time.Time
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithArchive sets where pruned records are archived.
func WithArchive(a pruning.ArchiveStore) Option {
	return func(o *options) { o.archive = a }
}

// WithBackups sets where pre-prune snapshots are written.
func WithBackups(b pruning.BackupStore) Option {
	return func(o *options) { o.backups = b }
}

// WithPrometheus registers the recognition and pruning collectors.
func WithPrometheus() Option {
	return func(o *options) { o.prometheus = true }
}

// WithAggressivePruning tightens the pruning limits. See pruning.Config.Aggressive.
func WithAggressivePruning() Option {
	return func(o *options) { o.aggressive = true }
}

// WithScrubber redacts secrets from records before they are written.
func WithScrubber(sc *secrets.Scrubber) Option {
	return func(o *options) { o.scrubber = sc }
}

// WithClock overrides the wall clock of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service is the pattern knowledge store.
type Service struct {
	store      *store.Store
	model      *scoring.Model
	query      *query.Engine
	recognizer *recognition.Engine
	pruner     *pruning.Pruner
	scrubber   *secrets.Scrubber
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	tracer         trace.Tracer
	opsCounter     metric.Int64Counter
	learnedCounter metric.Int64Counter
}

// NewService wires a Service over st.
func NewService(st *store.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("invalid confidence config: %w", err)
	}
	if err := cfg.Recognition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recognition config: %w", err)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	if o.aggressive {
		cfg.Pruning = cfg.Pruning.Aggressive()
	}
	model := scoring.NewModel(cfg.Scoring)

	qe := query.NewEngine(st, model, cfg.Query, logger.Named("query"))
	qe.SetClock(o.now)

	rec := recognition.NewEngine(cfg.Recognition, model, logger.Named("recognition"))
	rec.SetClock(o.now)

	pr, err := pruning.New(st, model, cfg.Pruning, logger.Named("pruning"))
	if err != nil {
		return nil, err
	}
	pr.SetClock(o.now)
	pr.SetArchive(o.archive)
	pr.SetBackups(o.backups)

	if o.prometheus {
		rec.SetMetrics(recognition.NewMetrics())
		pr.SetMetrics(pruning.NewMetrics())
	}

	s := &Service{
		store:      st,
		model:      model,
		query:      qe,
		recognizer: rec,
		pruner:     pr,
		scrubber:   o.scrubber,
		cfg:        cfg,
		logger:     logger,
		now:        o.now,
		tracer:     o.tracerProvider.Tracer(instrumentationName),
	}
	s.initMetrics(o.meterProvider.Meter(instrumentationName))
	return s, nil
}

func (s *Service) initMetrics(meter metric.Meter) {
	var err error

	s.opsCounter, err = meter.Int64Counter(
		"aml.patternbank.operations_total",
		metric.WithDescription("Total number of pattern bank operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create operations counter", zap.Error(err))
	}

	s.learnedCounter, err = meter.Int64Counter(
		"aml.patternbank.records_learned_total",
		metric.WithDescription("Total number of records created or adapted by learning"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create learned counter", zap.Error(err))
	}
}

// Store returns the underlying record store.
func (s *Service) Store() *store.Store { return s.store }

// Model returns the shared scoring model.
func (s *Service) Model() *scoring.Model { return s.model }

// Pruner returns the pruner, for scheduling and garbage collection.
func (s *Service) Pruner() *pruning.Pruner { return s.pruner }

// Config returns the active domain configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) start(ctx context.Context, op, owner string) (context.Context, trace.Span) {
	ctx = logging.WithOwner(ctx, owner)
	ctx, span := s.tracer.Start(ctx, "patternbank."+op)
	span.SetAttributes(attribute.String("owner", owner))
	return ctx, span
}

// finish records err on span and counts the operation.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.opsCounter != nil {
		s.opsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("result", result),
		))
	}
}

func (s *Service) fields(ctx context.Context, fields ...zap.Field) []zap.Field {
	return append(logging.ContextFields(ctx), fields...)
}

// Owners lists the owners that have stored records.
func (s *Service) Owners(ctx context.Context) (owners []string, err error) {
	ctx, span := s.tracer.Start(ctx, "patternbank.owners")
	defer span.End()
	defer func() { s.finish(ctx, span, "owners", err) }()

	owners, err = s.store.Owners(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("owners", len(owners)))
	return owners, nil
}

// GetRecords returns a copy of the owner's records.
func (s *Service) GetRecords(ctx context.Context, owner string) (set record.Set, err error) {
	ctx, span := s.start(ctx, "get_records", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "get_records", err) }()

	set, err = s.store.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(set)))
	return set, nil
}

// PutRecords replaces the owner's records. Invalid sets are rejected whole.
func (s *Service) PutRecords(ctx context.Context, owner string, set record.Set) (err error) {
	ctx, span := s.start(ctx, "put_records", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "put_records", err) }()

	span.SetAttributes(attribute.Int("records", len(set)))
	if s.scrubber.Enabled() {
		set = set.Clone()
		s.logRedactions(ctx, owner, s.scrubber.ScrubSet(set))
	}
	return s.store.Put(ctx, owner, set)
}

func (s *Service) logRedactions(ctx context.Context, owner string, found map[string][]secrets.Finding) {
	if len(found) == 0 {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("redacted_records", len(found)))
	s.logger.Warn("redacted secrets from records", s.fields(ctx,
		zap.String("owner", owner),
		zap.Int("records", len(found)),
		zap.Strings("rules", secrets.RuleIDs(found)))...)
}

// Query selects and orders the owner's records.
func (s *Service) Query(ctx context.Context, owner string, q query.Query) (set record.Set, err error) {
	ctx, span := s.start(ctx, "query", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "query", err) }()

	if q.SortBy != "" && !q.SortBy.Valid() {
		return nil, fmt.Errorf("unknown sort order %q", q.SortBy)
	}
	set, err = s.query.Query(ctx, owner, q)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(set)))
	return set, nil
}

// FuzzySearch matches text against set. A non-positive minSimilarity uses
// the configured default.
func (s *Service) FuzzySearch(set record.Set, text string, minSimilarity float64) []query.Match {
	ctx, span := s.start(context.Background(), "fuzzy_search", "")
	defer span.End()

	if minSimilarity <= 0 {
		minSimilarity = s.cfg.Query.FuzzyMinSimilarity
	}
	matches := query.FuzzySearch(set, text, minSimilarity)
	span.SetAttributes(attribute.Int("matches", len(matches)))
	s.finish(ctx, span, "fuzzy_search", nil)
	return matches
}

// Similar returns up to limit records most similar to the record id.
func (s *Service) Similar(ctx context.Context, owner, id string, limit int) (related []query.Related, err error) {
	ctx, span := s.start(ctx, "similar", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "similar", err) }()

	span.SetAttributes(attribute.String("record_id", id))
	return s.query.Similar(ctx, owner, id, limit)
}

// RecordUsage applies one usage report to the record id and persists it.
// Returns record.ErrNotFound for an unknown id.
func (s *Service) RecordUsage(ctx context.Context, owner, id string, u scoring.Usage) (updated *record.Record, err error) {
	ctx, span := s.start(ctx, "record_usage", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "record_usage", err) }()

	span.SetAttributes(attribute.String("record_id", id), attribute.Bool("success", u.Success))
	err = s.store.Update(ctx, owner, func(set record.Set) (record.Set, error) {
		r, err := set.Get(id)
		if err != nil {
			return nil, err
		}
		s.model.ApplyUsage(r, u, s.now())
		updated = r.Clone()
		return set, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("recorded usage", s.fields(ctx,
		zap.String("id", id),
		zap.Bool("success", u.Success),
		zap.Float64("confidence", updated.Evolution.Confidence))...)
	return updated, nil
}

// DeleteRecord removes the record id. Returns record.ErrNotFound for an
// unknown id.
func (s *Service) DeleteRecord(ctx context.Context, owner, id string) (err error) {
	ctx, span := s.start(ctx, "delete_record", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "delete_record", err) }()

	span.SetAttributes(attribute.String("record_id", id))
	return s.store.Update(ctx, owner, func(set record.Set) (record.Set, error) {
		if set.Find(id) < 0 {
			return nil, fmt.Errorf("%w: %s", record.ErrNotFound, id)
		}
		return set.Without(map[string]struct{}{id: {}}), nil
	})
}

// ExtractAndValidate runs recognition over actions without persisting
// anything. existing is the set candidates are matched against.
func (s *Service) ExtractAndValidate(owner string, actions []recognition.Action, existing record.Set, target record.Context) []recognition.Result {
	ctx, span := s.start(context.Background(), "extract_and_validate", owner)
	defer span.End()

	results := s.recognizer.ExtractAndValidate(owner, actions, existing, target)
	span.SetAttributes(
		attribute.Int("actions", len(actions)),
		attribute.Int("candidates", len(results)),
	)
	s.finish(ctx, span, "extract_and_validate", nil)
	return results
}

// LearnReport summarizes a Learn call.
type LearnReport struct {
	Owner   string   `json:"owner"`
	Actions int      `json:"actions"`
	Created []string `json:"created"`
	Adapted []string `json:"adapted"`

	// Rejected maps candidate signatures to why they were rejected.
	Rejected map[string]recognition.Rejection `json:"rejected"`

	// Redacted maps stored record ids to the secrets removed from them.
	Redacted map[string][]secrets.Finding `json:"redacted,omitempty"`

	Results []recognition.Result `json:"-"`
}

// Learn mines actions against the owner's records, adapts records that
// exactly match an accepted candidate, appends new ones and persists the
// result in one write. Nothing is written when no candidate is accepted.
func (s *Service) Learn(ctx context.Context, owner string, actions []recognition.Action, target record.Context) (report *LearnReport, err error) {
	ctx, span := s.start(ctx, "learn", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "learn", err) }()

	report = &LearnReport{
		Owner:    owner,
		Actions:  len(actions),
		Created:  []string{},
		Adapted:  []string{},
		Rejected: make(map[string]recognition.Rejection),
	}

	errNothingLearned := errors.New("nothing learned")
	err = s.store.Update(ctx, owner, func(set record.Set) (record.Set, error) {
		report.Results = s.recognizer.ExtractAndValidate(owner, actions, set, target)
		for _, res := range report.Results {
			if !res.Accepted() {
				report.Rejected[res.Candidate.Signature] = *res.Rejection
				continue
			}
			if res.Adapted {
				if i := set.Find(res.Record.ID); i >= 0 {
					set[i] = res.Record
					if !slices.Contains(report.Adapted, res.Record.ID) {
						report.Adapted = append(report.Adapted, res.Record.ID)
					}
					continue
				}
			}
			set = append(set, res.Record)
			report.Created = append(report.Created, res.Record.ID)
		}
		if len(report.Created) == 0 && len(report.Adapted) == 0 {
			return nil, errNothingLearned
		}
		if s.scrubber.Enabled() {
			found := make(map[string][]secrets.Finding)
			for _, id := range append(append([]string{}, report.Created...), report.Adapted...) {
				if f := s.scrubber.ScrubRecord(set[set.Find(id)]); len(f) > 0 {
					found[id] = f
				}
			}
			if len(found) > 0 {
				report.Redacted = found
			}
		}
		return set, nil
	})
	if errors.Is(err, errNothingLearned) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	s.logRedactions(ctx, owner, report.Redacted)

	if s.learnedCounter != nil {
		s.learnedCounter.Add(ctx, int64(len(report.Created)), metric.WithAttributes(attribute.String("outcome", "created")))
		s.learnedCounter.Add(ctx, int64(len(report.Adapted)), metric.WithAttributes(attribute.String("outcome", "adapted")))
	}
	span.SetAttributes(
		attribute.Int("created", len(report.Created)),
		attribute.Int("adapted", len(report.Adapted)),
		attribute.Int("rejected", len(report.Rejected)),
	)
	s.logger.Info("learned from actions", s.fields(ctx,
		zap.Int("actions", len(actions)),
		zap.Int("created", len(report.Created)),
		zap.Int("adapted", len(report.Adapted)),
		zap.Int("rejected", len(report.Rejected)))...)
	return report, nil
}

// Prune runs one pruning pass over the owner's records.
func (s *Service) Prune(ctx context.Context, owner string, strategies []pruning.Strategy, opts pruning.Options) (res *pruning.Result, err error) {
	ctx, span := s.start(ctx, "prune", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "prune", err) }()

	span.SetAttributes(attribute.Bool("dry_run", opts.DryRun))
	res, err = s.pruner.Prune(ctx, owner, strategies, opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("removed", res.RemovedCount),
		attribute.Int("would_remove", res.WouldRemoveCount),
	)
	return res, nil
}

// Collect drops invalid and duplicate records from the owner's document.
func (s *Service) Collect(ctx context.Context, owner string, dryRun bool) (res *pruning.Result, err error) {
	ctx, span := s.start(ctx, "collect", owner)
	defer span.End()
	defer func() { s.finish(ctx, span, "collect", err) }()

	return s.pruner.Collect(ctx, owner, dryRun)
}
