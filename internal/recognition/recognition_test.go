package recognition

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var goCtx = map[string]record.Scalar{"lang": record.String("go")}

// history repeats read->edit->test every ten minutes. Each occurrence spans 70s.
func history(occurrences int, success func(i int) bool) []Action {
	var out []Action
	base := now.Add(-24 * time.Hour)
	for i := 0; i < occurrences; i++ {
		start := base.Add(time.Duration(i) * 10 * time.Minute)
		ok := success == nil || success(i)
		for j, typ := range []string{"read", "edit", "test"} {
			out = append(out, Action{
				Type:      typ,
				Timestamp: start.Add(time.Duration(j) * 30 * time.Second),
				Duration:  10 * time.Second,
				Success:   ok || typ != "test",
				Params:    map[string]record.Scalar{"file_id": record.Number(float64(i)), "path": record.String("main.go")},
				Context:   goCtx,
			})
		}
	}
	return out
}

func newTestEngine() *Engine {
	e := NewEngine(DefaultConfig(), nil, nil)
	e.SetClock(func() time.Time { return now })
	return e
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxSequenceLength = 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.SignificanceLevel = 0
	assert.Error(t, bad.Validate())

	// NewEngine falls back to defaults.
	e := NewEngine(bad, nil, nil)
	assert.Equal(t, DefaultConfig(), e.Config())
}

func TestExtract(t *testing.T) {
	cfg := DefaultConfig()
	windows := Extract(history(2, nil), cfg)

	// Per occurrence: two windows of length 2 and one of length 3. Windows
	// crossing occurrences exceed the temporal window.
	require.Len(t, windows, 6)
	for _, w := range windows {
		assert.LessOrEqual(t, w.End.Sub(w.Start), cfg.TemporalWindow)
		assert.Equal(t, 1, w.Frequency)
		assert.Equal(t, 1.0, w.SuccessRatio)
	}
	assert.Equal(t, []string{"read", "edit", "test"}, windows[4].Types())
	assert.Equal(t, 70*time.Second, windows[4].AvgDuration)
}

func TestExtract_SortsStably(t *testing.T) {
	t0 := now
	actions := []Action{
		{Type: "b", Timestamp: t0.Add(time.Second)},
		{Type: "a1", Timestamp: t0},
		{Type: "a2", Timestamp: t0},
	}
	cfg := DefaultConfig()
	cfg.MinSequenceLength, cfg.MaxSequenceLength = 3, 3

	windows := Extract(actions, cfg)
	require.Len(t, windows, 1)
	assert.Equal(t, []string{"a1", "a2", "b"}, windows[0].Types())
	assert.Equal(t, "b", actions[0].Type, "input is not reordered")
}

func TestNormalizeAndSignature(t *testing.T) {
	seq := ActionSequence{Actions: []Action{
		{
			Type:      "read",
			Timestamp: now,
			Params: map[string]record.Scalar{
				"id": record.String("x"), "file_id": record.Number(1), "requestId": record.String("r"),
				"uuid": record.String("u"), "created_at": record.String("t"), "Time": record.String("t"),
				"path": record.String("main.go"),
			},
			Context: map[string]record.Scalar{"lang": record.String("go")},
		},
		{Type: "edit", Timestamp: now, Context: map[string]record.Scalar{"editor": record.String("vim")}},
	}}

	n := Normalize(seq)
	assert.True(t, n.Actions[0].Timestamp.IsZero())
	assert.Equal(t, map[string]record.Scalar{"path": record.String("main.go")}, n.Actions[0].Params)
	assert.Equal(t, "read->edit|editor,lang", n.Signature)
	assert.Equal(t, now, seq.Actions[0].Timestamp, "original untouched")
	assert.Len(t, seq.Actions[0].Params, 7)
}

func TestMergedContext(t *testing.T) {
	seq := ActionSequence{Actions: []Action{
		{Context: map[string]record.Scalar{"z": record.Number(1), "a": record.Bool(true)}},
		{Context: map[string]record.Scalar{"a": record.Bool(false), "m": record.String("x")}},
	}}
	got := seq.MergedContext()
	assert.Equal(t, []string{"a", "z", "m"}, got.Keys())
	v, _ := got.Get("a")
	assert.True(t, v.Equal(record.Bool(true)), "first value wins")
}

func TestGroup(t *testing.T) {
	windows := Extract(history(4, func(i int) bool { return i != 0 }), DefaultConfig())

	groups := Group(windows, 3)
	require.Len(t, groups, 3)

	full := groups[2]
	assert.Equal(t, "read->edit->test|lang", full.Signature)
	assert.Equal(t, 4, full.Frequency)
	assert.Equal(t, 3, full.Successes)
	assert.InDelta(t, 0.75, full.SuccessRatio, 1e-12)
	assert.Equal(t, 70*time.Second, full.AvgDuration)
	assert.True(t, full.Actions[0].Timestamp.IsZero())
	assert.Equal(t, now.Add(-24*time.Hour).Add(30*time.Minute+70*time.Second), full.LastSeen)

	assert.Empty(t, Group(windows, 5))
}

func TestScoreSequence(t *testing.T) {
	seq := ActionSequence{
		Actions:      make([]Action, 3),
		Frequency:    4,
		SuccessRatio: 0.75,
		LastSeen:     now,
	}
	existing := record.Set{
		{Metrics: record.Metrics{ExecutionCount: 8, SuccessCount: 4}},
	}
	cfg := DefaultConfig()

	s := ScoreSequence(seq, existing, nil, cfg, now)
	assert.InDelta(t, 0.5, s.Frequency, 1e-12)
	assert.InDelta(t, 1.0, s.Recency, 1e-12)
	assert.InDelta(t, 0.5, s.ContextFit, 1e-12)
	want := 0.3*0.5 + 0.3*0.75 + 0.2*1 + 0.1/math.Log(3+math.E) + 0.1*0.5
	assert.InDelta(t, want, s.Total, 1e-12)

	// Without executed records, frequency normalizes by itself.
	s = ScoreSequence(seq, nil, nil, cfg, now)
	assert.InDelta(t, 1.0, s.Frequency, 1e-12)

	// Context fit against a target.
	seq.Actions[0].Context = goCtx
	target := record.MustContext(
		record.Pair{Key: "lang", Value: record.String("go")},
		record.Pair{Key: "os", Value: record.String("linux")},
	)
	s = ScoreSequence(seq, nil, target, cfg, now)
	assert.InDelta(t, 0.5, s.ContextFit, 1e-12)

	// Shorter sequences score higher complexity.
	short := ScoreSequence(ActionSequence{Actions: make([]Action, 2), Frequency: 1, LastSeen: now}, nil, nil, cfg, now)
	long := ScoreSequence(ActionSequence{Actions: make([]Action, 5), Frequency: 1, LastSeen: now}, nil, nil, cfg, now)
	assert.Greater(t, short.Complexity, long.Complexity)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name      string
		seq       ActionSequence
		existing  record.Set
		reason    Reason
		accepted  bool
		wantPLess float64
	}{
		{"low frequency", ActionSequence{Frequency: 2, Successes: 2, SuccessRatio: 1}, nil, ReasonLowFrequency, false, 0},
		{"ratio at threshold", ActionSequence{Frequency: 4, Successes: 2, SuccessRatio: 0.5}, nil, ReasonLowSuccess, false, 0},
		{"not significant", ActionSequence{Frequency: 4, Successes: 4, SuccessRatio: 1}, nil, ReasonNotSignificant, false, 0},
		{"significant", ActionSequence{Frequency: 7, Successes: 7, SuccessRatio: 1}, nil, "", true, 0.05},
		{
			"expected rate from existing records",
			ActionSequence{Frequency: 7, Successes: 7, SuccessRatio: 1},
			record.Set{{Metrics: record.Metrics{ExecutionCount: 10, SuccessCount: 9}}},
			ReasonNotSignificant, false, 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Validate(tt.seq, tt.existing, cfg)
			if tt.accepted {
				require.NoError(t, err)
				assert.Less(t, sig.PValue, tt.wantPLess)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationRejected)
			var rej *Rejection
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.reason, rej.Reason)
			assert.NotEmpty(t, rej.Detail)
		})
	}
}

func TestSignificance(t *testing.T) {
	// 7 of 7 against 0.5: chi² = 3.5²/3.5 * 2 = 7.
	sig := significance(7, 7, 0.5)
	assert.InDelta(t, 7.0, sig.ChiSquare, 1e-12)
	assert.InDelta(t, math.Exp(-3.5), sig.PValue, 1e-12)

	// Matching the expected rate exactly is not significant.
	sig = significance(5, 10, 0.5)
	assert.InDelta(t, 0, sig.ChiSquare, 1e-12)
	assert.InDelta(t, 1, sig.PValue, 1e-12)

	// Successes where the expected rate is zero.
	sig = significance(3, 3, 0)
	assert.True(t, math.IsInf(sig.ChiSquare, 1))
	assert.Zero(t, sig.PValue)

	assert.Equal(t, 1.0, significance(0, 0, 0.5).PValue)
}

func TestExpectedRate(t *testing.T) {
	assert.Equal(t, 0.5, ExpectedRate(nil, 0.5))
	set := record.Set{
		{Metrics: record.Metrics{ExecutionCount: 4, SuccessCount: 4}},
		{Metrics: record.Metrics{ExecutionCount: 4, SuccessCount: 2}},
		{Metrics: record.Metrics{}},
	}
	assert.InDelta(t, 0.75, ExpectedRate(set, 0.5), 1e-12)
}

func existingPattern(t *testing.T, steps []string, executions, successes int) *record.Record {
	t.Helper()
	r, err := record.New("agent", record.KindPattern, "workflow")
	require.NoError(t, err)
	r.Approach.Steps = steps
	r.Context = record.MustContext(record.Pair{Key: "lang", Value: record.String("go")})
	r.Metrics = record.Metrics{ExecutionCount: executions, SuccessCount: successes}
	r.Evolution.Confidence = 0.5
	return r
}

func TestMatchSequence(t *testing.T) {
	cfg := DefaultConfig()
	groups := Group(Extract(history(7, nil), cfg), 1)
	require.Len(t, groups, 3)
	full, pairSeq := groups[2], groups[0]

	same := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)
	unrelated := existingPattern(t, []string{"deploy", "rollback"}, 10, 5)
	unrelated.Context = nil
	inactive := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)
	inactive.Active = false
	solution := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)
	solution.Kind = record.KindSolution
	existing := record.Set{unrelated, inactive, solution, same}

	matches := MatchSequence(full, existing, cfg)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, same.ID, m.Record.ID)
	assert.Equal(t, MatchExact, m.Class)
	assert.InDelta(t, 1.0, m.Edit, 1e-12)
	assert.InDelta(t, 0.6+0.4*0.5, m.Semantic, 1e-12)
	assert.InDelta(t, 0.4*m.Cosine+0.3*m.Edit+0.3*m.Semantic, m.Similarity, 1e-12)
	assert.InDelta(t, m.Similarity*0.5, m.Rank, 1e-12)

	matches = MatchSequence(pairSeq, existing, cfg)
	require.Len(t, matches, 1)
	assert.Equal(t, MatchSemantic, matches[0].Class, "edit similarity 2/3 is below structural")

	cfg.StructuralMatchThreshold = 0.6
	matches = MatchSequence(pairSeq, existing, cfg)
	require.Len(t, matches, 1)
	assert.Equal(t, MatchStructural, matches[0].Class)
}

func TestMatchSequence_RanksBySimilarityTimesConfidence(t *testing.T) {
	cfg := DefaultConfig()
	groups := Group(Extract(history(7, nil), cfg), 1)
	full := groups[2]

	low := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)
	low.Evolution.Confidence = 0.2
	high := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)
	high.Evolution.Confidence = 0.9

	matches := MatchSequence(full, record.Set{low, high}, cfg)
	require.Len(t, matches, 2)
	assert.Equal(t, high.ID, matches[0].Record.ID)
}

func TestEngine_ExtractAndValidate_NewRecords(t *testing.T) {
	e := newTestEngine()
	e.SetMetrics(NewMetrics())
	accepted := testutil.ToFloat64(e.metrics.CandidatesTotal.WithLabelValues("accepted", "none"))

	results := e.ExtractAndValidate("agent", history(7, nil), nil, nil)
	require.Len(t, results, 3)

	for _, res := range results {
		require.True(t, res.Accepted(), res.Candidate.Signature)
		require.NotNil(t, res.Record)
		assert.False(t, res.Adapted)
		require.NoError(t, res.Record.Validate())

		r := res.Record
		assert.Equal(t, "agent", r.Owner)
		assert.Equal(t, record.KindPattern, r.Kind)
		assert.Equal(t, 0.3, r.Evolution.Confidence)
		assert.Equal(t, []string{RecognizedTag}, r.Tags)
		assert.Equal(t, 7, r.Metrics.ExecutionCount)
		assert.Equal(t, 7, r.Metrics.SuccessCount)
		assert.Equal(t, res.Candidate.Types(), r.Approach.Steps)
		assert.Equal(t, now, r.CreatedAt)
	}
	assert.Equal(t, "read->edit->test", results[2].Record.Type)
	assert.Equal(t, "lang", results[2].Record.Context.Keys()[0])
	assert.InDelta(t, 70000, results[2].Record.Metrics.AvgDurationMs, 1e-9)

	assert.Equal(t, accepted+3, testutil.ToFloat64(e.metrics.CandidatesTotal.WithLabelValues("accepted", "none")))
}

func TestEngine_ExtractAndValidate_ReportsRejections(t *testing.T) {
	e := newTestEngine()
	e.SetMetrics(NewMetrics())
	before := testutil.ToFloat64(e.metrics.CandidatesTotal.WithLabelValues("rejected", string(ReasonLowFrequency)))

	results := e.ExtractAndValidate("agent", history(2, nil), nil, nil)
	require.Len(t, results, 3)
	for _, res := range results {
		require.False(t, res.Accepted())
		assert.Nil(t, res.Record)
		assert.Equal(t, ReasonLowFrequency, res.Rejection.Reason)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(e.metrics.CandidatesTotal.WithLabelValues("rejected", string(ReasonLowFrequency))))

	// Half the test steps fail: the full sequence is rejected for low success.
	results = e.ExtractAndValidate("agent", history(8, func(i int) bool { return i%2 == 0 }), nil, nil)
	reasons := map[string]Reason{}
	for _, res := range results {
		if !res.Accepted() {
			reasons[res.Candidate.Signature] = res.Rejection.Reason
		}
	}
	assert.Equal(t, ReasonLowSuccess, reasons["read->edit->test|lang"])
	assert.Equal(t, ReasonLowSuccess, reasons["edit->test|lang"])
	assert.NotContains(t, reasons, "read->edit|lang")
}

func TestEngine_ExtractAndValidate_AdaptsExactMatch(t *testing.T) {
	e := newTestEngine()
	same := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)

	results := e.ExtractAndValidate("agent", history(7, nil), record.Set{same}, nil)
	require.Len(t, results, 3)

	full := results[2]
	require.True(t, full.Accepted())
	require.True(t, full.Adapted)
	assert.Equal(t, same.ID, full.Record.ID)
	assert.Equal(t, 17, full.Record.Metrics.ExecutionCount)
	assert.Equal(t, 12, full.Record.Metrics.SuccessCount)
	assert.InDelta(t, 0.55, full.Record.Evolution.Confidence, 1e-12)
	assert.Equal(t, 1, full.Record.Evolution.RefinementCount)
	assert.Equal(t, 10, same.Metrics.ExecutionCount, "existing record is not mutated")

	assert.False(t, results[0].Adapted)
	assert.NotEqual(t, same.ID, results[0].Record.ID)
}

func TestEngine_ExtractAndValidate_FoldsRepeatedAdaptations(t *testing.T) {
	e := newTestEngine()
	same := existingPattern(t, []string{"read", "edit", "test"}, 10, 5)

	// Same steps under a wider context: a second signature that also
	// matches same exactly.
	actions := history(7, nil)
	for _, a := range history(7, nil) {
		a.Timestamp = a.Timestamp.Add(2 * time.Hour)
		a.Context = map[string]record.Scalar{"lang": record.String("go"), "os": record.String("linux")}
		actions = append(actions, a)
	}

	var adapted []*record.Record
	for _, res := range e.ExtractAndValidate("agent", actions, record.Set{same}, nil) {
		if res.Accepted() && res.Adapted {
			adapted = append(adapted, res.Record)
		}
	}
	require.Len(t, adapted, 2)
	first, second := adapted[0], adapted[1]
	assert.Equal(t, same.ID, second.ID)
	assert.Equal(t, 24, second.Metrics.ExecutionCount)
	assert.Equal(t, 19, second.Metrics.SuccessCount)
	assert.Equal(t, 2, second.Evolution.RefinementCount)
	assert.InDelta(t, 0.595, second.Evolution.Confidence, 1e-12)
	assert.Equal(t, 17, first.Metrics.ExecutionCount, "earlier result is not mutated")
	assert.Equal(t, 10, same.Metrics.ExecutionCount)
}

func TestEngine_InvalidOwnerRejectsRecord(t *testing.T) {
	e := newTestEngine()
	results := e.ExtractAndValidate("../escape", history(7, nil), nil, nil)
	require.NotEmpty(t, results)
	for _, res := range results {
		require.False(t, res.Accepted())
		assert.Equal(t, ReasonInvalidRecord, res.Rejection.Reason)
	}
}

func TestNewRecord_UsesModelInitialConfidence(t *testing.T) {
	cfg := scoring.DefaultConfig()
	cfg.InitialConfidence = 0.4
	seq := ActionSequence{
		Actions:      []Action{{Type: "a"}, {Type: "b"}},
		Frequency:    3,
		Successes:    3,
		SuccessRatio: 1,
		LastSeen:     now,
	}

	r, err := NewRecord("agent", seq, scoring.NewModel(cfg), now)
	require.NoError(t, err)
	assert.Equal(t, 0.4, r.Evolution.Confidence)
	assert.Equal(t, "a->b", r.Type)
	assert.Equal(t, "Observed 3 times with 100% success", r.Approach.Rationale)
}
