package recognition

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/similarity"
)

// Ensemble weights.
const (
	cosineWeight   = 0.4
	editWeight     = 0.3
	semanticWeight = 0.3

	typeSetWeight = 0.6
	outcomeWeight = 0.4
)

// MatchClass describes how closely a candidate matches a record.
type MatchClass string

const (
	MatchExact      MatchClass = "exact"
	MatchStructural MatchClass = "structural"
	MatchSemantic   MatchClass = "semantic"
)

// Match is an existing record resembling a candidate.
type Match struct {
	Record     *record.Record
	Similarity float64
	Cosine     float64
	Edit       float64
	Semantic   float64

	// Rank is Similarity times the record's confidence.
	Rank  float64
	Class MatchClass
}

// MatchSequence compares seq with every active pattern record and returns
// those at or above MinMatchSimilarity, highest Rank first.
//
// A record is read as the sequence of its Approach.Steps.
func MatchSequence(seq ActionSequence, existing record.Set, cfg Config) []Match {
	types := seq.Types()
	var out []Match
	for _, r := range existing {
		if r == nil || !r.Active || r.Kind != record.KindPattern {
			continue
		}
		m := Match{
			Record:   r,
			Cosine:   similarity.Cosine(featureVectors(seq, r)),
			Edit:     similarity.EditSimilarity(types, r.Approach.Steps),
			Semantic: typeSetWeight*similarity.Jaccard(types, r.Approach.Steps) + outcomeWeight*outcomeAgreement(seq, r),
		}
		m.Similarity = cosineWeight*m.Cosine + editWeight*m.Edit + semanticWeight*m.Semantic
		if m.Similarity < cfg.MinMatchSimilarity {
			continue
		}
		m.Rank = m.Similarity * r.Evolution.Confidence
		switch {
		case m.Edit > cfg.ExactMatchThreshold:
			m.Class = MatchExact
		case m.Edit > cfg.StructuralMatchThreshold:
			m.Class = MatchStructural
		default:
			m.Class = MatchSemantic
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rank > out[j].Rank
	})
	return out
}

// recordOutcome is the success rate of r, or its confidence before any execution.
func recordOutcome(r *record.Record) float64 {
	if r.Metrics.ExecutionCount > 0 {
		return r.SuccessRate()
	}
	return r.Evolution.Confidence
}

func outcomeAgreement(seq ActionSequence, r *record.Record) float64 {
	d := seq.SuccessRatio - recordOutcome(r)
	if d < 0 {
		d = -d
	}
	return 1 - d
}

// featureVectors builds aligned feature vectors for a candidate and a record:
// action-type frequencies over the shared vocabulary, outcome distribution,
// context pairs and a coarse duration bucket.
func featureVectors(seq ActionSequence, r *record.Record) ([]float64, []float64) {
	types := seq.Types()
	vocab := union(types, r.Approach.Steps)
	a := typeFrequencies(types, vocab)
	b := typeFrequencies(r.Approach.Steps, vocab)

	a = append(a, seq.SuccessRatio, 1-seq.SuccessRatio)
	rate := recordOutcome(r)
	b = append(b, rate, 1-rate)

	seqCtx := seq.MergedContext()
	pairs := union(indexKeys(seqCtx), indexKeys(r.Context))
	a = append(a, presence(indexKeys(seqCtx), pairs)...)
	b = append(b, presence(indexKeys(r.Context), pairs)...)

	a = append(a, durationBucket(seq.AvgDuration))
	b = append(b, durationBucket(time.Duration(r.Metrics.AvgDurationMs*float64(time.Millisecond))))
	return a, b
}

func typeFrequencies(items, vocab []string) []float64 {
	out := make([]float64, len(vocab))
	if len(items) == 0 {
		return out
	}
	pos := make(map[string]int, len(vocab))
	for i, v := range vocab {
		pos[v] = i
	}
	for _, it := range items {
		out[pos[it]]++
	}
	for i := range out {
		out[i] /= float64(len(items))
	}
	return out
}

func presence(items, vocab []string) []float64 {
	have := make(map[string]struct{}, len(items))
	for _, it := range items {
		have[it] = struct{}{}
	}
	out := make([]float64, len(vocab))
	if len(items) == 0 {
		return out
	}
	for i, v := range vocab {
		if _, ok := have[v]; ok {
			out[i] = 1 / float64(len(items))
		}
	}
	return out
}

// durationBucket maps d to 0, 0.25, 0.5, 0.75 or 1 at 1s, 10s, 1m and 5m.
func durationBucket(d time.Duration) float64 {
	switch {
	case d < time.Second:
		return 0
	case d < 10*time.Second:
		return 0.25
	case d < time.Minute:
		return 0.5
	case d < 5*time.Minute:
		return 0.75
	}
	return 1
}

func indexKeys(c record.Context) []string {
	out := make([]string, len(c))
	for i, p := range c {
		out[i] = p.IndexKey()
	}
	return out
}

// union returns the distinct elements of a then b, in first-seen order.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
