package recognition

import (
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Action is one raw step of an agent's execution history.
type Action struct {
	Type      string
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Params    map[string]record.Scalar
	Context   map[string]record.Scalar
}

// end returns when the action finished.
func (a Action) end() time.Time {
	return a.Timestamp.Add(a.Duration)
}

// ActionSequence is a window of actions, or after grouping, the representative
// of every window sharing a signature. Sequences are never persisted.
type ActionSequence struct {
	Actions []Action
	Start   time.Time
	End     time.Time

	// Frequency is the number of windows the sequence stands for.
	Frequency int

	// Successes counts windows in which every action succeeded.
	Successes int

	AvgDuration  time.Duration
	SuccessRatio float64
	LastSeen     time.Time
	Signature    string
}

// Types returns the action types in order.
func (s ActionSequence) Types() []string {
	out := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		out[i] = a.Type
	}
	return out
}

// ContextKeys returns the union of the actions' context keys, sorted.
func (s ActionSequence) ContextKeys() []string {
	seen := make(map[string]struct{})
	for _, a := range s.Actions {
		for k := range a.Context {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergedContext combines the actions' contexts. Keys appear in order of first
// use, each action's keys sorted; the first value seen for a key wins.
func (s ActionSequence) MergedContext() record.Context {
	out := record.Context{}
	for _, a := range s.Actions {
		keys := make([]string, 0, len(a.Context))
		for k := range a.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := a.Context[k]
			if _, ok := out.Get(k); ok || !v.IsValid() {
				continue
			}
			out = append(out, record.Pair{Key: k, Value: v})
		}
	}
	return out
}

// Extract slides windows of every length in [MinSequenceLength,
// MaxSequenceLength] over the time-ordered actions and keeps those spanning at
// most TemporalWindow. Actions with equal timestamps keep their input order.
func Extract(actions []Action, cfg Config) []ActionSequence {
	ordered := make([]Action, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var out []ActionSequence
	for size := cfg.MinSequenceLength; size <= cfg.MaxSequenceLength; size++ {
		for i := 0; i+size <= len(ordered); i++ {
			window := ordered[i : i+size]
			start := window[0].Timestamp
			end := latestEnd(window)
			if end.Sub(start) > cfg.TemporalWindow {
				continue
			}
			seq := ActionSequence{
				Actions:     append([]Action(nil), window...),
				Start:       start,
				End:         end,
				Frequency:   1,
				AvgDuration: end.Sub(start),
				LastSeen:    end,
			}
			if allSucceeded(window) {
				seq.Successes = 1
				seq.SuccessRatio = 1
			}
			out = append(out, seq)
		}
	}
	return out
}

func latestEnd(window []Action) time.Time {
	end := window[0].end()
	for _, a := range window[1:] {
		if e := a.end(); e.After(end) {
			end = e
		}
	}
	return end
}

func allSucceeded(window []Action) bool {
	for _, a := range window {
		if !a.Success {
			return false
		}
	}
	return true
}

// Normalize returns a copy of seq with action timestamps zeroed and
// identifier or timestamp-like params removed.
func Normalize(seq ActionSequence) ActionSequence {
	out := seq
	out.Actions = make([]Action, len(seq.Actions))
	for i, a := range seq.Actions {
		n := a
		n.Timestamp = time.Time{}
		n.Params = stripVolatile(a.Params)
		n.Context = copyScalars(a.Context)
		out.Actions[i] = n
	}
	out.Signature = Signature(out)
	return out
}

// Signature is "type1->type2->...|sortedContextKeys".
func Signature(seq ActionSequence) string {
	return strings.Join(seq.Types(), "->") + "|" + strings.Join(seq.ContextKeys(), ",")
}

// Group collapses sequences sharing a signature into one normalized
// representative and drops groups seen fewer than minFrequency times.
// Groups are returned in order of first appearance.
func Group(seqs []ActionSequence, minFrequency int) []ActionSequence {
	type group struct {
		rep      ActionSequence
		duration time.Duration
	}
	groups := make(map[string]*group)
	var order []string

	for _, s := range seqs {
		sig := Signature(s)
		g, ok := groups[sig]
		if !ok {
			rep := Normalize(s)
			rep.Frequency, rep.Successes, rep.AvgDuration = 0, 0, 0
			rep.LastSeen = time.Time{}
			g = &group{rep: rep}
			groups[sig] = g
			order = append(order, sig)
		}
		freq := max(s.Frequency, 1)
		g.rep.Frequency += freq
		g.rep.Successes += s.Successes
		g.duration += s.AvgDuration * time.Duration(freq)
		if s.Start.Before(g.rep.Start) {
			g.rep.Start = s.Start
		}
		if s.End.After(g.rep.End) {
			g.rep.End = s.End
		}
		if s.LastSeen.After(g.rep.LastSeen) {
			g.rep.LastSeen = s.LastSeen
		}
	}

	out := make([]ActionSequence, 0, len(order))
	for _, sig := range order {
		g := groups[sig]
		if g.rep.Frequency < minFrequency {
			continue
		}
		g.rep.AvgDuration = g.duration / time.Duration(g.rep.Frequency)
		g.rep.SuccessRatio = float64(g.rep.Successes) / float64(g.rep.Frequency)
		out = append(out, g.rep)
	}
	return out
}

// stripVolatile drops params whose keys look like identifiers or timestamps.
func stripVolatile(params map[string]record.Scalar) map[string]record.Scalar {
	if params == nil {
		return nil
	}
	out := make(map[string]record.Scalar, len(params))
	for k, v := range params {
		if volatileKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func volatileKey(k string) bool {
	switch strings.ToLower(k) {
	case "id", "uuid", "timestamp", "time", "date":
		return true
	}
	return strings.HasSuffix(k, "_id") || strings.HasSuffix(k, "Id") ||
		strings.HasSuffix(k, "_ID") || strings.HasSuffix(k, "_at")
}

func copyScalars(m map[string]record.Scalar) map[string]record.Scalar {
	if m == nil {
		return nil
	}
	out := make(map[string]record.Scalar, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
