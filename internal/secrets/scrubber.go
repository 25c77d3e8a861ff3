package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Finding is one redacted secret. The secret itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description,omitempty"`
	// Field names the record field the secret was found in.
	Field string `json:"field,omitempty"`
}

// Result is scrubbed text plus what was removed from it.
type Result struct {
	Text     string
	Findings []Finding
}

// Scrubber detects and redacts secrets. It is safe for concurrent use.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
	logger    *zap.Logger

	mu       sync.Mutex // guards gitleaks
	gitleaks *detect.Detector
}

type span struct {
	start, end int
}

// New builds a Scrubber. Loading the gitleaks rule set compiles several
// hundred patterns, so build one Scrubber and share it.
func New(cfg Config, logger *zap.Logger) (*Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.Redaction, logger: logger}
	if !cfg.Enabled {
		return s, nil
	}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	var err error
	if s.rules, err = compileRules(cfg.Rules); err != nil {
		return nil, err
	}
	if s.allow, err = compileAllowList(cfg.AllowList); err != nil {
		return nil, err
	}
	if cfg.Gitleaks {
		if s.gitleaks, err = detect.NewDetectorDefaultConfig(); err != nil {
			return nil, fmt.Errorf("loading gitleaks rules: %w", err)
		}
	}
	logger.Debug("secret scrubber ready",
		zap.Int("rules", len(s.rules)),
		zap.Bool("gitleaks", s.gitleaks != nil))
	return s, nil
}

// Enabled reports whether Scrub changes anything.
func (s *Scrubber) Enabled() bool { return s != nil && s.enabled }

// Scrub replaces every detected secret in text with the redaction marker.
// Overlapping matches are merged into one redaction.
func (s *Scrubber) Scrub(text string) Result {
	res := Result{Text: text}
	if !s.Enabled() || text == "" {
		return res
	}

	var spans []span
	for _, rule := range s.rules {
		if !rule.applies(text) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.Findings = append(res.Findings, Finding{RuleID: rule.ID, Description: rule.Description})
		}
	}
	for _, f := range s.detectGitleaks(text) {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.allowed(secret) {
			continue
		}
		found := false
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], secret)
			if i < 0 {
				break
			}
			spans = append(spans, span{from + i, from + i + len(secret)})
			from += i + len(secret)
			found = true
		}
		if found {
			res.Findings = append(res.Findings, Finding{RuleID: "gitleaks:" + f.RuleID, Description: f.Description})
		}
	}
	if len(spans) == 0 {
		return res
	}
	res.Text = redact(text, mergeSpans(spans), s.redaction)
	return res
}

func (s *Scrubber) detectGitleaks(text string) []gitleaksFinding {
	if s.gitleaks == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.gitleaks.DetectString(text)
	out := make([]gitleaksFinding, 0, len(raw))
	for _, f := range raw {
		out = append(out, gitleaksFinding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Secret:      f.Secret,
			Match:       f.Match,
		})
	}
	return out
}

type gitleaksFinding struct {
	RuleID, Description, Secret, Match string
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func (r compiledRule) applies(text string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}

func mergeSpans(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

func redact(text string, spans []span, marker string) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range spans {
		b.WriteString(text[prev:sp.start])
		b.WriteString(marker)
		prev = sp.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// ScrubRecord redacts the free-text fields of r in place: approach,
// conditions and string context values. Type, tags and ids are labels and
// are left alone.
func (s *Scrubber) ScrubRecord(r *record.Record) []Finding {
	if !s.Enabled() || r == nil {
		return nil
	}
	var findings []Finding
	scrub := func(field string, v *string) {
		res := s.Scrub(*v)
		if len(res.Findings) == 0 {
			return
		}
		*v = res.Text
		for _, f := range res.Findings {
			f.Field = field
			findings = append(findings, f)
		}
	}

	scrub("approach.technique", &r.Approach.Technique)
	scrub("approach.rationale", &r.Approach.Rationale)
	for i := range r.Approach.Steps {
		scrub(fmt.Sprintf("approach.steps[%d]", i), &r.Approach.Steps[i])
	}
	for i := range r.Conditions.WhenApplicable {
		scrub(fmt.Sprintf("conditions.when_applicable[%d]", i), &r.Conditions.WhenApplicable[i])
	}
	for i := range r.Conditions.WhenNotApplicable {
		scrub(fmt.Sprintf("conditions.when_not_applicable[%d]", i), &r.Conditions.WhenNotApplicable[i])
	}
	for i, p := range r.Context {
		str, ok := p.Value.StringValue()
		if !ok {
			continue
		}
		before := str
		scrub("context."+p.Key, &str)
		if str != before {
			r.Context[i].Value = record.String(str)
		}
	}
	return findings
}

// ScrubSet redacts every record in set in place and returns the findings
// keyed by record id.
func (s *Scrubber) ScrubSet(set record.Set) map[string][]Finding {
	if !s.Enabled() {
		return nil
	}
	out := make(map[string][]Finding)
	for _, r := range set {
		if f := s.ScrubRecord(r); len(f) > 0 {
			out[r.ID] = f
		}
	}
	return out
}

// RuleIDs flattens findings into sorted, de-duplicated rule ids for logging.
func RuleIDs(findings map[string][]Finding) []string {
	seen := make(map[string]struct{})
	for _, fs := range findings {
		for _, f := range fs {
			seen[f.RuleID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
