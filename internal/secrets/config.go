package secrets

import (
	"fmt"
	"regexp"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	// Enabled turns scrubbing on. A disabled scrubber returns text unchanged.
	Enabled bool

	// Gitleaks adds the gitleaks default rules to Rules.
	Gitleaks bool

	Rules []Rule

	// Redaction replaces each match. Defaults to DefaultRedaction.
	Redaction string

	// AllowList holds regexps; matches they cover are kept.
	AllowList []string
}

// Rule is one regexp detection rule.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	// Keywords, when set, must appear (case-insensitively) for the rule to run.
	Keywords []string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables the built-in rules and gitleaks.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Gitleaks:  true,
		Rules:     DefaultRules(),
		Redaction: DefaultRedaction,
	}
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rule %s: duplicate id", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		c := compiledRule{Rule: rule, pattern: re}
		for _, kw := range rule.Keywords {
			c.keywords = append(c.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, c)
	}
	return out, nil
}

func compileAllowList(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow list %d: invalid pattern: %w", i, err)
		}
		out = append(out, re)
	}
	return out, nil
}
