package ingest

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/gobwas/glob"

	"github.com/urio/urio/pkg/stores"
)

// MatchRule decides whether a candidate path is accepted and what nature
// it carries. Rules are scoped to a namespace; within a namespace, lower
// priority values win and declaration order breaks ties.
type MatchRule struct {
	Namespace string   `yaml:"namespace"`
	Pattern   string   `yaml:"pattern" validate:"required"`
	Includes  []string `yaml:"includes,omitempty"`
	Excludes  []string `yaml:"excludes,omitempty"`
	Nature    string   `yaml:"nature"`
	Priority  int      `yaml:"priority"`

	re       *regexp.Regexp
	includes []glob.Glob
	excludes []glob.Glob
}

// RewriteRule canonicalizes an admitted path into its stored URI.
// Rewrites apply in declaration order; each matching rule transforms the
// result of the previous one.
type RewriteRule struct {
	Namespace string `yaml:"namespace"`
	Pattern   string `yaml:"pattern" validate:"required"`
	Replace   string `yaml:"replace"`

	re *regexp.Regexp
}

// RuleSet is the full match/rewrite configuration for one namespace.
// A strict namespace rejects candidates no rule matches; a lax one
// admits them under the default match-all with an empty nature.
type RuleSet struct {
	Namespace string        `yaml:"namespace"`
	Strict    bool          `yaml:"strict"`
	Match     []MatchRule   `yaml:"match,omitempty"`
	Rewrite   []RewriteRule `yaml:"rewrite,omitempty"`

	compiled bool
	ordered  []*MatchRule
}

// MatchResult is the decision for one candidate path.
type MatchResult struct {
	Matched bool
	Nature  string
	URI     string
	Rule    *MatchRule
}

// Compile parses the regex patterns and glob filters. Must be called
// once before Evaluate; a rule set that fails to compile is unusable.
func (rs *RuleSet) Compile() error {
	for i := range rs.Match {
		r := &rs.Match[i]
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return stores.NewValidationError(
				fmt.Sprintf("match rule %d: invalid pattern %q", i, r.Pattern), err)
		}
		r.re = re

		r.includes = r.includes[:0]
		for _, g := range r.Includes {
			compiled, err := glob.Compile(g, '/')
			if err != nil {
				return stores.NewValidationError(
					fmt.Sprintf("match rule %d: invalid include glob %q", i, g), err)
			}
			r.includes = append(r.includes, compiled)
		}
		r.excludes = r.excludes[:0]
		for _, g := range r.Excludes {
			compiled, err := glob.Compile(g, '/')
			if err != nil {
				return stores.NewValidationError(
					fmt.Sprintf("match rule %d: invalid exclude glob %q", i, g), err)
			}
			r.excludes = append(r.excludes, compiled)
		}
	}

	for i := range rs.Rewrite {
		r := &rs.Rewrite[i]
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return stores.NewValidationError(
				fmt.Sprintf("rewrite rule %d: invalid pattern %q", i, r.Pattern), err)
		}
		r.re = re
	}

	// Order rules by priority; sort stability preserves declaration
	// order for equal priorities.
	rs.ordered = rs.ordered[:0]
	for i := range rs.Match {
		if rs.Match[i].Namespace == "" || rs.Match[i].Namespace == rs.Namespace {
			rs.ordered = append(rs.ordered, &rs.Match[i])
		}
	}
	sort.SliceStable(rs.ordered, func(i, j int) bool {
		return rs.ordered[i].Priority < rs.ordered[j].Priority
	})

	rs.compiled = true
	return nil
}

// Evaluate tests a candidate against the rule set. relPath drives
// matching; absPath seeds the canonical URI before rewrites apply.
func (rs *RuleSet) Evaluate(absPath, relPath string) (*MatchResult, error) {
	if !rs.compiled {
		if err := rs.Compile(); err != nil {
			return nil, err
		}
	}

	var winner *MatchRule
	for _, r := range rs.ordered {
		if r.matches(relPath) {
			winner = r
			break
		}
	}

	if winner == nil {
		// A strict namespace rejects unmatched candidates; a lax one
		// falls back to the default match-all.
		if rs.Strict {
			return &MatchResult{Matched: false}, nil
		}
		return &MatchResult{
			Matched: true,
			URI:     rs.rewrite("file://" + absPath),
		}, nil
	}

	return &MatchResult{
		Matched: true,
		Nature:  winner.Nature,
		URI:     rs.rewrite("file://" + absPath),
		Rule:    winner,
	}, nil
}

// matches tests relPath against the rule's regex and glob filters. A
// rule with include globs requires at least one to match; any matching
// exclude glob disqualifies.
func (r *MatchRule) matches(relPath string) bool {
	if !r.re.MatchString(relPath) {
		return false
	}
	if len(r.includes) > 0 {
		ok := false
		for _, g := range r.includes {
			if g.Match(relPath) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, g := range r.excludes {
		if g.Match(relPath) {
			return false
		}
	}
	return true
}

// rewrite runs the URI through each matching rewrite rule in
// declaration order.
func (rs *RuleSet) rewrite(uri string) string {
	for i := range rs.Rewrite {
		r := &rs.Rewrite[i]
		if r.Namespace != "" && r.Namespace != rs.Namespace {
			continue
		}
		if r.re.MatchString(uri) {
			uri = r.re.ReplaceAllString(uri, r.Replace)
		}
	}
	return uri
}
