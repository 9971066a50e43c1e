package ingest

import (
	"testing"
)

func TestRuleTieBreakByPriority(t *testing.T) {
	rs := &RuleSet{
		Namespace: "fs",
		Match: []MatchRule{
			{Namespace: "fs", Pattern: `\.txt$`, Nature: "text/low", Priority: 2},
			{Namespace: "fs", Pattern: `\.txt$`, Nature: "text/high", Priority: 1},
		},
	}
	if err := rs.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	res, err := rs.Evaluate("/a/b.txt", "a/b.txt")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !res.Matched || res.Nature != "text/high" {
		t.Errorf("expected priority 1 rule to win, got %+v", res)
	}
}

func TestRuleTieBreakByDeclarationOrder(t *testing.T) {
	rs := &RuleSet{
		Match: []MatchRule{
			{Pattern: `\.txt$`, Nature: "first", Priority: 1},
			{Pattern: `\.txt$`, Nature: "second", Priority: 1},
		},
	}
	if err := rs.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	res, err := rs.Evaluate("/a/b.txt", "a/b.txt")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if res.Nature != "first" {
		t.Errorf("equal priorities must fall back to declaration order, got %q", res.Nature)
	}
}

func TestStrictNamespaceUnmatched(t *testing.T) {
	rs := &RuleSet{
		Strict: true,
		Match: []MatchRule{
			{Pattern: `\.go$`, Nature: "text/x-go", Priority: 1},
		},
	}
	if err := rs.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	res, err := rs.Evaluate("/a/b.txt", "a/b.txt")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if res.Matched {
		t.Error("strict namespace must reject unmatched candidates")
	}
}

func TestLaxNamespaceDefaultMatchAll(t *testing.T) {
	rs := &RuleSet{}
	if err := rs.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	res, err := rs.Evaluate("/a/b.bin", "a/b.bin")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !res.Matched {
		t.Error("lax namespace with no rules must match all")
	}
	if res.URI != "file:///a/b.bin" {
		t.Errorf("default URI = %q, want file:///a/b.bin", res.URI)
	}
}

func TestRuleGlobFilters(t *testing.T) {
	rs := &RuleSet{
		Strict: true,
		Match: []MatchRule{
			{
				Pattern:  `.*`,
				Includes: []string{"docs/**"},
				Excludes: []string{"docs/internal/**"},
				Nature:   "text/markdown",
				Priority: 1,
			},
		},
	}
	if err := rs.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	tests := []struct {
		rel     string
		matched bool
	}{
		{"docs/guide.md", true},
		{"docs/sub/page.md", true},
		{"docs/internal/secret.md", false},
		{"src/main.go", false},
	}

	for _, tt := range tests {
		res, err := rs.Evaluate("/"+tt.rel, tt.rel)
		if err != nil {
			t.Fatalf("evaluate(%s) failed: %v", tt.rel, err)
		}
		if res.Matched != tt.matched {
			t.Errorf("evaluate(%s).Matched = %v, want %v", tt.rel, res.Matched, tt.matched)
		}
	}
}

func TestRewriteCanonicalizesURI(t *testing.T) {
	rs := &RuleSet{
		Rewrite: []RewriteRule{
			{Pattern: `^file:///mnt/ingest/`, Replace: "file:///srv/"},
			{Pattern: `\.markdown$`, Replace: ".md"},
		},
	}
	if err := rs.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	res, err := rs.Evaluate("/mnt/ingest/notes.markdown", "notes.markdown")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if res.URI != "file:///srv/notes.md" {
		t.Errorf("rewritten URI = %q, want file:///srv/notes.md", res.URI)
	}
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	bad := &RuleSet{Match: []MatchRule{{Pattern: `([`}}}
	if err := bad.Compile(); err == nil {
		t.Error("expected compile error for invalid regex")
	}

	badGlob := &RuleSet{Match: []MatchRule{{Pattern: `.*`, Includes: []string{"[!"}}}}
	if err := badGlob.Compile(); err == nil {
		t.Error("expected compile error for invalid glob")
	}
}
