package resource

import (
	"strings"
	"testing"
)

func TestParseFrontMatter(t *testing.T) {
	content := `---
title: "Weekly report"
tags: [ops, weekly]
---
Body text here.`

	doc, err := ParseFrontMatter(content)
	if err != nil {
		t.Fatalf("ParseFrontMatter failed: %v", err)
	}

	if doc.Attributes["title"] != "Weekly report" {
		t.Errorf("expected title attribute, got %v", doc.Attributes["title"])
	}
	if doc.Body != "Body text here." {
		t.Errorf("expected body without front matter, got %q", doc.Body)
	}

	raw, err := doc.AttributesJSON()
	if err != nil {
		t.Fatalf("AttributesJSON failed: %v", err)
	}
	if raw == nil || !strings.Contains(*raw, `"title"`) {
		t.Errorf("expected JSON attributes with title, got %v", raw)
	}
}

func TestParseFrontMatterAbsent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"plain text", "just a line of text"},
		{"unclosed block", "---\ntitle: x"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseFrontMatter(tt.content)
			if err != nil {
				t.Fatalf("ParseFrontMatter failed: %v", err)
			}
			if doc.Attributes != nil {
				t.Errorf("expected no attributes, got %v", doc.Attributes)
			}
			if doc.Body != tt.content {
				t.Errorf("expected body unchanged, got %q", doc.Body)
			}

			raw, err := doc.AttributesJSON()
			if err != nil {
				t.Fatalf("AttributesJSON failed: %v", err)
			}
			if raw != nil {
				t.Errorf("expected nil attributes JSON, got %q", *raw)
			}
		})
	}
}

func TestParseFrontMatterMalformed(t *testing.T) {
	content := "---\n\t{not yaml\n---\nbody"

	if _, err := ParseFrontMatter(content); err == nil {
		t.Error("expected error for malformed front matter")
	}
}
