package resource

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document represents textual content split into front matter and body.
type Document struct {
	// Attributes holds the parsed front matter keys, nil when the
	// content carries none.
	Attributes map[string]interface{}

	// Body is the content with the front matter block stripped.
	Body string
}

// ParseFrontMatter extracts a YAML front matter block and body from
// textual content. Expected format:
//
//	---
//	title: "..."
//	tags: [a, b]
//	---
//	body text
//
// Content without a leading delimiter is returned unchanged as body.
func ParseFrontMatter(content string) (*Document, error) {
	if !strings.HasPrefix(content, "---") {
		return &Document{Body: content}, nil
	}

	// Split on --- delimiters
	parts := strings.SplitN(content, "---", 3)

	// No closing delimiter - entire content is body
	if len(parts) < 3 {
		return &Document{Body: content}, nil
	}

	// First part is empty (before the opening ---), second is the YAML
	// block, third is the body.
	block := strings.TrimSpace(parts[1])
	body := strings.TrimSpace(parts[2])

	var attrs map[string]interface{}
	if block != "" {
		if err := yaml.Unmarshal([]byte(block), &attrs); err != nil {
			return nil, fmt.Errorf("failed to parse front matter: %w", err)
		}
	}

	return &Document{
		Attributes: attrs,
		Body:       body,
	}, nil
}

// AttributesJSON returns the front matter as a JSON string suitable for
// the structured-attributes column, or nil when no attributes exist.
func (d *Document) AttributesJSON() (*string, error) {
	if len(d.Attributes) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(d.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode front matter: %w", err)
	}

	s := string(raw)
	return &s, nil
}
