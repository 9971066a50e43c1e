package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urio/urio/pkg/stores"
)

const validYAML = `
store:
  path: /var/lib/urio/urio.db
  max_open_conns: 10
device:
  name: workstation-7
  boundary: lab
ingest:
  adapter: fs
  agent: collector
  rules:
    strict: true
    match:
      - pattern: '\.md$'
        nature: text/markdown
        priority: 1
    rewrite:
      - pattern: '^file:///mnt/'
        replace: 'file:///srv/'
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cfg.Store.Path != "/var/lib/urio/urio.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Store.MaxOpenConns != 10 {
		t.Errorf("max open conns = %d, want 10", cfg.Store.MaxOpenConns)
	}
	// Defaults survive partial overrides.
	if cfg.Store.MaxIdleConns != 5 {
		t.Errorf("max idle conns = %d, want default 5", cfg.Store.MaxIdleConns)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("log level = %q, want default info", cfg.Telemetry.LogLevel)
	}
	if cfg.Device.Name != "workstation-7" || cfg.Device.Boundary != "lab" {
		t.Errorf("device = %+v", cfg.Device)
	}
	if !cfg.Ingest.Rules.Strict || len(cfg.Ingest.Rules.Match) != 1 {
		t.Errorf("rules = %+v", cfg.Ingest.Rules)
	}

	// Rules come back compiled and usable.
	res, err := cfg.Ingest.Rules.Evaluate("/mnt/notes.md", "notes.md")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !res.Matched || res.Nature != "text/markdown" {
		t.Errorf("expected match with markdown nature, got %+v", res)
	}
	if res.URI != "file:///srv/notes.md" {
		t.Errorf("rewritten URI = %q", res.URI)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("device:\n  name: d1\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Store.Path != "urio.db" {
		t.Errorf("default store path = %q", cfg.Store.Path)
	}
	if cfg.Ingest.Adapter != "fs" {
		t.Errorf("default adapter = %q", cfg.Ingest.Adapter)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing device name", "store:\n  path: x.db\n"},
		{"bad log level", "device:\n  name: d\ntelemetry:\n  log_level: loud\n"},
		{"bad adapter", "device:\n  name: d\ningest:\n  adapter: carrier-pigeon\n"},
		{"bad rule regex", "device:\n  name: d\ningest:\n  rules:\n    match:\n      - pattern: '(['\n"},
		{"not yaml", "\t{nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !stores.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urio.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Device.Name != "workstation-7" {
		t.Errorf("device name = %q", cfg.Device.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStoreAndTelemetryMapping(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sc := cfg.StoreConfig()
	if sc.Path != cfg.Store.Path || sc.MaxOpenConns != 10 {
		t.Errorf("store config mapping = %+v", sc)
	}

	tc := cfg.TelemetryConfig("1.2.3")
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("service version = %q", tc.ServiceVersion)
	}
	if tc.Logging.Level != cfg.Telemetry.LogLevel {
		t.Errorf("log level mapping = %q", tc.Logging.Level)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("mapped telemetry config must validate: %v", err)
	}
}
