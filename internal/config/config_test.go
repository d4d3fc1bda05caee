package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.CompletedStatus.Code != "TERMINE" {
		t.Fatalf("unexpected completed code %q", cfg.Engine.CompletedStatus.Code)
	}
	if !cfg.RetainUnverified() {
		t.Fatalf("retain should default to true")
	}
	negated := map[string]bool{}
	for _, n := range cfg.Engine.Labels.Negated {
		negated[n] = true
	}
	if !negated["incomplet"] || !negated["non termine"] {
		t.Fatalf("default negated labels missing: %v", cfg.Engine.Labels.Negated)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`engine:
  retain_unverified_completion: false
  exam_weekdays: [saturday]
gateway:
  base_url: http://partner.local
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RetainUnverified() {
		t.Fatalf("retain should be false")
	}
	if len(cfg.Engine.ExamWeekdays) != 1 || cfg.Engine.ExamWeekdays[0] != "saturday" {
		t.Fatalf("weekdays not overridden: %v", cfg.Engine.ExamWeekdays)
	}
	if cfg.Engine.CompletedStatus.Label != "Terminé" {
		t.Fatalf("defaults lost: %+v", cfg.Engine.CompletedStatus)
	}
	if cfg.Gateway.BaseURL != "http://partner.local" {
		t.Fatalf("gateway not parsed")
	}
}

func TestValidateRejectsUnknownWeekday(t *testing.T) {
	if _, err := FromYAML([]byte("engine:\n  exam_weekdays: [funday]\n")); err == nil {
		t.Fatalf("expected weekday error")
	}
	if _, err := FromYAML([]byte("webhooks:\n  - events: [step.completed]\n")); err == nil {
		t.Fatalf("expected webhook url error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load default: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dossierline.yml"), []byte("server:\n  base_path: /api\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("base path not loaded: %q", cfg.Server.BasePath)
	}
}
