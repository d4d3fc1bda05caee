package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models dossierline.yml.
type Config struct {
	Engine struct {
		CompletedStatus  StatusConfig `yaml:"completed_status"`
		InProgressStatus StatusConfig `yaml:"in_progress_status"`
		PendingStatus    StatusConfig `yaml:"pending_status"`
		Labels           struct {
			Completed  []string `yaml:"completed"`
			InProgress []string `yaml:"in_progress"`
			// Negated labels are never read as completed, e.g. "incomplet".
			Negated    []string `yaml:"negated"`
		} `yaml:"labels"`
		ExamStepMarkers []string `yaml:"exam_step_markers"`
		ExamWeekdays    []string `yaml:"exam_weekdays"`
		// RetainUnverifiedCompletion keeps a cached step complete when its
		// documents no longer validate.
		RetainUnverifiedCompletion *bool `yaml:"retain_unverified_completion"`
	} `yaml:"engine"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StatusConfig struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
}

type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ServerConfig struct {
	BasePath               string `yaml:"base_path"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var weekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, st := range map[string]StatusConfig{
		"completed_status":   c.Engine.CompletedStatus,
		"in_progress_status": c.Engine.InProgressStatus,
		"pending_status":     c.Engine.PendingStatus,
	} {
		if st.Code == "" || st.Label == "" {
			return fmt.Errorf("config.engine.%s requires code and label", name)
		}
	}
	if len(c.Engine.Labels.Completed) == 0 {
		return fmt.Errorf("config.engine.labels.completed is required")
	}
	for _, s := range c.Engine.Labels.Completed {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.engine.labels.completed has empty synonym")
		}
	}
	if len(c.Engine.ExamWeekdays) == 0 {
		return fmt.Errorf("config.engine.exam_weekdays is required")
	}
	for _, d := range c.Engine.ExamWeekdays {
		if !weekdays[strings.ToLower(d)] {
			return fmt.Errorf("config.engine.exam_weekdays has unknown day %s", d)
		}
	}
	if c.Gateway.TimeoutSeconds < 0 {
		return fmt.Errorf("config.gateway.timeout_seconds must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RetainUnverified reports the effective retain policy (default true).
func (c *Config) RetainUnverified() bool {
	return c.Engine.RetainUnverifiedCompletion == nil || *c.Engine.RetainUnverifiedCompletion
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dossierline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or Default when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  completed_status:
    code: TERMINE
    label: Terminé
  in_progress_status:
    code: EN_COURS
    label: En cours
  pending_status:
    code: EN_ATTENTE
    label: En attente

  # Substrings of a step's server-declared status label, compared accent- and case-insensitively.
  labels:
    # A label containing a negated substring is never completed, so "Dossier incomplet" stays pending.
    completed: [complete, complet, termine]
    in_progress: [en cours, in progress]
    negated: [incomplet, non complet, non termine, not complete, uncomplete, inacheve]

  # A step whose code or label contains one of these is the "send for examination" step.
  exam_step_markers:
    - envoi pour examen
    - envoyer pour examen
    - envoi a l'examen
    - envoi examen
    - send case for examination

  exam_weekdays: [wednesday, saturday]
  retain_unverified_completion: true

gateway:
  base_url: ""
  timeout_seconds: 10

server:
  base_path: /v0
`
