// Package config loads the server configuration file (veritas.yaml), applies
// defaults and environment overrides, and validates the result against an
// embedded JSON schema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/obadiaha/veritas-kanban/internal/agent"
	"github.com/obadiaha/veritas-kanban/internal/alerts"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// Defaults.
const (
	DefaultPort              = 8787
	DefaultRetentionDays     = 30
	DefaultCompressAfterDays = 7
	DefaultNotifyWindowMin   = 5
	DefaultAgentType         = "claude-code"
	DefaultConfigFile        = "veritas.yaml"
)

var retentionDaysPattern = regexp.MustCompile(`^\d{1,3}$`)

// AgentEntry is one configured agent command.
type AgentEntry struct {
	Type    string   `json:"type" yaml:"type"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Enabled *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// TelemetrySection controls the event store.
type TelemetrySection struct {
	Enabled           *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	RetentionDays     int   `json:"retentionDays,omitempty" yaml:"retentionDays,omitempty"`
	Traces            *bool `json:"traces,omitempty" yaml:"traces,omitempty"`
	CompressAfterDays *int  `json:"compressAfterDays,omitempty" yaml:"compressAfterDays,omitempty"`
}

// NotificationsSection controls failure alerts.
type NotificationsSection struct {
	OnAgentFailure bool   `json:"onAgentFailure,omitempty" yaml:"onAgentFailure,omitempty"`
	WebhookURL     string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	WindowMinutes  int    `json:"windowMinutes,omitempty" yaml:"windowMinutes,omitempty"`
}

// AgentsSection names the default agent and the configured commands.
type AgentsSection struct {
	Default string       `json:"default,omitempty" yaml:"default,omitempty"`
	List    []AgentEntry `json:"list,omitempty" yaml:"list,omitempty"`
}

// File is the full configuration document.
type File struct {
	Port          int                  `json:"port,omitempty" yaml:"port,omitempty"`
	Root          string               `json:"root,omitempty" yaml:"root,omitempty"`
	Telemetry     TelemetrySection     `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Agents        AgentsSection        `json:"agents,omitempty" yaml:"agents,omitempty"`
	Notifications NotificationsSection `json:"notifications,omitempty" yaml:"notifications,omitempty"`
}

// Load reads path, decodes it strictly (YAML by default, JSON by extension),
// applies defaults and env overrides, and validates. A missing file yields
// the defaults.
func Load(path string) (*File, error) {
	var cfg File
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".json" {
			if err := decodeJSONStrict(b, &cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		} else {
			if err := decodeYAMLStrict(b, &cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = "."
	}
	if cfg.Telemetry.Enabled == nil {
		t := true
		cfg.Telemetry.Enabled = &t
	}
	if cfg.Telemetry.RetentionDays == 0 {
		cfg.Telemetry.RetentionDays = DefaultRetentionDays
	}
	if cfg.Telemetry.Traces == nil {
		t := true
		cfg.Telemetry.Traces = &t
	}
	if cfg.Telemetry.CompressAfterDays == nil {
		v := DefaultCompressAfterDays
		cfg.Telemetry.CompressAfterDays = &v
	}
	if strings.TrimSpace(cfg.Agents.Default) == "" {
		cfg.Agents.Default = DefaultAgentType
	}
	for i := range cfg.Agents.List {
		if cfg.Agents.List[i].Enabled == nil {
			t := true
			cfg.Agents.List[i].Enabled = &t
		}
		if strings.TrimSpace(cfg.Agents.List[i].Name) == "" {
			cfg.Agents.List[i].Name = cfg.Agents.List[i].Type
		}
	}
	if cfg.Notifications.WindowMinutes == 0 {
		cfg.Notifications.WindowMinutes = DefaultNotifyWindowMin
	}
}

func applyEnvOverrides(cfg *File) error {
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("PORT: invalid value %q", v)
		}
		cfg.Port = n
	}
	if v := os.Getenv("TELEMETRY_RETENTION_DAYS"); v != "" {
		if !retentionDaysPattern.MatchString(v) {
			return fmt.Errorf("TELEMETRY_RETENTION_DAYS: invalid value %q", v)
		}
		n, _ := strconv.Atoi(v)
		if n < 1 {
			return fmt.Errorf("TELEMETRY_RETENTION_DAYS: must be >= 1, got %d", n)
		}
		cfg.Telemetry.RetentionDays = n
	}
	if v := os.Getenv("TELEMETRY_COMPRESS_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("TELEMETRY_COMPRESS_DAYS: invalid value %q", v)
		}
		cfg.Telemetry.CompressAfterDays = &n
	}
	return nil
}

// DataDir returns the metadata directory root under Root.
func (c *File) DataDir() string {
	return filepath.Join(c.Root, ".veritas-kanban")
}

// TelemetryConfig converts the telemetry section.
func (c *File) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:           *c.Telemetry.Enabled,
		RetentionDays:     c.Telemetry.RetentionDays,
		Traces:            *c.Telemetry.Traces,
		CompressAfterDays: *c.Telemetry.CompressAfterDays,
	}
}

// AgentConfig converts the agents section to the supervisor's shape.
func (c *File) AgentConfig() agent.Config {
	out := agent.Config{DefaultAgent: c.Agents.Default}
	for _, e := range c.Agents.List {
		out.Agents = append(out.Agents, agent.Spec{
			Type:    e.Type,
			Name:    e.Name,
			Command: e.Command,
			Args:    e.Args,
			Enabled: e.Enabled == nil || *e.Enabled,
		})
	}
	return out
}

// AlertsConfig converts the notifications section.
func (c *File) AlertsConfig() alerts.Config {
	return alerts.Config{
		OnAgentFailure: c.Notifications.OnAgentFailure,
		WebhookURL:     c.Notifications.WebhookURL,
		Window:         time.Duration(c.Notifications.WindowMinutes) * time.Minute,
	}
}

const schemaDoc = `{
  "type": "object",
  "properties": {
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "root": {"type": "string", "minLength": 1},
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "retentionDays": {"type": "integer", "minimum": 1, "maximum": 999},
        "traces": {"type": "boolean"},
        "compressAfterDays": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "agents": {
      "type": "object",
      "properties": {
        "default": {"type": "string", "minLength": 1},
        "list": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "type": {"type": "string", "minLength": 1},
              "name": {"type": "string"},
              "command": {"type": "string", "minLength": 1},
              "args": {"type": "array", "items": {"type": "string"}},
              "enabled": {"type": "boolean"}
            },
            "required": ["type", "command"],
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "notifications": {
      "type": "object",
      "properties": {
        "onAgentFailure": {"type": "boolean"},
        "webhookUrl": {"type": "string"},
        "windowMinutes": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var configSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("veritas-config.json", strings.NewReader(schemaDoc)); err != nil {
		panic(err)
	}
	return c.MustCompile("veritas-config.json")
}

// validate runs the schema over the JSON projection of the resolved config.
func validate(cfg *File) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := configSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if _, ok := findAgent(cfg, cfg.Agents.Default); len(cfg.Agents.List) > 0 && !ok {
		return fmt.Errorf("agents.default %q is not in agents.list", cfg.Agents.Default)
	}
	return nil
}

func findAgent(cfg *File, agentType string) (AgentEntry, bool) {
	for _, e := range cfg.Agents.List {
		if e.Type == agentType {
			return e, true
		}
	}
	return AgentEntry{}, false
}
