package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

// Config models boardline.yml.
type Config struct {
	Gateway    Gateway    `yaml:"gateway" json:"gateway"`
	Local      Local      `yaml:"local" json:"local"`
	Realtime   Realtime   `yaml:"realtime" json:"realtime"`
	Board      Board      `yaml:"board" json:"board"`
	Operations Operations `yaml:"operations" json:"operations"`
	Server     Server     `yaml:"server" json:"server"`
}

type Gateway struct {
	Mode       string        `yaml:"mode" json:"mode"`
	URL        string        `yaml:"url" json:"url"`
	APIKey     string        `yaml:"api_key" json:"-"`
	APISecret  string        `yaml:"api_secret" json:"-"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MetaMethod string        `yaml:"meta_method" json:"meta_method"`
}

type Local struct {
	Workspace string `yaml:"workspace" json:"workspace"`
	// Fixtures is a YAML file of doctypes and documents loaded on init.
	Fixtures string `yaml:"fixtures" json:"fixtures,omitempty"`
}

type Realtime struct {
	NATSURL       string `yaml:"nats_url" json:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// Board names the doctypes and fields the views classify by.
type Board struct {
	TaskDoctype        string   `yaml:"task_doctype" json:"task_doctype"`
	CycleDoctype       string   `yaml:"cycle_doctype" json:"cycle_doctype"`
	ProjectDoctype     string   `yaml:"project_doctype" json:"project_doctype"`
	SubjectField       string   `yaml:"subject_field" json:"subject_field"`
	StatusField        string   `yaml:"status_field" json:"status_field"`
	PriorityField      string   `yaml:"priority_field" json:"priority_field"`
	AssigneeField      string   `yaml:"assignee_field" json:"assignee_field"`
	CycleField         string   `yaml:"cycle_field" json:"cycle_field"`
	ProjectField       string   `yaml:"project_field" json:"project_field"`
	ExecutionModeField string   `yaml:"execution_mode_field" json:"execution_mode_field"`
	BacklogGroup       string   `yaml:"backlog_group" json:"backlog_group"`
	BacklogDistance    float64  `yaml:"backlog_distance" json:"backlog_distance"`
	BoardDistance      float64  `yaml:"board_distance" json:"board_distance"`
	KanbanExclude      []string `yaml:"kanban_exclude" json:"kanban_exclude"`
}

type Operations struct {
	StartCycle    string `yaml:"start_cycle" json:"start_cycle"`
	CompleteCycle string `yaml:"complete_cycle" json:"complete_cycle"`
}

type Server struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Gateway.Mode {
	case ModeLocal:
	case ModeRemote:
		if c.Gateway.URL == "" {
			return fmt.Errorf("config.gateway.url is required in remote mode")
		}
		if !strings.HasPrefix(c.Gateway.URL, "http://") && !strings.HasPrefix(c.Gateway.URL, "https://") {
			return fmt.Errorf("config.gateway.url must be an http(s) url")
		}
	default:
		return fmt.Errorf("config.gateway.mode must be %q or %q", ModeRemote, ModeLocal)
	}
	if c.Gateway.Timeout < 0 {
		return fmt.Errorf("config.gateway.timeout must not be negative")
	}
	b := c.Board
	required := map[string]string{
		"task_doctype":         b.TaskDoctype,
		"cycle_doctype":        b.CycleDoctype,
		"project_doctype":      b.ProjectDoctype,
		"status_field":         b.StatusField,
		"cycle_field":          b.CycleField,
		"project_field":        b.ProjectField,
		"subject_field":        b.SubjectField,
		"execution_mode_field": b.ExecutionModeField,
		"backlog_group":        b.BacklogGroup,
	}
	for key, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("config.board.%s is required", key)
		}
	}
	if b.BacklogDistance < 0 || b.BoardDistance < 0 {
		return fmt.Errorf("config.board activation distances must not be negative")
	}
	if c.Operations.StartCycle == "" || c.Operations.CompleteCycle == "" {
		return fmt.Errorf("config.operations.start_cycle and complete_cycle are required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boardline.yml")
}

// GenerateDefault returns default config YAML for a gateway mode.
func GenerateDefault(mode string) string {
	if mode == "" {
		mode = ModeLocal
	}
	return fmt.Sprintf(defaultTemplate, mode)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct, a local-mode workspace.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(ModeLocal))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their defaults.
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

const defaultTemplate = `gateway:
  # remote talks to the platform's REST API; local uses the sqlite store
  mode: %s
  url: ""
  api_key: ""
  api_secret: ""
  timeout: 10s
  meta_method: infintrix_atlas.api.v1.get_doctype_meta

local:
  workspace: .
  fixtures: ""

realtime:
  # leave empty for in-process delivery
  nats_url: ""
  subject_prefix: boardline

board:
  task_doctype: Task
  cycle_doctype: Cycle
  project_doctype: Project
  subject_field: subject
  status_field: status
  priority_field: priority
  assignee_field: assignee
  cycle_field: custom_cycle
  project_field: project
  execution_mode_field: custom_execution_mode
  backlog_group: Open
  backlog_distance: 8
  board_distance: 5
  kanban_exclude: [Template]

operations:
  start_cycle: infintrix_atlas.api.v1.start_cycle
  complete_cycle: infintrix_atlas.api.v1.complete_cycle

server:
  addr: ":8080"
  base_path: /v0
`
