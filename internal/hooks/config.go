package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Event is the lifecycle point a hook fires at.
type Event string

const (
	EventPreToolUse  Event = "PreToolUse"
	EventPostToolUse Event = "PostToolUse"
	EventStop        Event = "Stop"
)

// Phase distinguishes the two PreToolUse sub-phases. It is meaningless for
// other events.
type Phase string

const (
	PhaseGuard   Phase = "guard"
	PhaseObserve Phase = "observe"
)

// Entry is one configured hook.
type Entry struct {
	Event     Event  `json:"event" yaml:"event"`
	Command   string `json:"command" yaml:"command"`
	MatchTool string `json:"match_tool,omitempty" yaml:"match_tool,omitempty"`
	Phase     Phase  `json:"phase,omitempty" yaml:"phase,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Matches reports whether this entry should fire for the given tool name.
// An absent match_tool matches every tool.
func (e Entry) Matches(tool string) bool {
	return e.MatchTool == "" || e.MatchTool == tool
}

// Config is the declarative hook-configuration file.
type Config struct {
	Hooks []Entry `json:"hooks" yaml:"hooks"`
}

const (
	defaultPreToolUseTimeoutMS  = 5000
	defaultPostToolUseTimeoutMS = 5000
	defaultStopTimeoutMS        = 3000
)

func applyDefaults(cfg *Config) {
	for i := range cfg.Hooks {
		e := &cfg.Hooks[i]
		if e.Event == EventPreToolUse && e.Phase == "" {
			e.Phase = PhaseGuard
		}
		if e.TimeoutMS > 0 {
			continue
		}
		switch e.Event {
		case EventPreToolUse:
			e.TimeoutMS = defaultPreToolUseTimeoutMS
		case EventPostToolUse:
			e.TimeoutMS = defaultPostToolUseTimeoutMS
		case EventStop:
			e.TimeoutMS = defaultStopTimeoutMS
		}
	}
}

// LoadConfig reads the hook configuration file at path. A missing file is
// not an error: it yields an empty Config so the runner built from it is a
// no-op.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("hooks: %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("hooks: %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
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

func decodeYAMLStrict(b []byte, cfg *Config) error {
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
