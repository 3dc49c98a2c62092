// Package config loads the harness's run specification and exposes the
// tunable timeouts and defaults used across the orchestrator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Language enumerates the exercise languages the harness understands.
type Language string

// Supported languages.
const (
	LanguageGo         Language = "go"
	LanguageJava       Language = "java"
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageRust       Language = "rust"
)

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	switch l {
	case LanguageGo, LanguageJava, LanguageJavaScript, LanguagePython, LanguageRust:
		return true
	default:
		return false
	}
}

// RunSpec is the harness's flat run-configuration document (TOML): model,
// include/exclude filters, concurrency, and agent invocation details.
type RunSpec struct {
	Model         string   `toml:"model"`
	Description   string   `toml:"description"`
	ExercisesRoot string   `toml:"exercises_root"`
	SocketPath    string   `toml:"socket_path"`
	Concurrency   int      `toml:"concurrency"`
	Include       []string `toml:"include"`
	Exclude       []string `toml:"exclude"`
	Exercise      string   `toml:"exercise"`
	BaseRef       string   `toml:"base_ref"`

	// AgentCommand is a template invoked once per task, e.g.
	// "roo-agent --socket {{.SocketPath}} --otlp {{.OTLPEndpoint}}".
	AgentCommand string `toml:"agent_command"`

	// SettingsJSON is opaque configuration forwarded verbatim to the agent
	// as StartNewTask's configuration payload; the core never types it.
	SettingsJSON json.RawMessage `toml:"-"`
	SettingsRaw  string          `toml:"settings"`

	HandshakeTimeout   time.Duration `toml:"handshake_timeout"`
	TaskTimeout        time.Duration `toml:"task_timeout"`
	TestCommandTimeout time.Duration `toml:"test_command_timeout"`
	InterStartDelay    time.Duration `toml:"inter_start_delay"`
	CancelGracePeriod  time.Duration `toml:"cancel_grace_period"`

	OTLPBasePort int `toml:"otlp_base_port"`

	AllowedMCPServers []string `toml:"allowed_mcp_servers"`

	// DisableEmptyBenchmark controls what happens to a benchmark row whose
	// task finished without ingesting a single span: kept with
	// total_steps=0 by default, deleted when this is set.
	DisableEmptyBenchmark bool `toml:"disable_empty_benchmark"`
}

// LoadRunSpec reads and validates a RunSpec from a TOML file, expanding
// environment variables and applying defaults for any unset timeout.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run spec %q: %w", path, err)
	}
	data = ExpandEnv(data)

	var spec RunSpec
	if _, err := toml.Decode(string(data), &spec); err != nil {
		return nil, fmt.Errorf("parsing run spec %q: %w", path, err)
	}

	spec.applyDefaults()
	if spec.SettingsRaw != "" {
		spec.SettingsJSON = json.RawMessage(spec.SettingsRaw)
	} else {
		spec.SettingsJSON = json.RawMessage("{}")
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *RunSpec) applyDefaults() {
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = DefaultTaskTimeout
	}
	if s.TestCommandTimeout <= 0 {
		s.TestCommandTimeout = DefaultTestCommandTimeout
	}
	if s.InterStartDelay <= 0 {
		s.InterStartDelay = DefaultInterStartDelay
	}
	if s.CancelGracePeriod <= 0 {
		s.CancelGracePeriod = DefaultCancelGracePeriod
	}
	if s.OTLPBasePort <= 0 {
		s.OTLPBasePort = DefaultOTLPBasePort
	}
	if len(s.AllowedMCPServers) == 0 {
		s.AllowedMCPServers = append([]string(nil), DefaultMCPServerAllowlist...)
	}
	if s.BaseRef == "" {
		s.BaseRef = DefaultBaseRef
	}
}

// Validate checks required fields are present.
func (s *RunSpec) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("run spec: model is required")
	}
	if s.ExercisesRoot == "" {
		return fmt.Errorf("run spec: exercises_root is required")
	}
	if s.SocketPath == "" {
		return fmt.Errorf("run spec: socket_path is required")
	}
	if s.AgentCommand == "" {
		return fmt.Errorf("run spec: agent_command is required")
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("run spec: concurrency must be >= 1")
	}
	return nil
}

// ExerciseTask is one (language, exercise) pair to schedule.
type ExerciseTask struct {
	Language Language
	Exercise string
}
