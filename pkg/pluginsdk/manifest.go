// Package pluginsdk defines the plugin manifest format and validation rules
// shared by the host and by plugin authors.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/benhmoore/codeally/pkg/models"
)

// ManifestFilename is the manifest file every plugin directory carries.
const ManifestFilename = "ally.plugin.json"

// MaxSocketPathLength is the portable unix socket path limit. Manifests
// declaring longer socket paths are rejected at load time rather than
// failing at bind time.
const MaxSocketPathLength = 104

// ActivationMode selects when the host surfaces a plugin's tools.
type ActivationMode string

const (
	// ActivationAlways exposes the plugin in every session.
	ActivationAlways ActivationMode = "always"

	// ActivationTagged exposes the plugin only in sessions that opt in by
	// tag.
	ActivationTagged ActivationMode = "tagged"
)

// ToolType selects the backend one tool runs on.
type ToolType string

const (
	// ToolTypeSubprocess runs one short-lived process per tool call.
	ToolTypeSubprocess ToolType = "subprocess"

	// ToolTypeBackgroundRPC dispatches the call over JSON-RPC to the
	// plugin's daemon socket.
	ToolTypeBackgroundRPC ToolType = "background_rpc"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest describes one plugin: its identity, activation mode, and the
// tools and agents it contributes.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`

	// Activation defaults to always when omitted.
	Activation ActivationMode `json:"activation_mode,omitempty"`

	Tools  []ToolSpec  `json:"tools,omitempty"`
	Agents []AgentSpec `json:"agents,omitempty"`

	// Background declares the plugin's daemon. Required whenever any tool
	// is background_rpc, or when the plugin subscribes to events.
	Background *BackgroundSpec `json:"background,omitempty"`

	// Events lists lifecycle event kinds the plugin wants delivered to its
	// socket. Background plugins only.
	Events []string `json:"events,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolSpec declares one tool and its display behavior.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Type selects the backend. Empty defaults to subprocess.
	Type ToolType `json:"type,omitempty"`

	// Method is the JSON-RPC method for background_rpc tools.
	Method string `json:"method,omitempty"`

	// Command and Args launch the process for subprocess tools.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// ArgumentSchema validates model-supplied arguments before dispatch.
	ArgumentSchema json.RawMessage `json:"argument_schema,omitempty"`

	// FormSchema, when present, makes the host collect interactive input
	// before execution.
	FormSchema json.RawMessage `json:"form_schema,omitempty"`

	ConcurrencySafe      bool     `json:"concurrency_safe,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation,omitempty"`
	HiddenFromChat       bool     `json:"hidden_from_chat,omitempty"`
	Transparent          bool     `json:"transparent,omitempty"`
	CollapseAfter        bool     `json:"collapse_after,omitempty"`
	HideOutput           bool     `json:"hide_output,omitempty"`
	AlwaysShowFull       bool     `json:"always_show_full,omitempty"`
	Streaming            bool     `json:"streaming,omitempty"`
	Exploratory          bool     `json:"exploratory,omitempty"`
	PreservesStreak      bool     `json:"preserves_streak,omitempty"`
	VisibleTo            []string `json:"visible_to,omitempty"`
}

// Descriptor converts the tool spec into the registry descriptor for this plugin.
func (t ToolSpec) Descriptor(plugin string) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:                 t.Name,
		ConcurrencySafe:      t.ConcurrencySafe,
		RequiresConfirmation: t.RequiresConfirmation,
		VisibleInChat:        !t.HiddenFromChat,
		Transparent:          t.Transparent,
		CollapseAfter:        t.CollapseAfter,
		HideOutput:           t.HideOutput,
		AlwaysShowFull:       t.AlwaysShowFull,
		Streaming:            t.Streaming,
		Exploratory:          t.Exploratory,
		PreservesStreak:      t.PreservesStreak,
		VisibleTo:            t.VisibleTo,
		Plugin:               plugin,
		FormSchema:           t.FormSchema,
	}
}

// BackendType returns the declared backend, defaulting to subprocess.
func (t ToolSpec) BackendType() ToolType {
	if t.Type == "" {
		return ToolTypeSubprocess
	}
	return t.Type
}

// AgentSpec declares one agent the plugin contributes.
type AgentSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// SystemPrompt is the prompt file path, relative to the manifest
	// directory.
	SystemPrompt string `json:"system_prompt"`

	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Tools       []string `json:"tools,omitempty"`

	// VisibleFrom restricts which agents may delegate to this one. Empty
	// means any.
	VisibleFrom []string `json:"visible_from,omitempty"`

	Specialized bool `json:"specialized,omitempty"`
}

// BackgroundSpec configures the plugin's daemon process.
type BackgroundSpec struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	SocketPath string            `json:"socket_path"`

	StartupTimeoutSeconds int `json:"startup_timeout_seconds,omitempty"`
	ShutdownGraceSeconds  int `json:"shutdown_grace_seconds,omitempty"`
	HealthIntervalSeconds int `json:"health_interval_seconds,omitempty"`
}

// DecodeManifest parses manifest bytes without validating them.
func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// DecodeManifestFile parses a manifest file without validating it.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the structural rules the host enforces at load time.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("plugin name %q is invalid (lowercase letters, digits, - and _ only)", m.Name)
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("plugin %s: version is required", m.Name)
	}

	switch m.Activation {
	case "", ActivationAlways, ActivationTagged:
	default:
		return fmt.Errorf("plugin %s: unknown activation_mode %q", m.Name, m.Activation)
	}

	if m.Background != nil {
		if err := m.validateBackground(); err != nil {
			return err
		}
	}
	if len(m.Events) > 0 && m.Background == nil {
		return fmt.Errorf("plugin %s: event subscriptions require a background block", m.Name)
	}

	if err := m.validateTools(); err != nil {
		return err
	}
	if err := m.validateEvents(); err != nil {
		return err
	}
	return m.validateAgents()
}

func (m *Manifest) validateBackground() error {
	if strings.TrimSpace(m.Background.Command) == "" {
		return fmt.Errorf("plugin %s: background command is required", m.Name)
	}
	socket := m.Background.SocketPath
	if socket == "" {
		return fmt.Errorf("plugin %s: background socket_path is required", m.Name)
	}
	if !filepath.IsAbs(socket) {
		return fmt.Errorf("plugin %s: socket_path must be absolute, got %q", m.Name, socket)
	}
	if len(socket) > MaxSocketPathLength {
		return fmt.Errorf("plugin %s: socket_path exceeds %d characters", m.Name, MaxSocketPathLength)
	}
	return nil
}

func (m *Manifest) validateTools() error {
	seen := make(map[string]struct{}, len(m.Tools))
	for _, tool := range m.Tools {
		if !namePattern.MatchString(tool.Name) {
			return fmt.Errorf("plugin %s: tool name %q is invalid", m.Name, tool.Name)
		}
		if _, ok := seen[tool.Name]; ok {
			return fmt.Errorf("plugin %s: duplicate tool %q", m.Name, tool.Name)
		}
		seen[tool.Name] = struct{}{}

		switch tool.BackendType() {
		case ToolTypeBackgroundRPC:
			if m.Background == nil {
				return fmt.Errorf("plugin %s: tool %s is background_rpc but the plugin declares no background block", m.Name, tool.Name)
			}
			if strings.TrimSpace(tool.Method) == "" {
				return fmt.Errorf("plugin %s: tool %s requires a method", m.Name, tool.Name)
			}
		case ToolTypeSubprocess:
			if strings.TrimSpace(tool.Command) == "" {
				return fmt.Errorf("plugin %s: tool %s requires a command", m.Name, tool.Name)
			}
		default:
			return fmt.Errorf("plugin %s: tool %s has unknown type %q", m.Name, tool.Name, tool.Type)
		}
	}
	return nil
}

func (m *Manifest) validateAgents() error {
	for _, agent := range m.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return fmt.Errorf("plugin %s: agent name is required", m.Name)
		}
		if strings.TrimSpace(agent.SystemPrompt) == "" {
			return fmt.Errorf("plugin %s: agent %s requires a system_prompt path", m.Name, agent.Name)
		}
		if agent.Temperature != nil && (*agent.Temperature < 0 || *agent.Temperature > 2) {
			return fmt.Errorf("plugin %s: agent %s temperature must be within [0, 2]", m.Name, agent.Name)
		}
	}
	return nil
}

// EffectiveActivation returns the activation mode, defaulting to always.
func (m *Manifest) EffectiveActivation() ActivationMode {
	if m.Activation == "" {
		return ActivationAlways
	}
	return m.Activation
}

// BackgroundEnabled reports whether the plugin declares a daemon.
func (m *Manifest) BackgroundEnabled() bool { return m.Background != nil }

func (m *Manifest) validateEvents() error {
	for _, name := range m.Events {
		if !models.EventKind(name).Approved() {
			return fmt.Errorf("plugin %s: event %q is not on the approved list", m.Name, name)
		}
	}
	return nil
}

// EventKinds returns the subscription list as typed event kinds.
func (m *Manifest) EventKinds() []models.EventKind {
	kinds := make([]models.EventKind, 0, len(m.Events))
	for _, name := range m.Events {
		kinds = append(kinds, models.EventKind(name))
	}
	return kinds
}
