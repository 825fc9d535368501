package pluginsdk

import (
	"encoding/json"
	"strings"
	"testing"
)

func backgroundManifest() *Manifest {
	return &Manifest{
		Name:    "analyzer",
		Version: "1.0.0",
		Background: &BackgroundSpec{
			Command:    "/usr/local/bin/analyzer",
			SocketPath: "/tmp/analyzer.sock",
		},
		Tools: []ToolSpec{
			{Name: "analyze", Type: ToolTypeBackgroundRPC, Method: "analyze_code"},
		},
	}
}

func TestManifest_ValidBackground(t *testing.T) {
	if err := backgroundManifest().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestManifest_ValidSubprocess(t *testing.T) {
	m := &Manifest{
		Name:    "formatter",
		Version: "0.2.0",
		Tools: []ToolSpec{
			// Omitted type defaults to subprocess.
			{Name: "format", Command: "/usr/local/bin/fmt"},
		},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestManifest_MixedBackends(t *testing.T) {
	// One plugin may run some tools per-call and others on its daemon.
	m := backgroundManifest()
	m.Tools = append(m.Tools, ToolSpec{
		Name:    "format",
		Type:    ToolTypeSubprocess,
		Command: "/usr/local/bin/fmt",
	})
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestManifest_ActivationModes(t *testing.T) {
	for _, mode := range []ActivationMode{"", ActivationAlways, ActivationTagged} {
		m := backgroundManifest()
		m.Activation = mode
		if err := m.Validate(); err != nil {
			t.Errorf("mode %q: %v", mode, err)
		}
	}
	if got := (&Manifest{}).EffectiveActivation(); got != ActivationAlways {
		t.Errorf("default activation = %q, want always", got)
	}
}

func TestManifest_ValidationFailures(t *testing.T) {
	temp := 3.5
	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"empty name", func(m *Manifest) { m.Name = "" }, "invalid"},
		{"uppercase name", func(m *Manifest) { m.Name = "Analyzer" }, "invalid"},
		{"missing version", func(m *Manifest) { m.Version = " " }, "version is required"},
		{"unknown activation", func(m *Manifest) { m.Activation = "inline" }, "unknown activation_mode"},
		{"rpc tool without background", func(m *Manifest) { m.Background = nil }, "declares no background block"},
		{"missing background command", func(m *Manifest) { m.Background.Command = "" }, "command is required"},
		{"missing socket", func(m *Manifest) { m.Background.SocketPath = "" }, "socket_path is required"},
		{"relative socket", func(m *Manifest) { m.Background.SocketPath = "run/analyzer.sock" }, "must be absolute"},
		{"oversized socket", func(m *Manifest) {
			m.Background.SocketPath = "/" + strings.Repeat("a", MaxSocketPathLength)
		}, "exceeds"},
		{"rpc tool without method", func(m *Manifest) { m.Tools[0].Method = "" }, "requires a method"},
		{"unknown tool type", func(m *Manifest) { m.Tools[0].Type = "inline" }, "unknown type"},
		{"subprocess tool without command", func(m *Manifest) {
			m.Tools = append(m.Tools, ToolSpec{Name: "format"})
		}, "requires a command"},
		{"duplicate tool", func(m *Manifest) {
			m.Tools = append(m.Tools, ToolSpec{Name: "analyze", Type: ToolTypeBackgroundRPC, Method: "other"})
		}, "duplicate tool"},
		{"unapproved event", func(m *Manifest) { m.Events = []string{"tool_output_chunk"} }, "not on the approved list"},
		{"agent without name", func(m *Manifest) { m.Agents = []AgentSpec{{SystemPrompt: "p.md"}} }, "agent name is required"},
		{"agent without prompt", func(m *Manifest) { m.Agents = []AgentSpec{{Name: "reviewer"}} }, "requires a system_prompt"},
		{"agent temperature range", func(m *Manifest) {
			m.Agents = []AgentSpec{{Name: "reviewer", SystemPrompt: "p.md", Temperature: &temp}}
		}, "temperature"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := backgroundManifest()
			tc.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestManifest_EventsRequireBackground(t *testing.T) {
	m := &Manifest{
		Name:    "formatter",
		Version: "0.2.0",
		Tools:   []ToolSpec{{Name: "format", Command: "/usr/local/bin/fmt"}},
		Events:  []string{"tool_call_end"},
	}
	if err := m.Validate(); err == nil || !strings.Contains(err.Error(), "require a background block") {
		t.Errorf("err = %v, want events rejected without background", err)
	}
}

func TestManifest_ApprovedEventsAccepted(t *testing.T) {
	m := backgroundManifest()
	m.Events = []string{"tool_call_start", "tool_call_end", "todo_update"}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := len(m.EventKinds()); got != 3 {
		t.Errorf("event kinds = %d", got)
	}
}

func TestManifest_AgentFields(t *testing.T) {
	temp := 0.3
	m := backgroundManifest()
	m.Agents = []AgentSpec{{
		Name:         "reviewer",
		SystemPrompt: "prompts/reviewer.md",
		Model:        "sonnet",
		Temperature:  &temp,
		Tools:        []string{"analyze"},
		VisibleFrom:  []string{"main"},
	}}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestToolSpec_Descriptor(t *testing.T) {
	spec := ToolSpec{
		Name:                 "analyze",
		Type:                 ToolTypeBackgroundRPC,
		Method:               "analyze_code",
		RequiresConfirmation: true,
		Exploratory:          true,
		HiddenFromChat:       true,
		VisibleTo:            []string{"reviewer"},
	}
	desc := spec.Descriptor("analyzer")
	if desc.Plugin != "analyzer" || !desc.RequiresConfirmation || !desc.Exploratory {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.VisibleInChat {
		t.Error("hidden_from_chat must invert to VisibleInChat=false")
	}
	if !desc.VisibleToAgent("reviewer") || desc.VisibleToAgent("main") {
		t.Error("visibility restriction lost in conversion")
	}
}

func TestToolSpec_BackendType(t *testing.T) {
	if got := (ToolSpec{}).BackendType(); got != ToolTypeSubprocess {
		t.Errorf("default backend = %q, want subprocess", got)
	}
	if got := (ToolSpec{Type: ToolTypeBackgroundRPC}).BackendType(); got != ToolTypeBackgroundRPC {
		t.Errorf("backend = %q", got)
	}
}

func TestManifest_ValidateToolArgs(t *testing.T) {
	m := backgroundManifest()
	m.Tools[0].ArgumentSchema = json.RawMessage(`{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string"}}
	}`)

	if err := m.ValidateToolArgs("analyze", map[string]any{"path": "/x"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := m.ValidateToolArgs("analyze", map[string]any{}); err == nil {
		t.Error("missing required property must fail")
	}
	if err := m.ValidateToolArgs("ghost", nil); err == nil {
		t.Error("unknown tool must fail")
	}
}

func TestManifest_CompileSchemas(t *testing.T) {
	m := backgroundManifest()
	m.Tools[0].ArgumentSchema = json.RawMessage(`{"type": "object"`)
	if err := m.CompileSchemas(); err == nil {
		t.Error("malformed schema must fail at compile time")
	}
}

func TestDecodeManifest_RoundTrip(t *testing.T) {
	data := []byte(`{
		"name": "analyzer",
		"version": "1.0.0",
		"activation_mode": "tagged",
		"background": {"command": "/bin/analyzer", "socket_path": "/tmp/a.sock"},
		"tools": [
			{"name": "analyze", "type": "background_rpc", "method": "analyze_code"},
			{"name": "lint", "command": "/bin/lint"}
		],
		"agents": [{"name": "reviewer", "system_prompt": "prompts/reviewer.md"}],
		"events": ["tool_call_end"]
	}`)
	m, err := DecodeManifest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Activation != ActivationTagged || m.Tools[0].Method != "analyze_code" {
		t.Errorf("manifest = %+v", m)
	}
	if m.Tools[1].BackendType() != ToolTypeSubprocess {
		t.Errorf("lint backend = %q", m.Tools[1].BackendType())
	}
	if m.Agents[0].SystemPrompt != "prompts/reviewer.md" {
		t.Errorf("agent = %+v", m.Agents[0])
	}
}
