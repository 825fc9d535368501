// Package orchestrator dispatches one turn of model-issued tool calls:
// concurrency policy, permission gating, lifecycle events, result
// post-processing, and reminder injection.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/benhmoore/codeally/internal/events"
	"github.com/benhmoore/codeally/internal/tools"
	"github.com/benhmoore/codeally/pkg/models"
)

// Control-flow sentinels for the permission and form collaborators.
var (
	// ErrPermissionDenied aborts the enclosing group when returned from the
	// permission collaborator.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrFormCancelled marks a user-cancelled interactive form.
	ErrFormCancelled = errors.New("form cancelled")
)

// GlobalPatternKey is the cycles-map key carrying the turn-wide pattern
// reminder, as opposed to per-call cycle warnings.
const GlobalPatternKey = "global-pattern-detection"

// CycleInfo is a repetition warning detected upstream for one call id.
type CycleInfo struct {
	Warning string
}

// AgentSurface is the narrow capability record the agent provides. The
// orchestrator is constructed after the agent and holds no backward handle
// into it beyond these operations. The turn abort signal is the context
// passed to Execute.
type AgentSurface interface {
	// AddMessage appends a tool-result message to the conversation.
	AddMessage(msg models.Message)

	// ResetActivity clears transient per-turn UI activity state.
	ResetActivity()

	// MaxDuration returns the turn time budget, zero when unbounded.
	MaxDuration() time.Duration

	// TurnStartTime returns when the current turn began.
	TurnStartTime() time.Time

	// AgentName identifies the executing agent for visibility checks.
	AgentName() string

	// Registry returns the scoped tool registry for this agent.
	Registry() *tools.Registry

	// TokenTracker returns the dedup collaborator for this turn.
	TokenTracker() TokenTracker

	// CheckpointReminder produces the once-per-turn checkpoint reminder,
	// empty when none applies.
	CheckpointReminder(ctx context.Context) string
}

// TokenTracker records result payloads and reports duplicates within the
// turn. Cross-turn dedup policy belongs to the implementation.
type TokenTracker interface {
	RecordResult(callID, content string) (priorCallID string, duplicate bool)
}

// Permissions resolves confirmation prompts. A denial is reported as
// ErrPermissionDenied (possibly wrapped).
type Permissions interface {
	Request(ctx context.Context, call models.ToolCall, desc models.ToolDescriptor) error
}

// Forms collects interactive form input for tools carrying a static form
// schema. User cancellation is reported as ErrFormCancelled.
type Forms interface {
	Fill(ctx context.Context, call models.ToolCall, schema json.RawMessage) (map[string]any, error)
}

// ResultManager applies context-aware truncation to formatted results.
type ResultManager interface {
	Truncate(content, toolName string) string
}

// Todo is the minimal view of a todo item the orchestrator needs.
type Todo struct {
	ID     string
	Title  string
	Status string
}

// Todos is the todo-manager collaborator used for auto-promotion and the
// focus reminder.
type Todos interface {
	InProgress() (*Todo, error)
	FirstPending() (*Todo, error)
	SetInProgress(id string) error
}

// EventSink receives every lifecycle event for UI consumption.
type EventSink interface {
	Emit(event models.ActivityEvent)
}

// Config is the turn configuration.
type Config struct {
	// ParallelTools enables the concurrent dispatch path.
	ParallelTools bool

	// SafeConcurrent lists tool names eligible for concurrent dispatch:
	// read-only tools plus context-isolated agent delegation.
	SafeConcurrent []string

	// MaxBatchSize bounds the entries of one batch wrapper.
	MaxBatchSize int

	// ExploratoryGentle and ExploratoryStern are the streak thresholds.
	ExploratoryGentle int
	ExploratoryStern  int

	// TodoToolNames are the todo-management tools exempt from
	// auto-promotion.
	TodoToolNames []string

	// Specialized marks a special-purpose agent whose exploratory calls do
	// not feed the streak counter.
	Specialized bool
}

// DefaultConfig returns the stock turn configuration.
func DefaultConfig() Config {
	return Config{
		ParallelTools:     true,
		MaxBatchSize:      10,
		ExploratoryGentle: 3,
		ExploratoryStern:  5,
		TodoToolNames:     []string{"todo_write", "todo_read"},
	}
}

// Orchestrator executes one turn at a time. It must not be shared across
// concurrent turns: the streak counter, display-flag cache, and parent call
// id are single-turn state.
type Orchestrator struct {
	config Config
	agent  AgentSurface

	permissions   Permissions
	forms         Forms
	resultManager ResultManager
	todos         Todos
	sink          EventSink
	bus           *events.Bus
	logger        *slog.Logger

	// parentCallID is non-empty when this orchestrator belongs to a nested
	// agent call; it parents all group and call events.
	parentCallID string

	safeConcurrent map[string]struct{}
	todoTools      map[string]struct{}

	// Per-turn state.
	exploratoryStreak int
	checkpointDone    bool
	displayFlags      map[string]models.ToolDescriptor
	cycles            map[string]CycleInfo
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPermissions sets the permission collaborator.
func WithPermissions(p Permissions) Option { return func(o *Orchestrator) { o.permissions = p } }

// WithForms sets the interactive-form collaborator.
func WithForms(f Forms) Option { return func(o *Orchestrator) { o.forms = f } }

// WithResultManager sets the truncation collaborator.
func WithResultManager(rm ResultManager) Option {
	return func(o *Orchestrator) { o.resultManager = rm }
}

// WithTodos sets the todo-manager collaborator.
func WithTodos(t Todos) Option { return func(o *Orchestrator) { o.todos = t } }

// WithEventSink sets the UI event sink.
func WithEventSink(s EventSink) Option { return func(o *Orchestrator) { o.sink = s } }

// WithEventBus wires the plugin event bus for approved events.
func WithEventBus(b *events.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithParentCallID marks this orchestrator as belonging to a nested agent
// call.
func WithParentCallID(id string) Option { return func(o *Orchestrator) { o.parentCallID = id } }

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// New creates an orchestrator bound to one agent.
func New(cfg Config, agent AgentSurface, opts ...Option) *Orchestrator {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	o := &Orchestrator{
		config:         cfg,
		agent:          agent,
		logger:         slog.Default().With("component", "orchestrator"),
		safeConcurrent: make(map[string]struct{}, len(cfg.SafeConcurrent)),
		todoTools:      make(map[string]struct{}, len(cfg.TodoToolNames)),
	}
	for _, name := range cfg.SafeConcurrent {
		o.safeConcurrent[name] = struct{}{}
	}
	for _, name := range cfg.TodoToolNames {
		o.todoTools[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) registry() *tools.Registry {
	return o.agent.Registry()
}

// descriptor returns the per-turn cached descriptor for a tool, avoiding
// repeated registry lookups during event emission.
func (o *Orchestrator) descriptor(name string) models.ToolDescriptor {
	if desc, ok := o.displayFlags[name]; ok {
		return desc
	}
	desc, ok := o.registry().Descriptor(name)
	if !ok {
		desc = models.ToolDescriptor{Name: name}
	}
	if o.displayFlags != nil {
		o.displayFlags[name] = desc
	}
	return desc
}
