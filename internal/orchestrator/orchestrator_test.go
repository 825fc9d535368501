package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benhmoore/codeally/internal/tools"
	"github.com/benhmoore/codeally/pkg/models"
)

type fakeAgent struct {
	mu         sync.Mutex
	messages   []models.Message
	registry   *tools.Registry
	tracker    *fakeTracker
	checkpoint string
	maxDur     time.Duration
	turnStart  time.Time
}

func (a *fakeAgent) AddMessage(msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

func (a *fakeAgent) ResetActivity() {}

func (a *fakeAgent) MaxDuration() time.Duration { return a.maxDur }

func (a *fakeAgent) TurnStartTime() time.Time {
	if a.turnStart.IsZero() {
		return time.Now()
	}
	return a.turnStart
}

func (a *fakeAgent) AgentName() string { return "main" }

func (a *fakeAgent) Registry() *tools.Registry { return a.registry }

func (a *fakeAgent) TokenTracker() TokenTracker {
	if a.tracker == nil {
		return nil
	}
	return a.tracker
}

func (a *fakeAgent) CheckpointReminder(context.Context) string { return a.checkpoint }

func (a *fakeAgent) message(i int) models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messages[i]
}

func (a *fakeAgent) messageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

type fakeTracker struct {
	mu   sync.Mutex
	seen map[string]string
}

func (t *fakeTracker) RecordResult(callID, content string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[string]string)
	}
	if prior, ok := t.seen[content]; ok {
		return prior, true
	}
	t.seen[content] = callID
	return "", false
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (s *recordingSink) Emit(e models.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []models.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ActivityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) ofKind(kind models.EventKind) []models.ActivityEvent {
	var out []models.ActivityEvent
	for _, e := range s.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) endsFor(id string) int {
	n := 0
	for _, e := range s.ofKind(models.EventToolCallEnd) {
		if e.ID == id {
			n++
		}
	}
	return n
}

type fakePermissions struct {
	mu        sync.Mutex
	requested []string
	deny      map[string]bool
	delay     time.Duration
}

func (p *fakePermissions) Request(ctx context.Context, call models.ToolCall, _ models.ToolDescriptor) error {
	p.mu.Lock()
	p.requested = append(p.requested, call.Name)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.deny[call.Name] {
		return ErrPermissionDenied
	}
	return nil
}

func (p *fakePermissions) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requested)
}

type fakeForms struct {
	values map[string]any
	cancel bool
}

func (f *fakeForms) Fill(context.Context, models.ToolCall, json.RawMessage) (map[string]any, error) {
	if f.cancel {
		return nil, ErrFormCancelled
	}
	return f.values, nil
}

type fakeTodos struct {
	mu    sync.Mutex
	items []Todo
}

func (t *fakeTodos) find(status string) *Todo {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.items[i].Status == status {
			todo := t.items[i]
			return &todo
		}
	}
	return nil
}

func (t *fakeTodos) InProgress() (*Todo, error)   { return t.find("in_progress"), nil }
func (t *fakeTodos) FirstPending() (*Todo, error) { return t.find("pending"), nil }

func (t *fakeTodos) SetInProgress(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.items[i].ID == id {
			t.items[i].Status = "in_progress"
			return nil
		}
	}
	return errors.New("todo not found")
}

type testTool struct {
	desc        models.ToolDescriptor
	validateErr error
	execFunc    func(ctx context.Context, args map[string]any, callID string) (models.ToolResult, error)

	mu        sync.Mutex
	execCount int
	gotArgs   map[string]any
}

func (t *testTool) Name() string                      { return t.desc.Name }
func (t *testTool) Descriptor() models.ToolDescriptor { return t.desc }

func (t *testTool) Validate(context.Context, map[string]any) error { return t.validateErr }

func (t *testTool) Execute(ctx context.Context, args map[string]any, callID string, _ tools.ExecContext) (models.ToolResult, error) {
	t.mu.Lock()
	t.execCount++
	t.gotArgs = args
	t.mu.Unlock()
	if t.execFunc != nil {
		return t.execFunc(ctx, args, callID)
	}
	return models.ToolResult{ToolCallID: callID, Success: true, Content: t.desc.Name + " ok"}, nil
}

func (t *testTool) executions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execCount
}

func (t *testTool) lastArgs() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gotArgs
}

type fixture struct {
	orch  *Orchestrator
	agent *fakeAgent
	sink  *recordingSink
}

func newFixture(cfg Config, toolset []*testTool, opts ...Option) *fixture {
	registry := tools.NewRegistry()
	for _, tt := range toolset {
		registry.Register(tt)
	}
	agent := &fakeAgent{registry: registry}
	sink := &recordingSink{}
	opts = append([]Option{WithEventSink(sink)}, opts...)
	return &fixture{
		orch:  New(cfg, agent, opts...),
		agent: agent,
		sink:  sink,
	}
}

func call(id, name string, args map[string]any) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestExecute_SingleCallSequential(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read", ConcurrencySafe: true}}
	fx := newFixture(DefaultConfig(), []*testTool{read})

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "read", map[string]any{"path": "/x"}),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}

	var kinds []models.EventKind
	for _, e := range fx.sink.all() {
		kinds = append(kinds, e.Kind)
	}
	want := []models.EventKind{models.EventToolCallStart, models.EventToolExecutionStart, models.EventToolCallEnd}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}

	if fx.agent.messageCount() != 1 {
		t.Fatalf("messages = %d", fx.agent.messageCount())
	}
	msg := fx.agent.message(0)
	if msg.Role != "tool" || msg.ToolCallID != "c1" {
		t.Errorf("message = %+v", msg)
	}
	if !strings.Contains(msg.Content, "read ok") {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestExecute_NoCalls(t *testing.T) {
	fx := newFixture(DefaultConfig(), nil)
	results, err := fx.orch.Execute(context.Background(), nil, nil)
	if err != nil || results != nil {
		t.Errorf("results=%v err=%v", results, err)
	}
}

func TestExecute_ConcurrentGroupOrdering(t *testing.T) {
	slow := &testTool{
		desc: models.ToolDescriptor{Name: "read", ConcurrencySafe: true},
		execFunc: func(ctx context.Context, _ map[string]any, callID string) (models.ToolResult, error) {
			time.Sleep(50 * time.Millisecond)
			return models.ToolResult{ToolCallID: callID, Success: true, Content: "slow"}, nil
		},
	}
	fast := &testTool{
		desc: models.ToolDescriptor{Name: "grep", ConcurrencySafe: true},
		execFunc: func(ctx context.Context, _ map[string]any, callID string) (models.ToolResult, error) {
			return models.ToolResult{ToolCallID: callID, Success: true, Content: "fast"}, nil
		},
	}
	cfg := DefaultConfig()
	cfg.SafeConcurrent = []string{"read", "grep"}
	fx := newFixture(cfg, []*testTool{slow, fast})

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "read", nil),
		call("c2", "grep", nil),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Results come back in input order regardless of completion order.
	if results[0].Content != "slow" || results[1].Content != "fast" {
		t.Errorf("results = %+v", results)
	}

	events := fx.sink.all()
	if events[0].Kind != models.EventToolCallStart || events[0].Payload["group"] != true {
		t.Fatalf("first event = %+v, want group start", events[0])
	}
	groupID := events[0].ID
	if !strings.HasPrefix(groupID, "group-") {
		t.Errorf("group id = %q", groupID)
	}

	// Both member starts precede any execution start.
	if events[1].Kind != models.EventToolCallStart || events[1].ID != "c1" {
		t.Errorf("event[1] = %+v", events[1])
	}
	if events[2].Kind != models.EventToolCallStart || events[2].ID != "c2" {
		t.Errorf("event[2] = %+v", events[2])
	}
	if events[1].ParentID != groupID || events[2].ParentID != groupID {
		t.Error("member starts must be parented to the group")
	}

	ends := fx.sink.ofKind(models.EventToolCallEnd)
	last := ends[len(ends)-1]
	if last.ID != groupID || last.Payload["success"] != true {
		t.Errorf("group end = %+v", last)
	}
}

func TestExecute_UnsafeToolForcesSequential(t *testing.T) {
	var concurrent bool
	var active int32
	var mu sync.Mutex
	track := func(ctx context.Context, _ map[string]any, callID string) (models.ToolResult, error) {
		mu.Lock()
		active++
		if active > 1 {
			concurrent = true
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return models.ToolResult{ToolCallID: callID, Success: true, Content: "done"}, nil
	}
	read := &testTool{desc: models.ToolDescriptor{Name: "read", ConcurrencySafe: true}, execFunc: track}
	write := &testTool{desc: models.ToolDescriptor{Name: "write"}, execFunc: track}

	cfg := DefaultConfig()
	cfg.SafeConcurrent = []string{"read"}
	fx := newFixture(cfg, []*testTool{read, write})

	_, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "read", nil),
		call("c2", "write", nil),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if concurrent {
		t.Error("an unsafe member must force sequential dispatch")
	}
	if len(fx.sink.ofKind(models.EventToolCallStart)) != 2 {
		t.Error("sequential dispatch must not emit a group start")
	}
}

func TestExecute_PermissionDenialAbortsGroup(t *testing.T) {
	gated := &testTool{desc: models.ToolDescriptor{Name: "deploy", RequiresConfirmation: true}}
	// Deliberately ignores cancellation so it is still pending when the
	// denial lands, then settles through the once guard afterwards.
	slow := &testTool{
		desc: models.ToolDescriptor{Name: "read", ConcurrencySafe: true},
		execFunc: func(ctx context.Context, _ map[string]any, callID string) (models.ToolResult, error) {
			time.Sleep(300 * time.Millisecond)
			return models.ToolResult{ToolCallID: callID, Success: true, Content: "late"}, nil
		},
	}

	cfg := DefaultConfig()
	cfg.SafeConcurrent = []string{"deploy", "read"}
	perms := &fakePermissions{deny: map[string]bool{"deploy": true}, delay: 30 * time.Millisecond}
	fx := newFixture(cfg, []*testTool{gated, slow}, WithPermissions(perms))

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "deploy", nil),
		call("c2", "read", nil),
	}, nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denial", err)
	}
	if gated.executions() != 0 {
		t.Error("denied tool must never execute")
	}

	if results[0].Error == nil || results[0].Error.Kind != models.ErrorKindPermissionDenied {
		t.Errorf("denied result = %+v", results[0])
	}
	if results[1].Error == nil || results[1].Error.Message != "Unknown error" {
		t.Errorf("pending member result = %+v", results[1])
	}

	ends := fx.sink.ofKind(models.EventToolCallEnd)
	groupEnd := ends[len(ends)-1]
	if groupEnd.Payload["group"] != true || groupEnd.Payload["success"] != false {
		t.Errorf("group end = %+v", groupEnd)
	}
	if groupEnd.Payload["error"] != "Permission denied" {
		t.Errorf("group end error = %v", groupEnd.Payload["error"])
	}

	// The straggler settles through the same once guard, so no second end
	// event appears for it.
	time.Sleep(400 * time.Millisecond)
	if n := fx.sink.endsFor("c2"); n != 1 {
		t.Errorf("ends for c2 = %d, want exactly 1", n)
	}
	if n := fx.sink.endsFor("c1"); n != 1 {
		t.Errorf("ends for c1 = %d, want exactly 1", n)
	}
}

func TestExecute_BatchUnwrap(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read", ConcurrencySafe: true}}
	grep := &testTool{desc: models.ToolDescriptor{Name: "grep", ConcurrencySafe: true}}
	fx := newFixture(DefaultConfig(), []*testTool{read, grep})

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("b1", "batch", map[string]any{"tools": []any{
			map[string]any{"name": "read", "arguments": map[string]any{"path": "/x"}},
			map[string]any{"name": "grep", "arguments": map[string]any{"pattern": "foo"}},
		}}),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ToolCallID != "b1-unwrapped-0" || results[1].ToolCallID != "b1-unwrapped-1" {
		t.Errorf("ids = %q, %q", results[0].ToolCallID, results[1].ToolCallID)
	}
	if read.executions() != 1 || grep.executions() != 1 {
		t.Error("both members must execute")
	}
}

func TestExecute_MalformedBatchPassesThrough(t *testing.T) {
	fx := newFixture(DefaultConfig(), nil)

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("b1", "batch", map[string]any{"tools": "not a list"}),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// No batch tool is registered here, so the untouched wrapper surfaces
	// the registry's own failure.
	if len(results) != 1 || results[0].ToolCallID != "b1" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Error == nil || !strings.Contains(results[0].Error.Message, "tool not found") {
		t.Errorf("result = %+v", results[0])
	}
}

func TestExecute_BatchEntryWithoutArgumentsPassesThrough(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read", ConcurrencySafe: true}}
	fx := newFixture(DefaultConfig(), []*testTool{read})

	// An entry missing the arguments object invalidates the whole batch; the
	// wrapper must reach the registry untouched.
	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("b1", "batch", map[string]any{"tools": []any{
			map[string]any{"name": "read"},
		}}),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].ToolCallID != "b1" {
		t.Fatalf("results = %+v", results)
	}
	if read.executions() != 0 {
		t.Error("member must not execute when the batch is invalid")
	}
	if results[0].Error == nil || !strings.Contains(results[0].Error.Message, "tool not found") {
		t.Errorf("result = %+v", results[0])
	}
}

func TestExecute_OversizedBatchPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	fx := newFixture(cfg, nil)

	entries := []any{
		map[string]any{"name": "read"},
		map[string]any{"name": "read"},
		map[string]any{"name": "read"},
	}
	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("b1", "batch", map[string]any{"tools": entries}),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].ToolCallID != "b1" {
		t.Errorf("oversized batch must not unwrap: %+v", results)
	}
}

func TestExecute_ErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		execErr  error
		wantKind models.ErrorKind
	}{
		{"cancellation", context.Canceled, models.ErrorKindInterrupted},
		{"deadline", context.DeadlineExceeded, models.ErrorKindInterrupted},
		{"traversal", tools.ErrPathTraversal, models.ErrorKindPermissionDenied},
		{"generic", errors.New("disk on fire"), models.ErrorKindSystemError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			failing := &testTool{
				desc: models.ToolDescriptor{Name: "read"},
				execFunc: func(context.Context, map[string]any, string) (models.ToolResult, error) {
					return models.ToolResult{}, tc.execErr
				},
			}
			fx := newFixture(DefaultConfig(), []*testTool{failing})

			results, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "read", nil)}, nil)
			if err != nil {
				t.Fatalf("execution faults must settle as results: %v", err)
			}
			if results[0].Error == nil || results[0].Error.Kind != tc.wantKind {
				t.Errorf("result = %+v, want kind %s", results[0], tc.wantKind)
			}
		})
	}
}

func TestExecute_ValidationFailureSkipsPermission(t *testing.T) {
	gated := &testTool{
		desc:        models.ToolDescriptor{Name: "deploy", RequiresConfirmation: true},
		validateErr: errors.New("missing target"),
	}
	perms := &fakePermissions{}
	fx := newFixture(DefaultConfig(), []*testTool{gated}, WithPermissions(perms))

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "deploy", nil)}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Error == nil || results[0].Error.Kind != models.ErrorKindValidationError {
		t.Fatalf("result = %+v, want validation_error", results[0])
	}
	if perms.requestCount() != 0 {
		t.Error("validation failure must settle before the permission prompt")
	}
	if gated.executions() != 0 {
		t.Error("invalid call must not execute")
	}
}

func TestExecute_FormFillMergesValues(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}}}`)
	survey := &testTool{desc: models.ToolDescriptor{Name: "survey", FormSchema: schema}}
	fx := newFixture(DefaultConfig(), []*testTool{survey},
		WithForms(&fakeForms{values: map[string]any{"reason": "testing"}}))

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "survey", map[string]any{"q": "x"}),
	}, nil)
	if err != nil || !results[0].Success {
		t.Fatalf("results=%+v err=%v", results, err)
	}

	args := survey.lastArgs()
	if args["q"] != "x" || args["reason"] != "testing" {
		t.Errorf("merged args = %v", args)
	}
	if len(fx.sink.ofKind(models.EventToolFormRequest)) != 1 {
		t.Error("missing form request event")
	}
	if len(fx.sink.ofKind(models.EventToolFormResponse)) != 1 {
		t.Error("missing form response event")
	}
}

func TestExecute_FormCancellation(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	survey := &testTool{desc: models.ToolDescriptor{Name: "survey", FormSchema: schema}}
	fx := newFixture(DefaultConfig(), []*testTool{survey}, WithForms(&fakeForms{cancel: true}))

	results, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "survey", nil)}, nil)
	if err != nil {
		t.Fatalf("cancellation settles the call, not the turn: %v", err)
	}
	if results[0].Error == nil || results[0].Error.Kind != models.ErrorKindFormCancelled {
		t.Fatalf("result = %+v, want form_cancelled", results[0])
	}
	if survey.executions() != 0 {
		t.Error("cancelled form must not execute the tool")
	}
	if len(fx.sink.ofKind(models.EventToolFormCancel)) != 1 {
		t.Error("missing form cancel event")
	}
}

func TestExecute_CheckpointReminderOncePerTurn(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read"}}
	fx := newFixture(DefaultConfig(), []*testTool{read})
	fx.agent.checkpoint = "Consider committing your progress."

	_, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "read", nil),
		call("c2", "read", nil),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !strings.Contains(fx.agent.message(0).Content, "Consider committing") {
		t.Error("first result must carry the checkpoint reminder")
	}
	if strings.Contains(fx.agent.message(1).Content, "Consider committing") {
		t.Error("checkpoint reminder must appear once per turn")
	}

	// A fresh turn gets a fresh checkpoint.
	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c3", "read", nil)}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(fx.agent.message(2).Content, "Consider committing") {
		t.Error("next turn's first result must carry the reminder again")
	}
}

func TestExecute_ExploratoryStreak(t *testing.T) {
	grep := &testTool{desc: models.ToolDescriptor{Name: "grep", Exploratory: true}}
	write := &testTool{desc: models.ToolDescriptor{Name: "write"}}
	fx := newFixture(DefaultConfig(), []*testTool{grep, write})

	wants := []string{"", "", "Consider acting", "Consider acting", "Stop exploring"}
	for i, want := range wants {
		if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c", "grep", nil)}, nil); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		content := fx.agent.message(i).Content
		if want == "" {
			if strings.Contains(content, "exploratory tool calls") {
				t.Errorf("call %d: unexpected streak reminder in %q", i+1, content)
			}
			continue
		}
		if !strings.Contains(content, want) {
			t.Errorf("call %d: content %q, want substring %q", i+1, content, want)
		}
	}

	// A non-exploratory call resets the counter.
	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c", "write", nil)}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c", "grep", nil)}, nil); err != nil {
		t.Fatal(err)
	}
	if got := fx.agent.message(6).Content; strings.Contains(got, "exploratory tool calls") {
		t.Errorf("streak must reset after a non-exploratory call: %q", got)
	}
}

func TestExecute_DedupReplacesRepeatPayload(t *testing.T) {
	read := &testTool{
		desc: models.ToolDescriptor{Name: "read"},
		execFunc: func(_ context.Context, _ map[string]any, callID string) (models.ToolResult, error) {
			return models.ToolResult{ToolCallID: callID, Success: true, Content: "same bytes"}, nil
		},
	}
	fx := newFixture(DefaultConfig(), []*testTool{read})
	fx.agent.tracker = &fakeTracker{}

	_, err := fx.orch.Execute(context.Background(), []models.ToolCall{
		call("c1", "read", nil),
		call("c2", "read", nil),
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !strings.Contains(fx.agent.message(0).Content, "same bytes") {
		t.Error("first occurrence keeps its payload")
	}
	second := fx.agent.message(1).Content
	if strings.Contains(second, "same bytes") {
		t.Errorf("duplicate payload must be replaced: %q", second)
	}
	if !strings.Contains(second, "c1") {
		t.Errorf("dedup notice must reference the prior call: %q", second)
	}
}

func TestExecute_TimeReminderInjected(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read"}}
	fx := newFixture(DefaultConfig(), []*testTool{read})
	fx.agent.maxDur = 10 * time.Minute
	fx.agent.turnStart = time.Now().Add(-6 * time.Minute)

	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "read", nil)}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(fx.agent.message(0).Content, "Over half") {
		t.Errorf("content = %q, want time reminder", fx.agent.message(0).Content)
	}
}

func TestExecute_CycleWarnings(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read"}}
	fx := newFixture(DefaultConfig(), []*testTool{read})

	cycles := map[string]CycleInfo{
		"c1":             {Warning: "You have read this file three times."},
		GlobalPatternKey: {Warning: "You appear to be looping."},
	}
	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "read", nil)}, cycles); err != nil {
		t.Fatalf("execute: %v", err)
	}

	content := fx.agent.message(0).Content
	perCall := strings.Index(content, "read this file three times")
	global := strings.Index(content, "appear to be looping")
	if perCall < 0 || global < 0 {
		t.Fatalf("content = %q, want both warnings", content)
	}
	if perCall > global {
		t.Error("per-call warning must precede the global pattern warning")
	}
}

func TestExecute_TodoPromotionAndFocus(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read"}}
	todos := &fakeTodos{items: []Todo{{ID: "t1", Title: "Write docs", Status: "pending"}}}
	fx := newFixture(DefaultConfig(), []*testTool{read}, WithTodos(todos))

	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "read", nil)}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := todos.find("in_progress"); got == nil || got.ID != "t1" {
		t.Fatal("first pending todo must be promoted")
	}
	if !strings.Contains(fx.agent.message(0).Content, "You are currently working on: Write docs") {
		t.Errorf("content = %q, want focus reminder", fx.agent.message(0).Content)
	}
}

func TestExecute_TodoToolsExemptFromPromotion(t *testing.T) {
	todoWrite := &testTool{desc: models.ToolDescriptor{Name: "todo_write"}}
	todos := &fakeTodos{items: []Todo{{ID: "t1", Title: "Write docs", Status: "pending"}}}
	fx := newFixture(DefaultConfig(), []*testTool{todoWrite}, WithTodos(todos))

	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "todo_write", nil)}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if todos.find("in_progress") != nil {
		t.Error("todo tools must not trigger auto-promotion")
	}
}

func TestExecute_NestedAgentSkipsFocusReminder(t *testing.T) {
	read := &testTool{desc: models.ToolDescriptor{Name: "read"}}
	todos := &fakeTodos{items: []Todo{{ID: "t1", Title: "Write docs", Status: "in_progress"}}}
	fx := newFixture(DefaultConfig(), []*testTool{read}, WithTodos(todos), WithParentCallID("parent-1"))

	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "read", nil)}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(fx.agent.message(0).Content, "currently working on") {
		t.Error("nested agents must not receive focus reminders")
	}
	if got := fx.sink.all()[0].ParentID; got != "parent-1" {
		t.Errorf("event parent = %q, want the nested call id", got)
	}
}

func TestExecute_WarningSurvivesTruncation(t *testing.T) {
	read := &testTool{
		desc: models.ToolDescriptor{Name: "read"},
		execFunc: func(_ context.Context, _ map[string]any, callID string) (models.ToolResult, error) {
			return models.ToolResult{
				ToolCallID: callID,
				Success:    true,
				Content:    strings.Repeat("x", 100),
				Warning:    "Output truncated at 10 bytes.",
			}, nil
		},
	}
	fx := newFixture(DefaultConfig(), []*testTool{read}, WithResultManager(truncateTo(10)))

	if _, err := fx.orch.Execute(context.Background(), []models.ToolCall{call("c1", "read", nil)}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	content := fx.agent.message(0).Content
	if !strings.Contains(content, "Output truncated at 10 bytes.") {
		t.Errorf("content = %q, warning must survive truncation", content)
	}
	if strings.Contains(content, strings.Repeat("x", 100)) {
		t.Error("payload must be truncated")
	}
}

type truncateTo int

func (n truncateTo) Truncate(content, _ string) string {
	if len(content) <= int(n) {
		return content
	}
	return content[:int(n)]
}
