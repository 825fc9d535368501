package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benhmoore/codeally/internal/daemon"
	"github.com/benhmoore/codeally/internal/events"
	"github.com/benhmoore/codeally/internal/rpc"
	"github.com/benhmoore/codeally/internal/tools"
	"github.com/benhmoore/codeally/pkg/models"
	"github.com/benhmoore/codeally/pkg/pluginsdk"
)

// Loader turns discovered manifests into registered tools, daemon configs,
// and event subscriptions.
type Loader struct {
	registry   *tools.Registry
	runner     tools.Runner
	client     *rpc.Client
	bus        *events.Bus
	logger     *slog.Logger
	rpcTimeout time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRunner wires the daemon manager used for liveness checks.
func WithRunner(r tools.Runner) LoaderOption { return func(l *Loader) { l.runner = r } }

// WithRPCClient sets the shared RPC client for daemon tools.
func WithRPCClient(c *rpc.Client) LoaderOption { return func(l *Loader) { l.client = c } }

// WithEventBus wires plugin event subscriptions.
func WithEventBus(b *events.Bus) LoaderOption { return func(l *Loader) { l.bus = b } }

// WithRPCTimeout sets the default per-call timeout for daemon tools without
// their own.
func WithRPCTimeout(d time.Duration) LoaderOption { return func(l *Loader) { l.rpcTimeout = d } }

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger.With("component", "plugin-loader")
		}
	}
}

// NewLoader creates a loader registering into the given registry.
func NewLoader(registry *tools.Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:   registry,
		client:     rpc.NewClient(),
		logger:     slog.Default().With("component", "plugin-loader"),
		rpcTimeout: rpc.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadedPlugin records what one manifest contributed.
type LoadedPlugin struct {
	Manifest  *pluginsdk.Manifest
	Path      string
	ToolNames []string
}

// LoadResult is everything Load wired up: the plugins, and the daemon
// configs the caller hands to the process manager.
type LoadResult struct {
	Plugins []LoadedPlugin
	Daemons []daemon.Config
}

// Load discovers manifests under paths and registers their tools. Daemons
// are not started here; the returned configs go to the daemon manager.
func (l *Loader) Load(paths []string) (*LoadResult, error) {
	manifests, err := DiscoverManifests(paths)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &LoadResult{}
	for _, name := range names {
		info := manifests[name]
		loaded, daemonCfg, err := l.loadOne(info)
		if err != nil {
			return nil, err
		}
		result.Plugins = append(result.Plugins, loaded)
		if daemonCfg != nil {
			result.Daemons = append(result.Daemons, *daemonCfg)
		}
	}
	return result, nil
}

func (l *Loader) loadOne(info ManifestInfo) (LoadedPlugin, *daemon.Config, error) {
	m := info.Manifest
	if err := m.CompileSchemas(); err != nil {
		return LoadedPlugin{}, nil, err
	}

	loaded := LoadedPlugin{Manifest: m, Path: info.Path}
	for _, spec := range m.Tools {
		tool, err := l.buildTool(m, spec)
		if err != nil {
			return LoadedPlugin{}, nil, err
		}
		l.registry.Register(tool)
		loaded.ToolNames = append(loaded.ToolNames, spec.Name)
	}

	var daemonCfg *daemon.Config
	if m.BackgroundEnabled() {
		cfg := daemonConfig(m)
		daemonCfg = &cfg

		if l.bus != nil && len(m.Events) > 0 {
			if err := l.bus.Subscribe(m.Name, m.Background.SocketPath, m.EventKinds()); err != nil {
				return LoadedPlugin{}, nil, fmt.Errorf("subscribe plugin %s: %w", m.Name, err)
			}
		}
	}

	l.logger.Info("plugin loaded",
		"plugin", m.Name,
		"version", m.Version,
		"activation", string(m.EffectiveActivation()),
		"tools", len(loaded.ToolNames))
	return loaded, daemonCfg, nil
}

func (l *Loader) buildTool(m *pluginsdk.Manifest, spec pluginsdk.ToolSpec) (tools.Tool, error) {
	desc := spec.Descriptor(m.Name)
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second

	var inner tools.Tool
	switch spec.BackendType() {
	case pluginsdk.ToolTypeBackgroundRPC:
		if timeout <= 0 {
			timeout = l.rpcTimeout
		}
		inner = tools.NewDaemonTool(desc, m.Background.SocketPath, spec.Method, l.runner, l.client, timeout)
	case pluginsdk.ToolTypeSubprocess:
		inner = tools.NewSubprocessTool(desc, spec.Command, spec.Args, timeout)
	default:
		return nil, fmt.Errorf("plugin %s: tool %s has unknown type %q", m.Name, spec.Name, spec.Type)
	}

	if len(spec.ArgumentSchema) == 0 {
		return inner, nil
	}
	return &schemaTool{Tool: inner, manifest: m}, nil
}

// Unload removes a plugin's tools and event subscription. Running daemons
// are the manager's business, not the loader's.
func (l *Loader) Unload(plugin LoadedPlugin) {
	for _, name := range plugin.ToolNames {
		l.registry.Unregister(name)
	}
	if l.bus != nil {
		l.bus.Unsubscribe(plugin.Manifest.Name)
	}
	l.logger.Info("plugin unloaded", "plugin", plugin.Manifest.Name)
}

// daemonConfig maps the manifest background block onto the process manager
// config, leaving zero fields for the manager's defaults.
func daemonConfig(m *pluginsdk.Manifest) daemon.Config {
	bg := m.Background
	return daemon.Config{
		Name:           m.Name,
		Command:        bg.Command,
		Args:           bg.Args,
		Env:            bg.Env,
		SocketPath:     bg.SocketPath,
		StartupTimeout: time.Duration(bg.StartupTimeoutSeconds) * time.Second,
		ShutdownGrace:  time.Duration(bg.ShutdownGraceSeconds) * time.Second,
		HealthInterval: time.Duration(bg.HealthIntervalSeconds) * time.Second,
	}
}

// schemaTool validates arguments against the manifest schema before
// delegating. Validation failures settle as validation_error results.
type schemaTool struct {
	tools.Tool
	manifest *pluginsdk.Manifest
}

func (t *schemaTool) Validate(_ context.Context, args map[string]any) error {
	return t.manifest.ValidateToolArgs(t.Name(), args)
}

func (t *schemaTool) Execute(ctx context.Context, args map[string]any, callID string, execCtx tools.ExecContext) (models.ToolResult, error) {
	if err := t.Validate(ctx, args); err != nil {
		call := models.ToolCall{ID: callID, Name: t.Name(), Arguments: args}
		return models.NewErrorResult(call, models.ErrorKindValidationError, err.Error()), nil
	}
	return t.Tool.Execute(ctx, args, callID, execCtx)
}
