// Package daemon manages the lifecycle of long-lived plugin processes that
// expose tools over Unix-domain sockets: spawn, readiness, health monitoring,
// restart on failure, and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benhmoore/codeally/internal/backoff"
	"github.com/benhmoore/codeally/internal/observability"
	"github.com/benhmoore/codeally/internal/rpc"
)

// State is the lifecycle state of one managed daemon.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// terminal reports whether a new start may replace a record in this state.
func (s State) terminal() bool {
	return s == StateStopped || s == StateError
}

// Config describes one plugin daemon.
type Config struct {
	// Name is the plugin name; at most one non-terminal record may exist
	// per name.
	Name string

	Command string
	Args    []string
	Env     map[string]string

	// SocketPath is where the daemon must listen. The manager writes a PID
	// file next to it.
	SocketPath string

	StartupTimeout     time.Duration
	ShutdownGrace      time.Duration
	HealthInterval     time.Duration
	HealthTimeout      time.Duration
	MaxHealthFailures  int
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// Defaults applied when config fields are zero.
const (
	DefaultStartupTimeout     = 10 * time.Second
	DefaultShutdownGrace      = 5 * time.Second
	DefaultHealthInterval     = 30 * time.Second
	DefaultHealthTimeout      = 5 * time.Second
	DefaultMaxHealthFailures  = 3
	DefaultMaxRestartAttempts = 3
	DefaultRestartDelay       = time.Second

	readinessPollInterval = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = DefaultMaxHealthFailures
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	return c
}

// Info is a defensive copy of a daemon record. It never exposes the OS
// process handle.
type Info struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	PID             int       `json:"pid,omitempty"`
	SocketPath      string    `json:"socket_path"`
	HealthFailures  int       `json:"health_failures"`
	RestartAttempts int       `json:"restart_attempts"`
	LastTransition  time.Time `json:"last_transition"`
	LastError       string    `json:"last_error,omitempty"`
}

type record struct {
	config Config
	state  State

	cmd *exec.Cmd
	pid int

	healthFailures  int
	restartAttempts int
	lastTransition  time.Time
	lastError       string

	// exited is closed by the monitor goroutine once the child reaps.
	exited chan struct{}

	// healthCancel stops the health loop for the current incarnation.
	healthCancel context.CancelFunc
}

// Manager supervises a keyed set of plugin daemons.
type Manager struct {
	mu           sync.RWMutex
	records      map[string]*record
	shuttingDown bool

	client  *rpc.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	wg sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "daemon")
		}
	}
}

// WithMetrics wires daemon lifecycle metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRPCClient overrides the client used for health probes.
func WithRPCClient(client *rpc.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// NewManager creates a daemon manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		records: make(map[string]*record),
		client:  rpc.NewClient(),
		logger:  slog.Default().With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start spawns the daemon and waits for its socket to accept connections.
// It rejects duplicate starts while a record for the same name is in a
// non-terminal state, and rejects all starts after StopAll.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return fmt.Errorf("daemon config requires a name")
	}
	if cfg.Command == "" {
		return fmt.Errorf("daemon %q requires a command", cfg.Name)
	}
	if cfg.SocketPath == "" {
		return fmt.Errorf("daemon %q requires a socket path", cfg.Name)
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return fmt.Errorf("daemon manager is shutting down, refusing to start %q", cfg.Name)
	}
	if existing, ok := m.records[cfg.Name]; ok && !existing.state.terminal() {
		m.mu.Unlock()
		return fmt.Errorf("daemon %q already exists in state %s", cfg.Name, existing.state)
	}
	rec := &record{config: cfg, state: StateStarting, lastTransition: time.Now()}
	m.records[cfg.Name] = rec
	m.mu.Unlock()

	m.logger.Info("starting daemon", "plugin", cfg.Name, "command", cfg.Command)
	return m.spawnAndAwaitReady(ctx, cfg.Name)
}

// spawnAndAwaitReady launches the child for the named record and polls its
// socket. Used by both Start and the restart path.
func (m *Manager) spawnAndAwaitReady(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("daemon %q has no record", name)
	}
	cfg := rec.config
	m.mu.Unlock()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		m.transition(name, StateError, fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("spawn daemon %q: %w", name, err)
	}

	exited := make(chan struct{})
	m.mu.Lock()
	rec.cmd = cmd
	rec.pid = cmd.Process.Pid
	rec.exited = exited
	m.mu.Unlock()

	if err := writePIDFile(cfg.SocketPath, cmd.Process.Pid); err != nil {
		m.logger.Warn("failed to write pid file", "plugin", name, "error", err)
	}

	m.wg.Add(1)
	go m.monitor(name, cmd, exited)

	if err := m.awaitReady(ctx, cfg); err != nil {
		_ = cmd.Process.Kill()
		removePIDFile(cfg.SocketPath)
		m.transition(name, StateError, err.Error())
		return fmt.Errorf("daemon %q: %w", name, err)
	}

	m.mu.Lock()
	rec.state = StateRunning
	rec.healthFailures = 0
	rec.lastTransition = time.Now()
	rec.lastError = ""
	healthCtx, cancel := context.WithCancel(context.Background())
	rec.healthCancel = cancel
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DaemonsRunning.Inc()
	}

	m.wg.Add(1)
	go m.healthLoop(healthCtx, name)

	m.logger.Info("daemon ready", "plugin", name, "pid", cmd.Process.Pid, "socket", cfg.SocketPath)
	return nil
}

// awaitReady polls until the socket file exists and accepts a connection.
func (m *Manager) awaitReady(ctx context.Context, cfg Config) error {
	deadline := time.Now().Add(cfg.StartupTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			conn, err := net.DialTimeout("unix", cfg.SocketPath, readinessPollInterval)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not ready within %v (socket %s)", cfg.StartupTimeout, cfg.SocketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// monitor reaps the child and schedules a restart on unexpected exit.
func (m *Manager) monitor(name string, cmd *exec.Cmd, exited chan struct{}) {
	defer m.wg.Done()
	err := cmd.Wait()
	close(exited)

	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok || rec.cmd != cmd {
		m.mu.Unlock()
		return
	}
	unexpected := rec.state == StateRunning && !m.shuttingDown
	if unexpected {
		if rec.healthCancel != nil {
			rec.healthCancel()
			rec.healthCancel = nil
		}
		if m.metrics != nil {
			m.metrics.DaemonsRunning.Dec()
		}
	}
	m.mu.Unlock()

	if !unexpected {
		return
	}

	m.logger.Warn("daemon exited unexpectedly", "plugin", name, "error", err)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.restart(name)
	}()
}

// healthLoop probes the daemon socket every HealthInterval. Consecutive
// failures beyond MaxHealthFailures trigger a restart.
func (m *Manager) healthLoop(ctx context.Context, name string) {
	defer m.wg.Done()

	m.mu.RLock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.RUnlock()
		return
	}
	cfg := rec.config
	m.mu.RUnlock()

	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := m.client.Ping(cfg.SocketPath, cfg.HealthTimeout)

		m.mu.Lock()
		rec, ok := m.records[name]
		if !ok || rec.state != StateRunning {
			m.mu.Unlock()
			return
		}
		if err == nil {
			rec.healthFailures = 0
			// A daemon that stays healthy for a full interval earns a
			// fresh restart budget.
			rec.restartAttempts = 0
			m.mu.Unlock()
			continue
		}
		rec.healthFailures++
		failures := rec.healthFailures
		unhealthy := failures >= cfg.MaxHealthFailures
		if unhealthy {
			if rec.healthCancel != nil {
				rec.healthCancel()
				rec.healthCancel = nil
			}
			// Leave Running before killing the child so the exit monitor
			// does not schedule a second restart.
			rec.state = StateStarting
			rec.lastTransition = time.Now()
		}
		m.mu.Unlock()

		m.logger.Warn("daemon health check failed",
			"plugin", name,
			"failures", failures,
			"error", err)

		if unhealthy {
			m.logger.Error("daemon unhealthy, restarting", "plugin", name)
			if m.metrics != nil {
				m.metrics.DaemonsRunning.Dec()
			}
			m.killCurrent(name)
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.restart(name)
			}()
			return
		}
	}
}

// restart attempts to bring a failed daemon back up, bounded by
// MaxRestartAttempts. The record sticks in Error once the budget is spent.
func (m *Manager) restart(name string) {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok || m.shuttingDown || rec.state == StateStopping || rec.state == StateStopped {
		m.mu.Unlock()
		return
	}
	rec.restartAttempts++
	attempt := rec.restartAttempts
	cfg := rec.config
	if attempt > cfg.MaxRestartAttempts {
		rec.state = StateError
		rec.lastError = fmt.Sprintf("restart attempts exhausted (%d)", cfg.MaxRestartAttempts)
		rec.lastTransition = time.Now()
		m.mu.Unlock()
		m.logger.Error("daemon restart budget exhausted", "plugin", name, "attempts", cfg.MaxRestartAttempts)
		return
	}
	rec.state = StateStarting
	rec.lastTransition = time.Now()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DaemonRestarts.WithLabelValues(name).Inc()
	}
	m.logger.Info("restarting daemon", "plugin", name, "attempt", attempt)

	// Delay grows exponentially from RestartDelay so a crash-looping daemon
	// does not spin through its budget instantly.
	time.Sleep(backoff.DefaultPolicy(cfg.RestartDelay).Delay(attempt))

	m.mu.RLock()
	aborted := m.shuttingDown
	m.mu.RUnlock()
	if aborted {
		return
	}

	if err := m.spawnAndAwaitReady(context.Background(), name); err != nil {
		m.logger.Error("daemon restart failed", "plugin", name, "attempt", attempt, "error", err)
		m.restart(name)
	}
}

// Stop gracefully terminates a daemon: SIGTERM, grace period, then SIGKILL.
// Stopping an already-stopped daemon is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if rec.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	wasRunning := rec.state == StateRunning
	rec.state = StateStopping
	rec.lastTransition = time.Now()
	if rec.healthCancel != nil {
		rec.healthCancel()
		rec.healthCancel = nil
	}
	cmd := rec.cmd
	exited := rec.exited
	cfg := rec.config
	m.mu.Unlock()

	if wasRunning && m.metrics != nil {
		m.metrics.DaemonsRunning.Dec()
	}

	if cmd != nil && cmd.Process != nil && !processExited(exited) {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug("SIGTERM failed", "plugin", name, "error", err)
		}

		select {
		case <-exited:
		case <-time.After(cfg.ShutdownGrace):
			m.logger.Warn("daemon did not exit within grace period, killing", "plugin", name)
			if err := cmd.Process.Kill(); err != nil && !processExited(exited) {
				m.transition(name, StateError, fmt.Sprintf("force kill failed: %v", err))
				return fmt.Errorf("force kill daemon %q: %w", name, err)
			}
			select {
			case <-exited:
			case <-ctx.Done():
				m.transition(name, StateError, "kill wait cancelled")
				return ctx.Err()
			}
		case <-ctx.Done():
			m.transition(name, StateError, "shutdown cancelled")
			return ctx.Err()
		}
	}

	removePIDFile(cfg.SocketPath)
	_ = os.Remove(cfg.SocketPath)

	m.transition(name, StateStopped, "")
	m.logger.Info("daemon stopped", "plugin", name)
	return nil
}

// StopAll stops every daemon in parallel, ignoring per-daemon failures, and
// blocks any subsequent Start.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.Stop(ctx, name); err != nil {
				m.logger.Warn("error stopping daemon", "plugin", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	m.wg.Wait()
}

// IsRunning reports whether the named daemon is in the Running state.
func (m *Manager) IsRunning(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return ok && rec.state == StateRunning
}

// State returns the daemon state, if a record exists.
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// PID returns the daemon process id, if a record exists.
func (m *Manager) PID(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return 0, false
	}
	return rec.pid, true
}

// Info returns a defensive copy of the daemon record.
func (m *Manager) Info(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return Info{}, false
	}
	return Info{
		Name:            rec.config.Name,
		State:           rec.state,
		PID:             rec.pid,
		SocketPath:      rec.config.SocketPath,
		HealthFailures:  rec.healthFailures,
		RestartAttempts: rec.restartAttempts,
		LastTransition:  rec.lastTransition,
		LastError:       rec.lastError,
	}, true
}

// Names returns the names of all known daemon records.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	return names
}

// transition moves a record into a new state, recording the error message.
func (m *Manager) transition(name string, state State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return
	}
	rec.state = state
	rec.lastError = errMsg
	rec.lastTransition = time.Now()
}

// killCurrent force-kills the current child process, if any.
func (m *Manager) killCurrent(name string) {
	m.mu.Lock()
	rec, ok := m.records[name]
	var cmd *exec.Cmd
	var exited chan struct{}
	if ok {
		cmd = rec.cmd
		exited = rec.exited
	}
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil && !processExited(exited) {
		_ = cmd.Process.Kill()
	}
}

func processExited(exited chan struct{}) bool {
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}

func pidFilePath(socketPath string) string {
	return socketPath + ".pid"
}

func writePIDFile(socketPath string, pid int) error {
	return os.WriteFile(pidFilePath(socketPath), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePIDFile(socketPath string) {
	_ = os.Remove(pidFilePath(socketPath))
}
