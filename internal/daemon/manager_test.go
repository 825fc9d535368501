package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// listenAt opens a Unix listener standing in for the daemon's RPC endpoint.
// The managed child itself is an inert sleep process; readiness and health
// only ever probe the socket.
func listenAt(t *testing.T, path string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func sleepConfig(name, socketPath string) Config {
	return Config{
		Name:           name,
		Command:        "sleep",
		Args:           []string{"60"},
		SocketPath:     socketPath,
		StartupTimeout: 2 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}
}

func waitForState(t *testing.T, m *Manager, name string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state, ok := m.State(name); ok && state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, _ := m.State(name)
	t.Fatalf("daemon %q state = %s, want %s", name, state, want)
}

func TestStartStop(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	listenAt(t, socket)

	m := NewManager()
	if err := m.Start(context.Background(), sleepConfig("demo", socket)); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !m.IsRunning("demo") {
		t.Error("daemon should be running")
	}
	pid, ok := m.PID("demo")
	if !ok || pid <= 0 {
		t.Errorf("pid = %d, want live pid", pid)
	}

	// PID file written next to the socket.
	data, err := os.ReadFile(socket + ".pid")
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	filePID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || filePID != pid {
		t.Errorf("pid file = %q, want %d", data, pid)
	}

	if err := m.Stop(context.Background(), "demo"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state, _ := m.State("demo"); state != StateStopped {
		t.Errorf("state = %s, want stopped", state)
	}
	if _, err := os.Stat(socket + ".pid"); !os.IsNotExist(err) {
		t.Error("pid file should be removed on stop")
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Error("socket file should be removed on stop")
	}
}

func TestStop_AlreadyStoppedIsNoop(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	listenAt(t, socket)

	m := NewManager()
	if err := m.Start(context.Background(), sleepConfig("demo", socket)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background(), "demo"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := m.Stop(context.Background(), "demo"); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
	if err := m.Stop(context.Background(), "never-started"); err != nil {
		t.Errorf("stop on unknown daemon should be a no-op, got %v", err)
	}
}

func TestStart_DuplicateRejected(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	listenAt(t, socket)

	m := NewManager()
	if err := m.Start(context.Background(), sleepConfig("demo", socket)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background(), "demo")

	err := m.Start(context.Background(), sleepConfig("demo", socket))
	if err == nil {
		t.Fatal("duplicate start should be rejected")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("error = %q, want duplicate-start message", err)
	}
}

func TestStart_AfterStopAllRejected(t *testing.T) {
	m := NewManager()
	m.StopAll(context.Background())

	socket := filepath.Join(t.TempDir(), "d.sock")
	listenAt(t, socket)
	err := m.Start(context.Background(), sleepConfig("demo", socket))
	if err == nil {
		t.Fatal("start after StopAll should be rejected")
	}
	if !strings.Contains(err.Error(), "shutting down") {
		t.Errorf("error = %q, want shutdown interlock message", err)
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")

	m := NewManager()
	cfg := sleepConfig("demo", socket)
	cfg.Command = filepath.Join(t.TempDir(), "no-such-binary")

	if err := m.Start(context.Background(), cfg); err == nil {
		t.Fatal("start with missing binary should fail")
	}
	if state, _ := m.State("demo"); state != StateError {
		t.Errorf("state = %s, want error", state)
	}
	info, _ := m.Info("demo")
	if info.LastError == "" {
		t.Error("record should retain the spawn error for diagnostics")
	}
}

func TestStart_ReadinessTimeout(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	// No listener: the socket never appears.

	m := NewManager()
	cfg := sleepConfig("demo", socket)
	cfg.StartupTimeout = 300 * time.Millisecond

	err := m.Start(context.Background(), cfg)
	if err == nil {
		t.Fatal("start without a listener should time out")
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Errorf("error = %q, want readiness failure", err)
	}
	if state, _ := m.State("demo"); state != StateError {
		t.Errorf("state = %s, want error", state)
	}
	// The child must not be left behind.
	if pid, ok := m.PID("demo"); ok && pid > 0 {
		waitGone(t, pid, 2*time.Second)
	}
}

func waitGone(t *testing.T, pid int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("process %d still alive after readiness failure", pid)
}

func TestRestart_OnUnexpectedExit(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	listenAt(t, socket)

	m := NewManager()
	cfg := sleepConfig("demo", socket)
	cfg.RestartDelay = 50 * time.Millisecond
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background(), "demo")

	pid, _ := m.PID("demo")
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill child: %v", err)
	}

	waitForState(t, m, "demo", StateRunning, 5*time.Second)

	newPID, _ := m.PID("demo")
	if newPID == pid {
		t.Error("restart should spawn a fresh process")
	}
	info, _ := m.Info("demo")
	if info.RestartAttempts != 1 {
		t.Errorf("restart attempts = %d, want 1", info.RestartAttempts)
	}
}

func TestRestart_BudgetExhausted(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	ln := listenAt(t, socket)

	m := NewManager()
	cfg := sleepConfig("demo", socket)
	cfg.StartupTimeout = 200 * time.Millisecond
	cfg.RestartDelay = 20 * time.Millisecond
	cfg.MaxRestartAttempts = 2
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Take down the endpoint so every restart fails readiness, then crash
	// the child.
	ln.Close()
	os.Remove(socket)
	pid, _ := m.PID("demo")
	syscall.Kill(pid, syscall.SIGKILL)

	waitForState(t, m, "demo", StateError, 10*time.Second)

	info, _ := m.Info("demo")
	if !strings.Contains(info.LastError, "restart attempts exhausted") {
		t.Errorf("last error = %q, want exhaustion message", info.LastError)
	}
}

func TestHealthLoop_TriggersRestart(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "d.sock")
	ln := listenAt(t, socket)

	m := NewManager()
	cfg := sleepConfig("demo", socket)
	cfg.HealthInterval = 50 * time.Millisecond
	cfg.HealthTimeout = 100 * time.Millisecond
	cfg.MaxHealthFailures = 2
	cfg.RestartDelay = 20 * time.Millisecond
	if err := m.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopAll(context.Background())

	// Kill the endpoint; health checks start failing. Bring up a fresh
	// listener once the restart begins so readiness can succeed.
	ln.Close()
	os.Remove(socket)

	waitForState(t, m, "demo", StateStarting, 5*time.Second)
	listenAt(t, socket)
	waitForState(t, m, "demo", StateRunning, 5*time.Second)

	info, _ := m.Info("demo")
	if info.RestartAttempts < 1 {
		t.Errorf("restart attempts = %d, want >= 1", info.RestartAttempts)
	}
}

func TestStopAll_Parallel(t *testing.T) {
	m := NewManager()
	dir := t.TempDir()
	names := []string{"a", "b", "c"}
	for _, name := range names {
		socket := filepath.Join(dir, name+".sock")
		listenAt(t, socket)
		if err := m.Start(context.Background(), sleepConfig(name, socket)); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}

	m.StopAll(context.Background())

	for _, name := range names {
		if state, _ := m.State(name); state != StateStopped {
			t.Errorf("daemon %s state = %s, want stopped", name, state)
		}
	}
}

func TestInfo_DefensiveCopy(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	listenAt(t, socket)

	m := NewManager()
	if err := m.Start(context.Background(), sleepConfig("demo", socket)); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background(), "demo")

	info, ok := m.Info("demo")
	if !ok {
		t.Fatal("info should exist")
	}
	if info.State != StateRunning || info.PID <= 0 || info.SocketPath != socket {
		t.Errorf("unexpected info: %+v", info)
	}

	// Mutating the copy must not affect the manager's view.
	info.State = StateError
	if state, _ := m.State("demo"); state != StateRunning {
		t.Error("Info must return a copy")
	}
}
