// Package events implements the subscription bus that fans out approved
// lifecycle events to plugin daemons as JSON-RPC notifications.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/benhmoore/codeally/internal/observability"
	"github.com/benhmoore/codeally/internal/rpc"
	"github.com/benhmoore/codeally/pkg/models"
)

// notifyMethod is the JSON-RPC method delivered to subscribers.
const notifyMethod = "on_event"

// DefaultNotifyTimeout bounds one notification write to a subscriber.
const DefaultNotifyTimeout = 5 * time.Second

// Runner answers whether a plugin daemon is currently running. Implemented
// by daemon.Manager.
type Runner interface {
	IsRunning(name string) bool
}

// Notifier delivers JSON-RPC notifications. Implemented by rpc.Client.
type Notifier interface {
	Notify(ctx context.Context, socketPath, method string, params any, timeout time.Duration) error
}

type subscription struct {
	plugin     string
	socketPath string
	events     map[models.EventKind]struct{}
}

// Bus holds the subscription registry and performs asynchronous fan-out.
// Dispatch never blocks the caller and never raises.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	runner   Runner
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	timeout  time.Duration

	wg sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "events")
		}
	}
}

// WithMetrics wires dispatch metrics.
func WithMetrics(metrics *observability.Metrics) BusOption {
	return func(b *Bus) { b.metrics = metrics }
}

// WithNotifyTimeout overrides the per-subscriber delivery timeout.
func WithNotifyTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBus creates an event bus. runner gates delivery on daemon liveness;
// notifier is typically a shared rpc.Client.
func NewBus(runner Runner, notifier Notifier, opts ...BusOption) *Bus {
	b := &Bus{
		subs:     make(map[string]*subscription),
		runner:   runner,
		notifier: notifier,
		logger:   slog.Default().With("component", "events"),
		timeout:  DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers (or replaces) the subscription for a plugin. Event
// kinds outside the approved set are a configuration error; the registry is
// left unchanged on any validation failure.
func (b *Bus) Subscribe(plugin, socketPath string, kinds []models.EventKind) error {
	if plugin == "" {
		return fmt.Errorf("subscribe: plugin name is required")
	}
	if len(kinds) == 0 {
		return fmt.Errorf("subscribe %q: event list is empty", plugin)
	}
	if !filepath.IsAbs(socketPath) {
		return fmt.Errorf("subscribe %q: socket path must be absolute: %q", plugin, socketPath)
	}
	if len(socketPath) > rpc.MaxSocketPathLength {
		return fmt.Errorf("subscribe %q: socket path exceeds %d characters", plugin, rpc.MaxSocketPathLength)
	}

	set := make(map[models.EventKind]struct{}, len(kinds))
	for _, kind := range kinds {
		if !kind.Approved() {
			return fmt.Errorf("subscribe %q: event %q is not an approved event", plugin, kind)
		}
		set[kind] = struct{}{}
	}

	b.mu.Lock()
	b.subs[plugin] = &subscription{plugin: plugin, socketPath: socketPath, events: set}
	b.mu.Unlock()

	b.logger.Debug("plugin subscribed", "plugin", plugin, "events", len(set))
	return nil
}

// Unsubscribe removes a plugin's subscription. Unknown plugins are a no-op.
func (b *Bus) Unsubscribe(plugin string) {
	b.mu.Lock()
	delete(b.subs, plugin)
	b.mu.Unlock()
}

// Subscribers returns the plugins currently subscribed to the given kind.
func (b *Bus) Subscribers(kind models.EventKind) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var names []string
	for name, sub := range b.subs {
		if _, ok := sub.events[kind]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Dispatch fans the event out to matching subscribers and returns
// immediately. Per-subscriber deliveries run in parallel; failures are
// logged and swallowed so a dead plugin can never block the main flow.
func (b *Bus) Dispatch(kind models.EventKind, payload map[string]any) {
	b.mu.RLock()
	var targets []*subscription
	for _, sub := range b.subs {
		if _, ok := sub.events[kind]; ok {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	timestamp := time.Now().UnixMilli()
	for _, sub := range targets {
		b.wg.Add(1)
		go func(sub *subscription) {
			defer b.wg.Done()
			b.deliver(sub, kind, payload, timestamp)
		}(sub)
	}
}

func (b *Bus) deliver(sub *subscription, kind models.EventKind, payload map[string]any, timestamp int64) {
	if b.runner != nil && !b.runner.IsRunning(sub.plugin) {
		b.count(kind, "skipped")
		b.logger.Debug("subscriber not running, skipping", "plugin", sub.plugin, "event", kind)
		return
	}

	params := map[string]any{
		"event_type": string(kind),
		"event_data": payload,
		"timestamp":  timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.notifier.Notify(ctx, sub.socketPath, notifyMethod, params, b.timeout); err != nil {
		b.count(kind, "error")
		b.logger.Debug("event delivery failed",
			"plugin", sub.plugin,
			"event", kind,
			"error", err)
		return
	}
	b.count(kind, "delivered")
}

func (b *Bus) count(kind models.EventKind, status string) {
	if b.metrics != nil {
		b.metrics.EventDispatches.WithLabelValues(string(kind), status).Inc()
	}
}

// Flush blocks until all in-flight dispatches settle. Intended for shutdown
// and tests.
func (b *Bus) Flush() {
	b.wg.Wait()
}
