package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/metric"
	"github.com/sodazone/xcmon/natsclient"
)

// Task is an opaque unit of deferred work. Key is a sortable composite of
// due time, namespace and id; Type selects the registered handler.
type Task struct {
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// taskRow is the persisted form of a task; the key lives in the KV key.
type taskRow struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes a due task. Handlers must be idempotent: tasks are
// delivered at-most-once under normal operation but are redelivered when
// the process crashes between handler invocation and row deletion.
type Handler func(ctx context.Context, task Task) error

// TaskKey builds the sortable key for a task due at the given time:
// a zero-padded unix-milli prefix, then namespace, then id. Keys sort
// chronologically first, then by namespace, then by id - a total order
// with no ties.
func TaskKey(due time.Time, namespace, id string) string {
	return fmt.Sprintf("%020d.%s.%s", due.UnixMilli(), namespace, id)
}

// keyDue extracts the due time encoded in a task key.
func keyDue(key string) (time.Time, error) {
	head, _, ok := strings.Cut(key, ".")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed task key %q", key)
	}
	millis, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed task key %q: %w", key, err)
	}
	return time.UnixMilli(millis), nil
}

// Scheduler persists tasks under sortable keys in a dedicated KV namespace
// and runs each due task's handler on a fixed tick. Multiple tasks due at
// the same tick are processed in key order.
type Scheduler struct {
	kv     natsclient.KV
	logger *slog.Logger
	tick   time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	metrics *schedulerMetrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the sweep tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMetrics registers scheduler metrics with the given registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Scheduler) {
		m, err := newSchedulerMetrics(registry)
		if err != nil {
			s.logger.Error("Failed to initialize scheduler metrics", "error", err)
			return
		}
		s.metrics = m
	}
}

// New creates a scheduler over the given KV namespace.
func New(kv natsclient.KV, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		kv:       kv,
		logger:   logger,
		tick:     5 * time.Second,
		handlers: make(map[string]Handler),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers the handler for a task type. Registering the same type twice
// replaces the previous handler.
func (s *Scheduler) On(taskType string, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[taskType] = handler
}

// Schedule persists tasks under their sortable keys. Scheduling the same
// logical task twice with a stable key is idempotent (last write wins on
// an identical row). A stopped scheduler accepts no new tasks.
func (s *Scheduler) Schedule(ctx context.Context, tasks ...Task) error {
	s.lifecycleMu.Lock()
	stopped := s.stopped
	s.lifecycleMu.Unlock()
	if stopped {
		return errors.WrapTransient(errors.ErrShuttingDown, "Scheduler", "Schedule", "accept tasks")
	}

	for _, task := range tasks {
		if task.Key == "" {
			return errors.WrapInvalid(
				fmt.Errorf("task of type %q has no key", task.Type),
				"Scheduler", "Schedule", "validate task")
		}
		if _, err := keyDue(task.Key); err != nil {
			return errors.WrapInvalid(err, "Scheduler", "Schedule", "validate task key")
		}

		row, err := json.Marshal(taskRow{Type: task.Type, Payload: task.Payload})
		if err != nil {
			return errors.WrapInvalid(err, "Scheduler", "Schedule", "marshal task")
		}
		if _, err := s.kv.Put(ctx, task.Key, row); err != nil {
			return errors.WrapTransient(err, "Scheduler", "Schedule", "persist task")
		}
		if s.metrics != nil {
			s.metrics.recordScheduled()
		}
	}
	return nil
}

// Name implements component.Lifecycle.
func (s *Scheduler) Name() string { return "scheduler" }

// Initialize implements component.Lifecycle.
func (s *Scheduler) Initialize() error { return nil }

// Start launches the tick loop. An initial sweep runs immediately so tasks
// that came due while the process was down are delivered on startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Scheduler", "Start", "check running state")
	}
	s.running = true
	s.stopped = false
	s.shutdown = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Scheduler started", "tick", s.tick)
	return nil
}

// Stop cancels the tick timer. In-flight handler invocations are allowed
// to finish within the timeout.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.stopped = true
	close(s.shutdown)

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Scheduler", "Stop", "graceful shutdown")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Deliver overdue tasks accumulated across a restart before the
	// first tick.
	s.sweep(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep range-scans the namespace up to now and runs every due task in key
// order. The handler runs before the row is deleted: a crash in between
// redelivers the task on next start (at-least-once across restarts).
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		s.logger.Error("Scheduler sweep: list tasks", "error", err)
		if s.metrics != nil {
			s.metrics.recordError("list")
		}
		return
	}
	sort.Strings(keys)

	for _, key := range keys {
		select {
		case <-s.shutdown:
			return
		default:
		}

		due, err := keyDue(key)
		if err != nil {
			s.logger.Warn("Scheduler sweep: skipping malformed key", "key", key, "error", err)
			continue
		}
		if due.After(now) {
			// Keys sort chronologically; everything past this point
			// is in the future.
			break
		}

		s.runTask(ctx, key)
	}
}

func (s *Scheduler) runTask(ctx context.Context, key string) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return
		}
		s.logger.Error("Scheduler: read task", "key", key, "error", err)
		if s.metrics != nil {
			s.metrics.recordError("read")
		}
		return
	}

	var row taskRow
	if err := json.Unmarshal(entry.Value, &row); err != nil {
		// Unparseable rows would fire forever; drop them.
		s.logger.Error("Scheduler: corrupt task row, deleting", "key", key, "error", err)
		_ = s.kv.Delete(ctx, key)
		if s.metrics != nil {
			s.metrics.recordError("corrupt")
		}
		return
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[row.Type]
	s.handlersMu.RUnlock()

	if !ok {
		s.logger.Warn("Scheduler: no handler for task type", "type", row.Type, "key", key)
		_ = s.kv.Delete(ctx, key)
		return
	}

	task := Task{Key: key, Type: row.Type, Payload: row.Payload}
	if err := handler(ctx, task); err != nil {
		// Leave the row in place; it fires again on the next tick.
		s.logger.Error("Scheduler: task handler failed",
			"type", row.Type, "key", key, "error", err)
		if s.metrics != nil {
			s.metrics.recordError("handler")
		}
		return
	}

	if err := s.kv.Delete(ctx, key); err != nil && err != natsclient.ErrKVKeyNotFound {
		s.logger.Error("Scheduler: delete fired task", "key", key, "error", err)
		if s.metrics != nil {
			s.metrics.recordError("delete")
		}
		return
	}

	if s.metrics != nil {
		s.metrics.recordFired(row.Type)
	}
}
