package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/natsclient"
)

// TaskSweep is the task type handled by the Janitor.
const TaskSweep = "sweep"

// SweepPayload names the row a sweep task expires.
type SweepPayload struct {
	Sublevel string `json:"sublevel"`
	Key      string `json:"key"`
}

// Sweep carries a removed entry to sweep listeners.
type Sweep struct {
	Sublevel string
	Key      string
	Value    []byte
}

// Janitor deletes a KV entry when its scheduled sweep fires, emitting the
// removed value for observability. An absent entry (already consumed, e.g.
// matched before expiry) is a silent no-op: this is how callers get
// "timeout only if not already resolved".
type Janitor struct {
	logger *slog.Logger
	sched  *Scheduler

	mu        sync.RWMutex
	sublevels map[string]natsclient.KV
	listeners []func(context.Context, Sweep)
}

// NewJanitor creates a janitor and registers its sweep handler with the
// scheduler.
func NewJanitor(sched *Scheduler, logger *slog.Logger) *Janitor {
	j := &Janitor{
		logger:    logger,
		sched:     sched,
		sublevels: make(map[string]natsclient.KV),
	}
	sched.On(TaskSweep, j.sweep)
	return j
}

// RegisterSublevel makes a named KV namespace sweepable.
func (j *Janitor) RegisterSublevel(name string, kv natsclient.KV) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sublevels[name] = kv
}

// OnSweep registers a listener invoked with every removed entry. Listeners
// run on the scheduler's tick goroutine and must not block.
func (j *Janitor) OnSweep(fn func(context.Context, Sweep)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.listeners = append(j.listeners, fn)
}

// ScheduleSweep schedules the expiry of sublevel/key at the given time.
// The task key is derived from the target row, so double scheduling the
// same logical sweep is idempotent.
func (j *Janitor) ScheduleSweep(ctx context.Context, due time.Time, sublevel, key string) error {
	payload, err := json.Marshal(SweepPayload{Sublevel: sublevel, Key: key})
	if err != nil {
		return errors.WrapInvalid(err, "Janitor", "ScheduleSweep", "marshal payload")
	}
	return j.sched.Schedule(ctx, Task{
		Key:     TaskKey(due, sublevel, key),
		Type:    TaskSweep,
		Payload: payload,
	})
}

// sweepAttempts bounds the get-then-delete retries when the target row is
// concurrently rewritten. Exhausting them returns a transient error so the
// task refires on the next tick.
const sweepAttempts = 5

// sweep is the scheduler handler: an atomic get-then-delete of the target
// row. The delete happens before listeners run, so a crash in between loses
// the emission rather than duplicating it (at-most-once). Only an absent key
// means the row was resolved; a revision mismatch means it was merely
// rewritten (e.g. its trail grew) and the expiry still stands, so the
// get-then-delete is retried against the fresh revision.
func (j *Janitor) sweep(ctx context.Context, task Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return errors.WrapInvalid(err, "Janitor", "sweep", "unmarshal payload")
	}

	j.mu.RLock()
	kv, ok := j.sublevels[payload.Sublevel]
	j.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("unknown sublevel %q", payload.Sublevel),
			"Janitor", "sweep", "resolve sublevel")
	}

	for attempt := 0; attempt < sweepAttempts; attempt++ {
		entry, err := kv.Get(ctx, payload.Key)
		if err != nil {
			if err == natsclient.ErrKVKeyNotFound {
				// Already consumed; nothing to expire.
				return nil
			}
			return errors.WrapTransient(err, "Janitor", "sweep", "read entry")
		}

		err = kv.DeleteRevision(ctx, payload.Key, entry.Revision)
		if err == natsclient.ErrKVKeyNotFound {
			// Lost the race to a concurrent resolution.
			return nil
		}
		if err == natsclient.ErrKVRevisionMismatch {
			continue
		}
		if err != nil {
			return errors.WrapTransient(err, "Janitor", "sweep", "delete entry")
		}

		j.logger.Debug("Swept expired entry",
			"sublevel", payload.Sublevel, "key", payload.Key)

		j.mu.RLock()
		listeners := make([]func(context.Context, Sweep), len(j.listeners))
		copy(listeners, j.listeners)
		j.mu.RUnlock()

		sw := Sweep{Sublevel: payload.Sublevel, Key: payload.Key, Value: entry.Value}
		for _, fn := range listeners {
			fn(ctx, sw)
		}
		return nil
	}

	return errors.WrapTransient(
		fmt.Errorf("entry %s/%s kept changing under the sweep", payload.Sublevel, payload.Key),
		"Janitor", "sweep", "delete entry")
}
