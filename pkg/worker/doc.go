// Package worker provides a generic, thread-safe worker pool for concurrent
// task processing.
//
// The pool manages a fixed number of goroutines that process work items of
// any type T from a bounded channel. Submit is non-blocking: a full queue
// returns ErrQueueFull immediately, which doubles as the backpressure signal.
// Workers receive the context passed to Start and exit on cancellation or
// channel close; Stop(timeout) drains queued items and waits for workers up
// to the timeout.
//
// The pool tracks its counters with atomics, exposed via Stats. Callers that
// need richer observability (as the notification dispatcher does) record
// their own metrics in the processor function.
//
// Worker count and queue size are fixed at creation. Per-item timeouts, if
// needed, belong in the processor function via the context.
package worker
