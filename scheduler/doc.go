// Package scheduler provides a generic "run this opaque task at or after
// time T" primitive backed by a KV namespace, plus the Janitor, a thin
// consumer that expires KV rows when their sweep fires.
//
// Tasks persist under lexicographically sortable keys (zero-padded unix
// millisecond timestamp, then namespace, then id) so a range scan from the
// lowest key always yields due-or-overdue tasks first. Handlers are invoked
// at-most-once per task under normal operation; a crash between handler
// invocation and row deletion redelivers the task on next start, so
// handlers must be idempotent.
package scheduler
