// Package workers tracks connected workers and assigns queued tasks to them.
//
// The Registry holds one entry per worker, each behind its own lock, so
// heartbeat bookkeeping and status reads never wait on each other. The
// Dispatcher owns a registry-level lock that serializes every decision
// spanning both the worker table and the task table: registration, dispatch,
// the liveness sweep, releases and disconnects. Within that lock a dispatch
// reserves an idle worker and then assigns the task, so a task is never given
// to two workers and a worker never holds two tasks.
//
// Bus handlers for events published by the Dispatcher run while the dispatch
// lock is held and must not call back into it.
package workers
