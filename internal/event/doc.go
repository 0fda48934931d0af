// Package event provides an in-process pub-sub bus for taskmesh.
//
// The task registry, worker registry and session authority publish state
// changes here instead of calling their consumers directly. The coordinator
// turns task events into task_update pushes for subscribed connections, the
// metrics package turns them into Prometheus series, and the NATS bridge
// forwards them to external dashboards.
//
// # Main Types
//
//   - [Event]: EventType() and Timestamp()
//   - [Bus]: synchronous dispatcher, safe for concurrent use
//   - [TaskEvent], [WorkerEvent], [SessionEvent]: concrete payloads
//
// # Patterns
//
// Subscribe accepts an exact type, [Wildcard], or a glob whose '*' matches
// within a single dot-separated segment:
//
//	bus.Subscribe(event.TaskCompleted, onDone)   // exact
//	bus.Subscribe("task.*", onTaskChange)        // every task event
//	bus.SubscribeAll(auditLog)                   // everything
//
// Handlers are called on the publishing goroutine. Publishers never hold a
// registry lock while publishing, but a handler that blocks still stalls the
// publisher, so consumers that do I/O hand the event to their own goroutine.
// A panicking handler is recovered and logged and does not prevent delivery
// to the remaining handlers.
package event
