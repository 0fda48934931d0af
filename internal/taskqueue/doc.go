// Package taskqueue is the authoritative task table for the coordinator.
//
// A [Registry] owns every task and exposes its state only through the
// transition operations below, which enforce the lifecycle
//
//	queued → assigned → running → completed | failed | cancelled
//
// with fail also legal from assigned, cancel legal from any non-terminal state,
// and Requeue returning an assigned or running task to queued when its worker
// is lost. Terminal states are sticky.
//
// Each task has its own mutex, so operations on different tasks never block
// each other. The registry map is guarded by an RWMutex held only for lookup
// and insert. Every successful transition publishes an [event.TaskEvent] after
// the task lock has been released; events for one task are published in
// transition order.
//
// Usage:
//
//	reg := taskqueue.NewRegistry(taskqueue.WithBus(bus))
//	id := reg.Submit("computation", payload, 1)
//	if err := reg.Assign(id, "worker-1"); err != nil {
//	    // lost the race, or the task is no longer queued
//	}
//	_ = reg.Start(id, taskqueue.FromWorker("worker-1"))
//	_ = reg.Complete(id, result, taskqueue.FromWorker("worker-1"))
package taskqueue
