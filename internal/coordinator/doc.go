// Package coordinator implements the coordination server: it accepts secure
// channel connections from clients and workers, routes each decoded message
// to the session authority, the task registry or the dispatcher, and pushes
// assignments, cancellations and task updates back out.
//
// Every connection gets one reader and one writer goroutine joined by a
// bounded outbound queue. Registry locks are never held while a frame is
// written; a connection whose queue overflows is closed rather than allowed
// to stall the server.
//
// Dispatch is event driven. Submissions, registrations, results and idle
// heartbeats wake a single dispatch loop, and a periodic liveness sweep
// evicts workers that stopped heartbeating, requeues their tasks and prunes
// expired tasks and sessions.
package coordinator
