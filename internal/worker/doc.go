// Package worker implements the worker agent: it dials the coordinator over
// a secure channel, registers its capabilities, asks for work, and runs each
// assigned task through a handlers.Executor while streaming progress back.
//
// An Agent keeps one task at a time. Heartbeats report the current task and
// host load so the coordinator can detect lost assignments. A dropped
// connection is retried with exponential backoff, and the agent re-registers
// under the same id, which lets the coordinator requeue anything it believed
// the agent still held.
package worker
