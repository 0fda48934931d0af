// Package handlers holds the task execution strategies a worker runs, keyed
// by task type, and the Executor that invokes them.
//
// A handler receives the task's data and returns a JSON result or an
// ExecutionError. Handlers never see the network: progress reporting,
// cancellation and panic capture are the Executor's job.
//
// Built-in task types:
//
//	computation      sum | average | matrix_multiply
//	data_processing  sort | filter | transform
//	io_operation     read | write, confined to a root directory
package handlers
