// Package logging provides structured logging for taskmesh processes.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. Coordinator, worker and client processes each own one
// [Logger]; per-connection, per-worker and per-task child loggers carry their
// identifiers on every line so a task's whole lifecycle can be grepped out of a
// coordinator log.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(logging.Options{Dir: "/var/log/taskmesh", Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithWorker("w-1").WithTask("t-42").Info("task assigned", "priority", 3)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task assigned","worker_id":"w-1","task_id":"t-42","priority":3}
//
// # Log Rotation
//
// When Dir is set, logs go to {Dir}/{Name}.log through a [RotatingWriter].
// Rotated files are named taskmesh.log.1 (newest) through taskmesh.log.N and are
// gzip compressed when Rotation.Compress is true.
//
// # Testing
//
// Use [NopLogger] to discard all output.
package logging
