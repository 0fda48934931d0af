package config

import (
	"fmt"
	"net"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "liveness.missed_heartbeats")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// capabilityRegex allows plain task types and glob patterns over them
var capabilityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.*?\[\]{},-]+$`)

// subjectTokenRegex matches one NATS subject token (no wildcards or spaces)
var subjectTokenRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateAuth()...)
	errors = append(errors, c.validateLiveness()...)
	errors = append(errors, c.validateTasks()...)
	errors = append(errors, c.validateClient()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validateNATS()...)

	return errors
}

func validateHostPort(field, addr string, required bool) []ValidationError {
	if addr == "" {
		if required {
			return []ValidationError{{Field: field, Value: addr, Message: "is required"}}
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return []ValidationError{{Field: field, Value: addr, Message: "must be host:port"}}
	}
	return nil
}

func validateNonNegative(field string, d time.Duration) []ValidationError {
	if d < 0 {
		return []ValidationError{{Field: field, Value: d, Message: "must be non-negative"}}
	}
	return nil
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	errors = append(errors, validateHostPort("server.listen", c.Server.Listen, true)...)

	const minFrame, maxFrame = 1 << 10, 1 << 30
	if c.Server.MaxFrameBytes < minFrame || c.Server.MaxFrameBytes > maxFrame {
		errors = append(errors, ValidationError{
			Field:   "server.max_frame_bytes",
			Value:   c.Server.MaxFrameBytes,
			Message: fmt.Sprintf("must be between %d and %d", minFrame, maxFrame),
		})
	}

	errors = append(errors, validateNonNegative("server.idle_timeout", c.Server.IdleTimeout)...)

	// An idle timeout shorter than the heartbeat interval would drop healthy workers.
	if c.Server.IdleTimeout > 0 && c.Liveness.HeartbeatInterval > 0 &&
		c.Server.IdleTimeout <= c.Liveness.HeartbeatInterval {
		errors = append(errors, ValidationError{
			Field:   "server.idle_timeout",
			Value:   c.Server.IdleTimeout,
			Message: fmt.Sprintf("must exceed liveness.heartbeat_interval (%s)", c.Liveness.HeartbeatInterval),
		})
	}

	return errors
}

// validateAuth validates the AuthConfig
func (c *Config) validateAuth() []ValidationError {
	var errors []ValidationError

	if c.Auth.TokenTTL <= 0 {
		errors = append(errors, ValidationError{
			Field:   "auth.token_ttl",
			Value:   c.Auth.TokenTTL,
			Message: "must be positive",
		})
	}

	if c.Auth.SigningKey != "" && len(c.Auth.SigningKey) < 32 {
		errors = append(errors, ValidationError{
			Field:   "auth.signing_key",
			Value:   "(redacted)",
			Message: "must be at least 32 characters",
		})
	}

	return errors
}

// validateLiveness validates the LivenessConfig
func (c *Config) validateLiveness() []ValidationError {
	var errors []ValidationError

	if c.Liveness.HeartbeatInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "liveness.heartbeat_interval",
			Value:   c.Liveness.HeartbeatInterval,
			Message: "must be positive",
		})
	}

	if c.Liveness.MissedHeartbeats < 1 {
		errors = append(errors, ValidationError{
			Field:   "liveness.missed_heartbeats",
			Value:   c.Liveness.MissedHeartbeats,
			Message: "must be at least 1",
		})
	}

	errors = append(errors, validateNonNegative("liveness.sweep_interval", c.Liveness.SweepInterval)...)
	errors = append(errors, validateNonNegative("liveness.forget_after", c.Liveness.ForgetAfter)...)

	return errors
}

// validateTasks validates the TasksConfig
func (c *Config) validateTasks() []ValidationError {
	return validateNonNegative("tasks.retention", c.Tasks.Retention)
}

// validateClient validates the ClientConfig
func (c *Config) validateClient() []ValidationError {
	var errors []ValidationError

	errors = append(errors, validateHostPort("client.address", c.Client.Address, true)...)

	if c.Client.RequestTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "client.request_timeout",
			Value:   c.Client.RequestTimeout,
			Message: "must be positive",
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	for i, capability := range c.Worker.Capabilities {
		if !capabilityRegex.MatchString(capability) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worker.capabilities[%d]", i),
				Value:   capability,
				Message: "must be a task type or glob pattern without spaces",
			})
		}
	}

	if c.Worker.HeartbeatInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.heartbeat_interval",
			Value:   c.Worker.HeartbeatInterval,
			Message: "must be positive",
		})
	}

	if c.Worker.StepDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.step_delay",
			Value:   c.Worker.StepDelay,
			Message: "must not be negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	return validateHostPort("metrics.listen", c.Metrics.Listen, false)
}

// validateNATS validates the NATSConfig
func (c *Config) validateNATS() []ValidationError {
	var errors []ValidationError

	if c.NATS.URL != "" && !strings.Contains(c.NATS.URL, "://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Value:   c.NATS.URL,
			Message: "must include a scheme, e.g. nats://127.0.0.1:4222",
		})
	}

	for _, token := range strings.Split(c.NATS.SubjectPrefix, ".") {
		if !subjectTokenRegex.MatchString(token) {
			errors = append(errors, ValidationError{
				Field:   "nats.subject_prefix",
				Value:   c.NATS.SubjectPrefix,
				Message: "must be dot-separated tokens of letters, digits, '-' or '_'",
			})
			break
		}
	}

	return errors
}
