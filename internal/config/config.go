package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides: server.listen is read
// from TASKMESH_SERVER_LISTEN.
const EnvPrefix = "TASKMESH"

// Config represents the complete taskmesh configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Client   ClientConfig   `mapstructure:"client"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// ServerConfig controls the coordinator listener
type ServerConfig struct {
	// Listen is the TCP address the coordinator accepts connections on
	Listen string `mapstructure:"listen"`
	// PSK is the pre-shared channel key, hex or base64 encoded. Shared by
	// coordinator, workers and clients.
	PSK string `mapstructure:"psk"`
	// MaxFrameBytes caps a single encrypted frame (default: 16MiB)
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`
	// IdleTimeout closes connections that send nothing for this long (0 = never)
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig controls sessions and credentials
type AuthConfig struct {
	// TokenTTL is how long an issued token stays valid (default: 24h)
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// SigningKey signs session tokens. When empty a random key is generated at
	// startup, so tokens do not survive a coordinator restart.
	SigningKey string `mapstructure:"signing_key"`
	// UsersFile is the YAML user table, reloaded when it changes on disk
	UsersFile string `mapstructure:"users_file"`
	// RequireWorkerAuth makes workers present a token with role "worker"
	// when registering, on top of the channel key
	RequireWorkerAuth bool `mapstructure:"require_worker_auth"`
}

// LivenessConfig controls worker heartbeat supervision
type LivenessConfig struct {
	// HeartbeatInterval is the expected interval between worker heartbeats
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MissedHeartbeats is how many intervals may pass before a worker is evicted
	MissedHeartbeats int `mapstructure:"missed_heartbeats"`
	// SweepInterval is how often the liveness sweep runs (0 = heartbeat_interval)
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ForgetAfter drops unreachable workers silent this long (0 = never)
	ForgetAfter time.Duration `mapstructure:"forget_after"`
}

// Timeout returns the silence after which a worker is marked unreachable.
func (l LivenessConfig) Timeout() time.Duration {
	return l.HeartbeatInterval * time.Duration(l.MissedHeartbeats)
}

// Sweep returns the effective sweep interval.
func (l LivenessConfig) Sweep() time.Duration {
	if l.SweepInterval > 0 {
		return l.SweepInterval
	}
	return l.HeartbeatInterval
}

// TasksConfig controls the task table
type TasksConfig struct {
	// Retention is how long finished tasks remain queryable (0 = forever)
	Retention time.Duration `mapstructure:"retention"`
}

// ClientConfig controls the CLI client
type ClientConfig struct {
	// Address of the coordinator
	Address string `mapstructure:"address"`
	// RequestTimeout bounds each request/response exchange (default: 5s)
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TokenFile caches the session token between invocations
	TokenFile string `mapstructure:"token_file"`
}

// WorkerConfig controls the worker agent
type WorkerConfig struct {
	// ID identifies the worker. Empty derives one from hostname and pid.
	ID string `mapstructure:"id"`
	// Capabilities are the task types this worker executes
	Capabilities []string `mapstructure:"capabilities"`
	// HeartbeatInterval is how often the worker reports liveness
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// IORoot confines io_operation tasks to this directory
	IORoot string `mapstructure:"io_root"`
	// StepDelay paces the ten progress reports sent while a task executes
	StepDelay time.Duration `mapstructure:"step_delay"`
	// Username and Password are used when the coordinator requires worker auth
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is where taskmesh.log is written. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the size at which the log file is rotated (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 5)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the endpoint.
	Listen string `mapstructure:"listen"`
}

// NATSConfig controls task update fan-out to NATS
type NATSConfig struct {
	// URL of the NATS server. Empty disables the bridge.
	URL string `mapstructure:"url"`
	// SubjectPrefix is prepended to published subjects (default: "taskmesh")
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        "127.0.0.1:7400",
			MaxFrameBytes: 16 << 20,
			IdleTimeout:   5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL:  24 * time.Hour,
			UsersFile: filepath.Join(ConfigDir(), "users.yaml"),
		},
		Liveness: LivenessConfig{
			HeartbeatInterval: 10 * time.Second,
			MissedHeartbeats:  3,
			ForgetAfter:       time.Hour,
		},
		Tasks: TasksConfig{
			Retention: time.Hour,
		},
		Client: ClientConfig{
			Address:        "127.0.0.1:7400",
			RequestTimeout: 5 * time.Second,
			TokenFile:      filepath.Join(ConfigDir(), "token"),
		},
		Worker: WorkerConfig{
			Capabilities:      []string{"computation", "data_processing", "io_operation"},
			HeartbeatInterval: 10 * time.Second,
			IORoot:            ".",
			StepDelay:         100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		NATS: NATSConfig{
			SubjectPrefix: "taskmesh",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.listen", defaults.Server.Listen)
	viper.SetDefault("server.psk", defaults.Server.PSK)
	viper.SetDefault("server.max_frame_bytes", defaults.Server.MaxFrameBytes)
	viper.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)

	viper.SetDefault("auth.token_ttl", defaults.Auth.TokenTTL)
	viper.SetDefault("auth.signing_key", defaults.Auth.SigningKey)
	viper.SetDefault("auth.users_file", defaults.Auth.UsersFile)
	viper.SetDefault("auth.require_worker_auth", defaults.Auth.RequireWorkerAuth)

	viper.SetDefault("liveness.heartbeat_interval", defaults.Liveness.HeartbeatInterval)
	viper.SetDefault("liveness.missed_heartbeats", defaults.Liveness.MissedHeartbeats)
	viper.SetDefault("liveness.sweep_interval", defaults.Liveness.SweepInterval)
	viper.SetDefault("liveness.forget_after", defaults.Liveness.ForgetAfter)

	viper.SetDefault("tasks.retention", defaults.Tasks.Retention)

	viper.SetDefault("client.address", defaults.Client.Address)
	viper.SetDefault("client.request_timeout", defaults.Client.RequestTimeout)
	viper.SetDefault("client.token_file", defaults.Client.TokenFile)

	viper.SetDefault("worker.id", defaults.Worker.ID)
	viper.SetDefault("worker.capabilities", defaults.Worker.Capabilities)
	viper.SetDefault("worker.heartbeat_interval", defaults.Worker.HeartbeatInterval)
	viper.SetDefault("worker.io_root", defaults.Worker.IORoot)
	viper.SetDefault("worker.step_delay", defaults.Worker.StepDelay)
	viper.SetDefault("worker.username", defaults.Worker.Username)
	viper.SetDefault("worker.password", defaults.Worker.Password)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("metrics.listen", defaults.Metrics.Listen)

	viper.SetDefault("nats.url", defaults.NATS.URL)
	viper.SetDefault("nats.subject_prefix", defaults.NATS.SubjectPrefix)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Settings returns the configuration as nested maps keyed by the config file
// names, with durations rendered as strings. Used by `config show`.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen":          c.Server.Listen,
			"psk":             redact(c.Server.PSK),
			"max_frame_bytes": c.Server.MaxFrameBytes,
			"idle_timeout":    c.Server.IdleTimeout.String(),
		},
		"auth": map[string]any{
			"token_ttl":           c.Auth.TokenTTL.String(),
			"signing_key":         redact(c.Auth.SigningKey),
			"users_file":          c.Auth.UsersFile,
			"require_worker_auth": c.Auth.RequireWorkerAuth,
		},
		"liveness": map[string]any{
			"heartbeat_interval": c.Liveness.HeartbeatInterval.String(),
			"missed_heartbeats":  c.Liveness.MissedHeartbeats,
			"sweep_interval":     c.Liveness.SweepInterval.String(),
			"forget_after":       c.Liveness.ForgetAfter.String(),
		},
		"tasks": map[string]any{
			"retention": c.Tasks.Retention.String(),
		},
		"client": map[string]any{
			"address":         c.Client.Address,
			"request_timeout": c.Client.RequestTimeout.String(),
			"token_file":      c.Client.TokenFile,
		},
		"worker": map[string]any{
			"id":                 c.Worker.ID,
			"capabilities":       c.Worker.Capabilities,
			"heartbeat_interval": c.Worker.HeartbeatInterval.String(),
			"io_root":            c.Worker.IORoot,
			"step_delay":         c.Worker.StepDelay.String(),
			"username":           c.Worker.Username,
			"password":           redact(c.Worker.Password),
		},
		"logging": map[string]any{
			"level":       c.Logging.Level,
			"dir":         c.Logging.Dir,
			"max_size_mb": c.Logging.MaxSizeMB,
			"max_backups": c.Logging.MaxBackups,
			"compress":    c.Logging.Compress,
		},
		"metrics": map[string]any{
			"listen": c.Metrics.Listen,
		},
		"nats": map[string]any{
			"url":            c.NATS.URL,
			"subject_prefix": c.NATS.SubjectPrefix,
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskmesh")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmesh"
	}
	return filepath.Join(home, ".config", "taskmesh")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
