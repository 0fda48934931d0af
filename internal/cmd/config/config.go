// Package config provides CLI commands for managing taskmesh configuration.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify taskmesh configuration",
	Long: `View or modify taskmesh configuration.

Settings are read from the config file, then TASKMESH_* environment variables
(e.g. TASKMESH_SERVER_LISTEN), then command-line flags.`,
}

var showFormat string

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after applying the config file,
environment and flags. Secrets are redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Keys use dot notation, e.g.:
  taskmesh config set server.listen 0.0.0.0:7400
  taskmesh config set liveness.missed_heartbeats 5
  taskmesh config set worker.capabilities computation,data_processing

The resulting configuration is validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var initGenerateKey bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configShowCmd.Flags().StringVarP(&showFormat, "format", "o", "yaml", "output format: yaml, toml or json")
	configInitCmd.Flags().BoolVar(&initGenerateKey, "generate-key", false, "fill server.psk with a fresh key")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// Register adds the config command tree to parent.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", used)
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "# config file: (none - using defaults)")
	}
	return writeSettings(out, showFormat, cfg.Settings())
}

func writeSettings(w io.Writer, format string, settings map[string]any) error {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(settings)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	default:
		return fmt.Errorf("unknown format %q (want yaml, toml or json)", format)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	value := args[1]

	if !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'taskmesh config show' to see valid keys", key)
	}

	previous := viper.Get(key)
	viper.Set(key, value)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = appconfig.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'taskmesh config set' to modify values", configFile)
	}
	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	psk := ""
	if initGenerateKey {
		key, err := securechan.GenerateKey()
		if err != nil {
			return err
		}
		psk = key
	}

	// The file holds secrets once psk or signing_key is filled in.
	if err := os.WriteFile(configFile, []byte(defaultConfig(psk)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	if psk == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Set server.psk before starting: taskmesh keygen")
	}
	return nil
}

func defaultConfig(psk string) string {
	d := appconfig.Default()
	return fmt.Sprintf(`# taskmesh configuration

server:
  # Address the coordinator accepts connections on
  listen: %s
  # Pre-shared channel key (base64, 32 bytes). Generate with 'taskmesh keygen'.
  # Every coordinator, worker and client must use the same key.
  psk: %q
  max_frame_bytes: %d
  # Close connections idle for this long (0 disables)
  idle_timeout: %s

auth:
  token_ttl: %s
  # HMAC key for session tokens; leave empty for a random per-process key
  signing_key: ""
  users_file: %q
  # Require workers to log in before registering
  require_worker_auth: false

liveness:
  heartbeat_interval: %s
  # Workers silent for this many intervals are marked unreachable
  missed_heartbeats: %d
  # Unreachable workers are dropped after this long
  forget_after: %s

tasks:
  # How long finished tasks stay queryable
  retention: %s

client:
  address: %s
  request_timeout: %s
  token_file: %q

worker:
  capabilities: [%s]
  heartbeat_interval: %s
  # io_operation tasks cannot touch files outside this directory
  io_root: %q
  step_delay: %s

logging:
  level: %s
  # Log directory; empty writes to stderr
  dir: ""
  max_size_mb: %d
  max_backups: %d

metrics:
  # e.g. 127.0.0.1:9400 to expose /metrics
  listen: ""

nats:
  # e.g. nats://127.0.0.1:4222 to mirror events onto NATS
  url: ""
  subject_prefix: %s
`,
		d.Server.Listen, psk, d.Server.MaxFrameBytes, d.Server.IdleTimeout,
		d.Auth.TokenTTL, d.Auth.UsersFile,
		d.Liveness.HeartbeatInterval, d.Liveness.MissedHeartbeats, d.Liveness.ForgetAfter,
		d.Tasks.Retention,
		d.Client.Address, d.Client.RequestTimeout, d.Client.TokenFile,
		strings.Join(d.Worker.Capabilities, ", "), d.Worker.HeartbeatInterval, d.Worker.IORoot, d.Worker.StepDelay,
		d.Logging.Level, d.Logging.MaxSizeMB, d.Logging.MaxBackups,
		d.NATS.SubjectPrefix,
	)
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", appconfig.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_SERVER_LISTEN)\n", appconfig.EnvPrefix, appconfig.EnvPrefix)
	return nil
}
