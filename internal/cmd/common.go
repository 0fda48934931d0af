package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/client"
	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. File output is only used by
// long-running commands; one-shot client commands log to stderr.
func newLogger(cfg *config.Config, toFile bool) (*logging.Logger, error) {
	opts := logging.Options{
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	}
	if toFile {
		opts.Dir = cfg.Logging.Dir
	}
	return logging.NewLogger(opts)
}

func channelKey(cfg *config.Config) (securechan.Key, error) {
	if cfg.Server.PSK == "" {
		return securechan.Key{}, errors.NewValidationError(
			"no channel key: set server.psk, TASKMESH_SERVER_PSK or --psk (generate one with 'taskmesh keygen')").
			WithField("server.psk")
	}
	return securechan.ParseKey(cfg.Server.PSK)
}

func channelOptions(cfg *config.Config, logger *logging.Logger) []securechan.Option {
	return []securechan.Option{
		securechan.WithMaxFrameSize(cfg.Server.MaxFrameBytes),
		securechan.WithLogger(logger),
	}
}

// dialClient connects to the coordinator with the cached session token, if
// any. Callers close the returned client.
func dialClient(ctx context.Context) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	key, err := channelKey(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg, false)
	if err != nil {
		return nil, nil, err
	}

	opts := []client.Option{
		client.WithTimeout(cfg.Client.RequestTimeout),
		client.WithLogger(logger),
	}
	if token := loadToken(cfg); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	c, err := client.Dial(ctx, cfg.Client.Address, key,
		append(opts, client.WithChannelOptions(channelOptions(cfg, logger)...))...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.Client.Address, err)
	}
	return c, cfg, nil
}

func loadToken(cfg *config.Config) string {
	if cfg.Client.TokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(cfg.Client.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveToken(cfg *config.Config, token string) error {
	if cfg.Client.TokenFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Client.TokenFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(cfg.Client.TokenFile, []byte(token+"\n"), 0o600)
}

func clearToken(cfg *config.Config) error {
	if cfg.Client.TokenFile == "" {
		return nil
	}
	err := os.Remove(cfg.Client.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// explain adds a hint to errors a user can act on.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrUnauthorized):
		return fmt.Errorf("%w (run 'taskmesh login')", err)
	case errors.Is(err, errors.ErrHandshake):
		return fmt.Errorf("%w (check that server.psk matches the coordinator)", err)
	}
	return err
}

// withClient dials, runs fn, and closes the client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, cfg *config.Config) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, cfg, err := dialClient(ctx)
	if err != nil {
		return explain(err)
	}
	defer func() { _ = c.Close() }()
	return explain(fn(ctx, c, cfg))
}
