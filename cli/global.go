// Package cli implements the jobwatch command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/jobwatch/config"
	"github.com/petal-labs/jobwatch/stream"
)

// AddGlobalFlags registers the persistent flags shared by every subcommand.
func AddGlobalFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.String("config", "", "Path to jobwatch.yaml (default: ./jobwatch.yaml, then ~/.jobwatch/config.yaml)")
	flags.String("base-url", "", "Relay base URL (overrides config and JOBWATCH_BASE_URL)")
	flags.String("token", "", "Bearer token (overrides config and JOBWATCH_TOKEN)")
	flags.Bool("verbose", false, "Enable verbose/debug logging")
	flags.Bool("quiet", false, "Suppress all output except errors")
}

// loadConfig resolves the config file and applies environment and flag
// overrides, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Resolve(explicit)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "loading config: %v", err)
	}

	if cmd.Flags().Changed("base-url") {
		cfg.BaseURL, _ = cmd.Flags().GetString("base-url")
	}
	if cmd.Flags().Changed("token") {
		cfg.Token, _ = cmd.Flags().GetString("token")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, exitError(exitConfig, "invalid config: %v", err)
	}
	return cfg, nil
}

// newLogger returns a text logger on the command's stderr at the level
// selected by --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func newStreamClient(cfg config.Config, logger *slog.Logger, observer stream.Observer) (*stream.Client, error) {
	client, err := stream.NewClient(stream.Config{
		BaseURL:  cfg.BaseURL,
		Token:    cfg.Token,
		Logger:   logger,
		Observer: observer,
	})
	if err != nil {
		return nil, exitError(exitConfig, "creating client: %v", err)
	}
	return client, nil
}

// apiExitError maps a relay call failure to an exit code.
func apiExitError(action string, err error) error {
	var apiErr *stream.APIError
	if errors.As(err, &apiErr) {
		return exitError(exitAPI, "%s: %v", action, apiErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return exitError(exitTimeout, "%s: %v", action, err)
	}
	return exitError(exitRuntime, "%s: %v", action, err)
}

// parseKeyValues turns repeated key=value flags into a map. Numbers and the
// literals true and false keep their type.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = scalar(value)
	}
	return out, nil
}

func scalar(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
