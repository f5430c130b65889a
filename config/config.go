// Package config loads jobwatch settings from YAML files and the environment.
//
// A config file is discovered with first-match semantics: an explicit path,
// then ./jobwatch.yaml, then ~/.jobwatch/config.yaml. ${VAR} references in
// the file are expanded before decoding, and JOBWATCH_* environment variables
// override file values. Command-line flags override both and are applied by
// the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "jobwatch.yaml"
	homeConfigDir     = ".jobwatch"
	homeConfigName    = "config.yaml"
)

// Environment variables that override file values.
const (
	EnvBaseURL    = "JOBWATCH_BASE_URL"
	EnvToken      = "JOBWATCH_TOKEN"
	EnvSQLitePath = "JOBWATCH_SQLITE_PATH"
)

// Defaults applied by Default and Load.
const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultAddr    = ":8080"
)

// Config is the full jobwatch configuration.
type Config struct {
	// BaseURL is the relay address used by client commands.
	BaseURL string `yaml:"base_url"`

	// Token is the bearer credential sent by clients and required by the
	// relay when non-empty.
	Token string `yaml:"token"`

	Server    ServerConfig    `yaml:"server"`
	Watch     WatchConfig     `yaml:"watch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures `jobwatch serve`.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	SQLitePath string `yaml:"sqlite_path"`
	CORSOrigin string `yaml:"cors_origin"`
	MaxBody    int64  `yaml:"max_body"`

	// Coalesce merges bursts of same-status frames before fan-out.
	Coalesce  Duration `yaml:"coalesce"`
	Heartbeat Duration `yaml:"heartbeat"`

	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig bounds the SQLite frame journal.
type RetentionConfig struct {
	MaxAge        Duration `yaml:"max_age"`
	MaxFrames     int      `yaml:"max_frames"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// WatchConfig configures the stall watchdog used by `jobwatch watch`.
type WatchConfig struct {
	StallAfter Duration `yaml:"stall_after"`
	Schedule   string   `yaml:"schedule"`
	Reconnect  bool     `yaml:"reconnect"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// Duration is a time.Duration that decodes from strings like "30s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts a Go duration string or an integer number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
		}
		parsed = time.Duration(secs) * time.Second
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes d in Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns a Config with defaults filled in.
func Default() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "jobwatch",
		},
	}
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)

	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads the file at path over Default. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with JOBWATCH_* variables found through lookup.
// Pass os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBaseURL); ok && strings.TrimSpace(v) != "" {
		cfg.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvToken); ok {
		cfg.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvSQLitePath); ok && strings.TrimSpace(v) != "" {
		cfg.Server.SQLitePath = strings.TrimSpace(v)
	}
}

// Resolve discovers, loads, and applies environment overrides. It returns
// the path that was loaded, or "" when no file was found.
func Resolve(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	if !found {
		path = ""
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, "", err
	}
	ApplyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// Validate checks field values that cannot be caught while decoding.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL))
		}
	}
	if c.Server.MaxBody < 0 {
		errs = append(errs, errors.New("server.max_body must not be negative"))
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"server.coalesce", c.Server.Coalesce},
		{"server.heartbeat", c.Server.Heartbeat},
		{"server.retention.max_age", c.Server.Retention.MaxAge},
		{"server.retention.prune_interval", c.Server.Retention.PruneInterval},
		{"watch.stall_after", c.Watch.StallAfter},
	}
	for _, field := range durations {
		if field.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", field.name))
		}
	}
	if c.Server.Retention.MaxFrames < 0 {
		errs = append(errs, errors.New("server.retention.max_frames must not be negative"))
	}
	return errors.Join(errs...)
}
