package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/jobwatch/bus"
	"github.com/petal-labs/jobwatch/config"
	"github.com/petal-labs/jobwatch/hub"
	jwotel "github.com/petal-labs/jobwatch/otel"
	"github.com/petal-labs/jobwatch/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		Long: "Start the relay: producers POST status updates, the relay journals them " +
			"and pushes them to every stream client watching the job.",
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default from config, then :8080)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.jobwatch/jobwatch.db)")
	cmd.Flags().Bool("memory", false, "Keep jobs and frames in memory only")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (default *)")
	cmd.Flags().Int64("max-body", 0, "Max request body size in bytes (default 1 MiB)")
	cmd.Flags().Duration("coalesce", 0, "Merge bursts of same-status frames within this window")
	cmd.Flags().Duration("heartbeat", 0, "Stream heartbeat interval (default 15s)")
	cmd.Flags().Duration("retention-age", 0, "Delete journaled frames older than this")
	cmd.Flags().Int("retention-frames", 0, "Keep at most this many frames per job")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	logger := newLogger(cmd)

	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	memory, _ := cmd.Flags().GetBool("memory")

	tel, err := setupTelemetry(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return exitError(exitConfig, "initializing telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	srvCfg := server.Config{
		Token:      cfg.Token,
		Coalesce:   cfg.Server.Coalesce.Std(),
		Heartbeat:  cfg.Server.Heartbeat.Std(),
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	}

	if !memory {
		dsn, err := resolveServeSQLiteDSN(cfg.Server.SQLitePath)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		frames, err := hub.NewSQLiteFrameStore(hub.SQLiteStoreConfig{
			DSN:            dsn,
			RetentionAge:   cfg.Server.Retention.MaxAge.Std(),
			RetentionCount: cfg.Server.Retention.MaxFrames,
			PruneInterval:  cfg.Server.Retention.PruneInterval.Std(),
		})
		if err != nil {
			return exitError(exitRuntime, "opening sqlite frame store: %v", err)
		}
		defer func() {
			_ = frames.Close()
		}()
		jobs, err := server.NewSQLiteJobStore(server.SQLiteStoreConfig{DSN: dsn})
		if err != nil {
			return exitError(exitRuntime, "opening sqlite job store: %v", err)
		}
		defer func() {
			_ = jobs.Close()
		}()
		srvCfg.Frames = frames
		srvCfg.Jobs = jobs
		logger.Info("journal opened", "path", dsn)
	} else {
		logger.Warn("running without a journal file; frames are lost on restart")
	}

	memHub := hub.NewMemHub(hub.MemHubConfig{Logger: logger})
	srvCfg.Hub = memHub

	eb := bus.New(bus.Config{Logger: logger})
	srvCfg.Bus = eb

	metrics, err := jwotel.NewMetricsHandler(tel.Meter())
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}
	tracing := jwotel.NewTracingHandler(tel.Tracer())
	var subs bus.Scope
	subs.Add(bus.Listen(eb, server.TopicFramePublished, metrics.Handle))
	subs.Add(bus.Listen(eb, server.TopicFramePublished, tracing.Handle))
	defer subs.Close()
	defer tracing.Flush()

	relay := server.NewServer(srvCfg)
	defer relay.Close()

	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)
	mux.Handle("GET /debug/metrics", tel)

	handler := relay.Wrap(mux)

	// Streams are long-lived, so there is no write timeout.
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: readTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Server.Addr, "auth", cfg.Token != "")
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		// Closing the hub ends every open stream so Shutdown does not wait
		// on them.
		_ = memHub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		_ = memHub.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags lets explicitly set flags win over file and env values.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("sqlite-path") {
		cfg.Server.SQLitePath, _ = flags.GetString("sqlite-path")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("coalesce") {
		d, _ := flags.GetDuration("coalesce")
		cfg.Server.Coalesce = config.Duration(d)
	}
	if flags.Changed("heartbeat") {
		d, _ := flags.GetDuration("heartbeat")
		cfg.Server.Heartbeat = config.Duration(d)
	}
	if flags.Changed("retention-age") {
		d, _ := flags.GetDuration("retention-age")
		cfg.Server.Retention.MaxAge = config.Duration(d)
	}
	if flags.Changed("retention-frames") {
		cfg.Server.Retention.MaxFrames, _ = flags.GetInt("retention-frames")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = config.DefaultAddr
	}
}

// resolveServeSQLiteDSN returns the configured path, or the default under
// the user's home directory. Plain paths get their parent directory created.
func resolveServeSQLiteDSN(path string) (string, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dsn = filepath.Join(home, ".jobwatch", "jobwatch.db")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "file:") {
		return dsn, nil
	}

	dsn = filepath.Clean(dsn)
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return "", fmt.Errorf("creating sqlite directory: %w", err)
	}
	return dsn, nil
}
