package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/jobwatch/bus"
	"github.com/petal-labs/jobwatch/config"
	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/hub"
	"github.com/petal-labs/jobwatch/jobstatus"
	jwotel "github.com/petal-labs/jobwatch/otel"
)

// NewWatchCmd creates the "watch" subcommand.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch JOB_ID",
		Short: "Follow a job's status frames until it finishes",
		Long: "Open a status stream for the job and print every frame in arrival order. " +
			"Exits 0 when the job reports done, 5 when it fails or is cancelled, and 6 " +
			"when the stream goes silent and --reconnect is off.",
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
	cmd.Flags().Bool("json", false, "Print frames as JSON lines")
	cmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits indefinitely)")
	cmd.Flags().Duration("stall-after", 0, "Report the stream stalled after this much silence (default 30s)")
	cmd.Flags().String("check-schedule", "", "Cron schedule for stall checks (default @every 5s)")
	cmd.Flags().Bool("reconnect", false, "Reopen the stream instead of exiting when it stalls")
	cmd.Flags().String("record", "", "Also journal received frames to this SQLite file")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port")
	return cmd
}

type watchOutcome struct {
	final   frame.StatusFrame
	stalled *jobstatus.StallEvent
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyWatchFlags(cmd, &cfg)
	logger := newLogger(cmd).With("job_id", args[0])

	asJSON, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	record, _ := cmd.Flags().GetString("record")

	tel, err := setupTelemetry(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return exitError(exitConfig, "initializing telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	observer, err := jwotel.NewStreamObserver(tel.Meter(), tel.Tracer())
	if err != nil {
		return exitError(exitRuntime, "initializing stream metrics: %v", err)
	}
	client, err := newStreamClient(cfg, logger, observer)
	if err != nil {
		return err
	}

	eb := bus.New(bus.Config{Logger: logger})
	var subs bus.Scope
	defer subs.Close()

	out := cmd.OutOrStdout()
	subs.Add(bus.Listen(eb, jobstatus.TopicStatusUpdated, func(f frame.StatusFrame) {
		printFrame(out, f, asJSON)
	}))

	tracing := jwotel.NewTracingHandler(tel.Tracer())
	subs.Add(bus.Listen(eb, jobstatus.TopicStatusUpdated, tracing.Handle))
	defer tracing.Flush()

	if record != "" {
		journal, err := hub.NewSQLiteFrameStore(hub.SQLiteStoreConfig{DSN: record})
		if err != nil {
			return exitError(exitRuntime, "opening record file: %v", err)
		}
		defer func() {
			_ = journal.Close()
		}()
		subs.Add(bus.Listen(eb, jobstatus.TopicStatusUpdated, hub.NewStoreSubscriber(journal, logger).Handle))
	}

	outcome := make(chan watchOutcome, 1)
	report := func(o watchOutcome) {
		select {
		case outcome <- o:
		default:
		}
	}
	subs.Add(bus.Listen(eb, jobstatus.TopicJobCompleted, func(f frame.StatusFrame) {
		report(watchOutcome{final: f})
	}))
	if !cfg.Watch.Reconnect {
		subs.Add(bus.Listen(eb, jobstatus.TopicJobStalled, func(e jobstatus.StallEvent) {
			report(watchOutcome{stalled: &e})
		}))
	}

	agg, err := jobstatus.NewAggregator(jobstatus.Config{
		Streams: client,
		Bus:     eb,
		Logger:  logger,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	watchdog, err := jobstatus.NewWatchdog(jobstatus.WatchdogConfig{
		Aggregator: agg,
		Bus:        eb,
		StallAfter: cfg.Watch.StallAfter.Std(),
		Schedule:   cfg.Watch.Schedule,
		Reconnect:  cfg.Watch.Reconnect,
		Logger:     logger,
	})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	agg.Track(args[0])
	defer agg.Untrack()
	watchdog.Start()
	defer func() {
		_ = watchdog.Stop(context.Background())
	}()

	select {
	case o := <-outcome:
		if o.stalled != nil {
			return exitError(exitStalled, "job %s: no frames for %s", o.stalled.JobID, o.stalled.Silence.Round(time.Second))
		}
		if o.final.Status != frame.StatusDone {
			return exitError(exitJobFailed, "job %s finished with status %s", o.final.JobID, o.final.Status)
		}
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return exitError(exitTimeout, "job %s: gave up after %s (%d frames received)", args[0], timeout, len(agg.Updates()))
		}
		return nil
	}
}

func applyWatchFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("stall-after") {
		d, _ := flags.GetDuration("stall-after")
		cfg.Watch.StallAfter = config.Duration(d)
	}
	if flags.Changed("check-schedule") {
		cfg.Watch.Schedule, _ = flags.GetString("check-schedule")
	}
	if flags.Changed("reconnect") {
		cfg.Watch.Reconnect, _ = flags.GetBool("reconnect")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
}

func printFrame(w io.Writer, f frame.StatusFrame, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(f)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", f.SequenceID, f.Status)
	if f.Stage != "" {
		fmt.Fprintf(&b, " [%s]", f.Stage)
	}
	if f.Progress != nil {
		fmt.Fprintf(&b, " %.0f%%", *f.Progress*100)
	}
	fmt.Fprintln(w, b.String())
}
