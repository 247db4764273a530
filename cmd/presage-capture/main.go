package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/saleslens/presage-capture/internal/capture"
	"github.com/saleslens/presage-capture/internal/capture/replay"
	"github.com/saleslens/presage-capture/internal/metrics"
	"github.com/saleslens/presage-capture/internal/profile"
	"github.com/saleslens/presage-capture/internal/version"
	"github.com/saleslens/presage-capture/store"
	"github.com/saleslens/presage-capture/store/db/sqlite"
)

const usageLine = "Usage: presage-capture --api-key=KEY --session-id=ID [--db-path=PATH]"

func newRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:     "presage-capture",
		Short:   "Capture camera physiology metrics into the shared SalesLens database.",
		Version: version.String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd services get their environment from the unit file.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			instanceProfile := profileFromViper(v)
			instanceProfile.FromEnv()
			if err := instanceProfile.Validate(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), usageLine)
				return err
			}
			cmd.SilenceUsage = true

			setupLogger(instanceProfile)
			return runCapture(cmd.Context(), instanceProfile)
		},
	}

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the process, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("db-path", "", "path to the shared SQLite database (default "+profile.DefaultDBPath+")")
	rootCmd.PersistentFlags().String("session-id", "", "session identifier every row is tagged with")
	rootCmd.PersistentFlags().Duration("busy-timeout", 0, "how long a write waits for the database lock (default 5s)")
	rootCmd.Flags().String("api-key", "", "SDK api key")
	rootCmd.Flags().String("source", "-", `recorded frame stream to replay, "-" for stdin`)
	rootCmd.Flags().Duration("replay-interval", time.Second, "delay between replayed frames, 0 replays unpaced")
	rootCmd.Flags().String("metrics-addr", "", "address for the Prometheus /metrics endpoint, disabled when empty")
	rootCmd.Flags().Int("log-every-n", 5, "log a metrics summary every n frames")
	rootCmd.Flags().Bool("migrate", true, "create the physiology table if it does not exist")

	bindFlags(v, rootCmd.PersistentFlags(), "mode", "db-path", "session-id", "busy-timeout")
	bindFlags(v, rootCmd.Flags(), "api-key", "source", "replay-interval", "metrics-addr", "log-every-n", "migrate")

	v.SetEnvPrefix("presage")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(newEventsCommand(v), newVersionCommand())
	return rootCmd
}

func profileFromViper(v *viper.Viper) *profile.Profile {
	return &profile.Profile{
		Mode:           v.GetString("mode"),
		APIKey:         v.GetString("api-key"),
		SessionID:      v.GetString("session-id"),
		DBPath:         v.GetString("db-path"),
		Source:         v.GetString("source"),
		MetricsAddr:    v.GetString("metrics-addr"),
		BusyTimeout:    v.GetDuration("busy-timeout"),
		ReplayInterval: v.GetDuration("replay-interval"),
		LogEveryN:      v.GetInt("log-every-n"),
		Migrate:        v.GetBool("migrate"),
	}
}

func runCapture(parent context.Context, p *profile.Profile) error {
	// Trigger graceful shutdown on SIGINT or SIGTERM.
	ctx, stop := signal.NotifyContext(parent, terminationSignals...)
	defer stop()

	writer, err := sqlite.NewEventWriter(ctx, p)
	if err != nil {
		slog.Error("failed to open physiology store", "db_path", p.DBPath, "error", err)
		return errors.Wrap(err, "failed to open physiology store")
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Warn("failed to close physiology store", "error", err)
		}
	}()

	exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())
	writer.SetObserver(exporter)
	adapter := capture.NewAdapter(writer,
		capture.WithRecorder(exporter),
		capture.WithLogEveryN(p.LogEveryN),
	)

	container, err := replay.New(replay.Settings{
		APIKey:   p.APIKey,
		Source:   p.Source,
		Interval: p.ReplayInterval,
	})
	if err != nil {
		slog.Error("failed to configure capture container", "error", err)
		return err
	}
	if err := container.SetOnCoreMetricsOutput(adapter.OnMetrics); err != nil {
		slog.Error("failed to set metrics callback", "error", err)
		return err
	}
	if err := container.Init(ctx); err != nil {
		slog.Error("failed to initialize capture container", "error", err)
		return err
	}

	slog.Info("capture started", "session_id", p.SessionID, "version", version.String())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if p.MetricsAddr != "" {
		srv := metrics.NewServer(p.MetricsAddr, exporter)
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error {
		// The metrics server lives only as long as the capture run.
		defer cancel()
		return container.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("capture stopped with error", "session_id", p.SessionID, "frames", adapter.Frames(), "error", err)
		return err
	}
	slog.Info("capture stopped", "session_id", p.SessionID, "frames", adapter.Frames())
	return nil
}

func newEventsCommand(v *viper.Viper) *cobra.Command {
	var fromMs, toMs int64
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print a session's physiology events as JSON lines.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := profileFromViper(v)
			p.FromEnv()
			// Reading needs no SDK credential, so Validate does not apply.
			if p.SessionID == "" {
				return profile.ErrMissingSessionID
			}
			if p.DBPath == "" {
				p.DBPath = profile.DefaultDBPath
			}
			cmd.SilenceUsage = true
			setupLogger(p)

			ctx := cmd.Context()
			driver, err := sqlite.Open(ctx, p)
			if err != nil {
				return err
			}
			s := store.New(driver)
			defer s.Close()

			initialized, err := s.IsInitialized(ctx)
			if err != nil {
				return err
			}
			if !initialized {
				return errors.Errorf("no physiology_events table in %s", p.DBPath)
			}

			find := &store.FindPhysiologyEvent{SessionID: p.SessionID}
			if cmd.Flags().Changed("from-ms") {
				find.FromMs = &fromMs
			}
			if cmd.Flags().Changed("to-ms") {
				find.ToMs = &toMs
			}
			if limit > 0 {
				find.Limit = &limit
			}

			events, err := s.ListPhysiologyEvents(ctx, find)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, event := range events {
				if err := enc.Encode(toJSON(event)); err != nil {
					return errors.Wrap(err, "failed to write event")
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&fromMs, "from-ms", 0, "only events at or after this timestamp")
	cmd.Flags().Int64Var(&toMs, "to-ms", 0, "only events at or before this timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events, 0 for all")
	return cmd
}

// eventJSON matches the PhysiologyEvent model shared with the Python modules.
type eventJSON struct {
	SessionID     string   `json:"session_id"`
	TimestampMs   int64    `json:"timestamp_ms"`
	HeartRate     *float64 `json:"heart_rate"`
	HRV           *float64 `json:"hrv"`
	BreathingRate *float64 `json:"breathing_rate"`
	Phasic        *float64 `json:"phasic"`
	EmotionScore  float64  `json:"emotion_score"`
	Engagement    *float64 `json:"engagement"`
	BlinkRate     *float64 `json:"blink_rate"`
	IsTalking     bool     `json:"is_talking"`
}

func toJSON(e *store.PhysiologyEvent) eventJSON {
	return eventJSON{
		SessionID:     e.SessionID,
		TimestampMs:   e.TimestampMs,
		HeartRate:     e.HeartRate,
		HRV:           e.HRV,
		BreathingRate: e.BreathingRate,
		Phasic:        e.Phasic,
		EmotionScore:  e.EmotionScore,
		Engagement:    e.Engagement,
		BlinkRate:     e.BlinkRate,
		IsTalking:     e.IsTalking,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information.",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.StringFull())
		},
	}
}

func setupLogger(p *profile.Profile) {
	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
