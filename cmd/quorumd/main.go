package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quorumd/internal/buildinfo"
	"quorumd/internal/logging"
	"quorumd/internal/member"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "quorumd",
		Short:   "Cluster membership and liveness daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, configPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", "/etc/quorumd/config.yaml", "Path to the membership config file")
	return cmd
}

// runDaemon wires the membership core's components and runs the Monitor
// until ctx is canceled or Monitor.Run returns a fatal error.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := member.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := member.OpenStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open membership store: %w", err)
	}
	defer store.Close()

	state := member.NewMembershipState(cfg.SelfID, cfg.NNodes, cfg.MajorNode, member.NopResolver{}, slog.Default())
	connectivity := member.NewConnectivityTracker(cfg.SelfID, cfg.NNodes)

	var referee member.RefereeArbiter
	if cfg.RefereeConnStr != "" {
		referee = member.NewRefereeClient(cfg.RefereeConnStr)
	}

	// NewMonitor wires state.SetDonorStore(store); the Recovered -> Online
	// transition itself re-reads any stale referee winner left by a prior
	// process, so no separate restart check is needed here.
	mon := member.NewMonitor(state, connectivity, referee, store, nil, nil, cfg, slog.Default())
	mon.OnFailure = func(err error) {
		slog.Warn("monitor tick failed", "error", err)
	}

	slog.Info("quorumd started", "self_id", cfg.SelfID, "n_nodes", cfg.NNodes)
	return mon.Run(ctx)
}
