package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/kernel"
	"github.com/c360/agentkernel/service"
	"github.com/c360/agentkernel/transport"
)

type startFlags struct {
	port           int
	daemon         bool
	id             string
	connectionFile string
	logFile        string
	pidFile        string
	idleTimeout    time.Duration
	maxClients     int
	transportKind  string
	natsURL        string
	stateDir       string
	resume         bool
}

func newStartCmd(root *rootFlags) *cobra.Command {
	flags := &startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a kernel, foreground or as a daemon",
		Long: `Start a kernel process. The kernel writes a connection file containing
its id, channel endpoints, and signing key; clients use it to connect.
With --daemon the process detaches and logs to --log-file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, root, flags)
		},
	}
	cmd.Flags().IntVar(&flags.port, "port", 0, "base channel port (consecutive ports from here)")
	cmd.Flags().BoolVar(&flags.daemon, "daemon", false, "detach and run as a background service")
	cmd.Flags().StringVar(&flags.id, "id", "", "kernel id (generated when empty)")
	cmd.Flags().StringVar(&flags.connectionFile, "connection-file", "", "connection file path")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "log file path (required with --daemon)")
	cmd.Flags().StringVar(&flags.pidFile, "pid-file", "", "PID file path")
	cmd.Flags().DurationVar(&flags.idleTimeout, "idle-timeout", 0, "shut down after this long without activity (0 = never)")
	cmd.Flags().IntVar(&flags.maxClients, "max-clients", 0, "maximum concurrent clients (0 = default)")
	cmd.Flags().StringVar(&flags.transportKind, "transport", "nats", "transport (nats, inproc)")
	cmd.Flags().StringVar(&flags.natsURL, "nats-url", "", "NATS server URL (default nats://127.0.0.1:4222)")
	cmd.Flags().StringVar(&flags.stateDir, "state-dir", "", "directory for persisted state and hook history")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "resume persisted active sessions instead of failing them")
	return cmd
}

func runStart(cmd *cobra.Command, root *rootFlags, flags *startFlags) error {
	cfg := config.Default()
	cfg.ApplyEnv()
	cfg.Transport = flags.transportKind
	cfg.LogLevel = root.logLevel
	if flags.port > 0 {
		cfg.BasePort = flags.port
	}
	if flags.id != "" {
		cfg.KernelID = flags.id
	}
	cfg.Daemon = flags.daemon
	cfg.ConnectionFile = flags.connectionFile
	cfg.LogFile = flags.logFile
	cfg.PIDFile = flags.pidFile
	cfg.IdleTimeout = flags.idleTimeout
	if flags.maxClients > 0 {
		cfg.MaxClients = flags.maxClients
	}
	if flags.stateDir != "" {
		cfg.StateDir = flags.stateDir
	}
	cfg.ResumeOnRestart = flags.resume

	if err := cfg.Validate(); err != nil {
		return withExitCode(exitInvalidArgs, err)
	}
	if cfg.Daemon && cfg.LogFile == "" {
		return withExitCode(exitInvalidArgs,
			fmt.Errorf("%w: --daemon requires --log-file", errors.ErrInvalidConfig))
	}

	if cfg.Daemon {
		if err := service.Daemonize(); err != nil {
			return err
		}
	}

	logger := setupLogger(root.logLevel, root.logFormat)

	tp, err := buildTransport(cfg, flags, logger)
	if err != nil {
		return err
	}

	k, err := kernel.New(cfg, tp, kernel.WithLogger(logger))
	if err != nil {
		return err
	}

	svc := service.New(cfg, k, service.WithLogger(logger))
	logger.Info("starting kernel",
		"kernel_id", cfg.KernelID,
		"transport", cfg.Transport,
		"daemon", cfg.Daemon)
	return svc.Run(cmd.Context())
}

func buildTransport(cfg *config.Config, flags *startFlags, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "nats":
		return transport.NewNATS(transport.NATSConfig{
			URL:      flags.natsURL,
			KernelID: cfg.KernelID,
			Name:     appName + "-" + cfg.KernelID,
			Side:     transport.SideKernel,
		}, logger)
	case "inproc":
		return transport.NewInproc(), nil
	default:
		return nil, withExitCode(exitInvalidArgs, fmt.Errorf(
			"%w: transport %q is not hosted by this command", errors.ErrInvalidConfig, cfg.Transport))
	}
}
