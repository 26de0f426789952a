package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/agentkernel/discovery"
	"github.com/c360/agentkernel/errors"
)

type stopFlags struct {
	id        string
	pidFile   string
	all       bool
	force     bool
	timeout   time.Duration
	noCleanup bool
}

func newStopCmd(root *rootFlags) *cobra.Command {
	flags := &stopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop one or all running kernels",
		Long: `Stop a kernel gracefully: SIGTERM, then SIGKILL once the timeout expires.
Target exactly one of --id, --pid-file, or --all. Connection and PID files
are removed unless --no-cleanup is set; log files are preserved.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "kernel id to stop")
	cmd.Flags().StringVar(&flags.pidFile, "pid-file", "", "PID file of the kernel to stop")
	cmd.Flags().BoolVar(&flags.all, "all", false, "stop every discovered kernel")
	cmd.Flags().BoolVar(&flags.force, "force", false, "send SIGKILL immediately")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "graceful stop timeout")
	cmd.Flags().BoolVar(&flags.noCleanup, "no-cleanup", false, "leave connection and PID files in place")
	return cmd
}

func runStop(cmd *cobra.Command, root *rootFlags, flags *stopFlags) error {
	targets := 0
	if flags.id != "" {
		targets++
	}
	if flags.pidFile != "" {
		targets++
	}
	if flags.all {
		targets++
	}
	if targets != 1 {
		return withExitCode(exitInvalidArgs,
			fmt.Errorf("%w: pass exactly one of --id, --pid-file, --all", errors.ErrInvalidConfig))
	}

	scanner := discovery.NewScanner(discovery.WithLogger(setupLogger(root.logLevel, root.logFormat)))
	opts := discovery.StopOptions{
		Timeout:     flags.timeout,
		Force:       flags.force,
		SkipCleanup: flags.noCleanup,
	}

	switch {
	case flags.id != "":
		if err := scanner.Stop(cmd.Context(), flags.id, opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", flags.id)
		return nil
	case flags.pidFile != "":
		if err := scanner.StopByPIDFile(cmd.Context(), flags.pidFile, opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped kernel from %s\n", flags.pidFile)
		return nil
	default:
		stopped, err := scanner.StopAll(cmd.Context(), opts)
		fmt.Fprintf(cmd.OutOrStdout(), "stopped %d kernel(s)\n", stopped)
		if err != nil {
			return withExitCode(exitPartialFailure, err)
		}
		return nil
	}
}
