package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Agent/tool orchestration kernel",
		Long:          "agentkernel hosts script execution, tools, state, and sessions behind a multi-channel signed wire protocol.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withExitCode(exitInvalidArgs, err)
	})

	cmd.AddCommand(
		newStartCmd(flags),
		newConnectCmd(flags),
		newStopCmd(flags),
		newStatusCmd(flags),
	)
	return cmd
}
