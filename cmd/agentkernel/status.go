package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360/agentkernel/discovery"
)

type statusFlags struct {
	id string
}

func newStatusCmd(root *rootFlags) *cobra.Command {
	flags := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List discovered kernels and their liveness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "report a single kernel")
	return cmd
}

func runStatus(cmd *cobra.Command, root *rootFlags, flags *statusFlags) error {
	scanner := discovery.NewScanner(discovery.WithLogger(setupLogger(root.logLevel, root.logFormat)))

	var kernels []discovery.Kernel
	if flags.id != "" {
		k, err := scanner.Find(flags.id)
		if err != nil {
			return err
		}
		kernels = []discovery.Kernel{*k}
	} else {
		var err error
		kernels, err = scanner.List()
		if err != nil {
			return err
		}
	}

	if len(kernels) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no kernels found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KERNEL ID\tPID\tSTATE\tTRANSPORT\tCONNECTION FILE")
	for _, k := range kernels {
		state := "dead"
		if k.Alive {
			state = "running"
		}
		transportKind := ""
		if k.Connection != nil {
			transportKind = k.Connection.Transport
		}
		pid := ""
		if k.PID > 0 {
			pid = fmt.Sprintf("%d", k.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, pid, state, transportKind, k.ConnectionFile)
	}
	return w.Flush()
}
