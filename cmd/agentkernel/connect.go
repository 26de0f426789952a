package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/discovery"
	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/transport"
	"github.com/c360/agentkernel/wire"
)

type connectFlags struct {
	address        string
	connectionFile string
	id             string
	timeout        time.Duration
}

func newConnectCmd(root *rootFlags) *cobra.Command {
	flags := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a REPL against a running kernel",
		Long: `Connect to a running kernel and evaluate code interactively. The kernel
is located through its connection file: pass one explicitly, name a kernel
id to look it up, or let discovery pick the only running kernel.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd, root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.address, "address", "", "transport address override (NATS URL)")
	cmd.Flags().StringVar(&flags.connectionFile, "connection-file", "", "connection file path")
	cmd.Flags().StringVar(&flags.id, "id", "", "kernel id to connect to")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "per-request reply timeout")
	return cmd
}

func runConnect(cmd *cobra.Command, root *rootFlags, flags *connectFlags) error {
	logger := setupLogger(root.logLevel, root.logFormat)

	cf, err := resolveConnection(flags)
	if err != nil {
		return err
	}

	codec, err := wire.NewCodec(cf.SigningKey)
	if err != nil {
		return err
	}

	tp, err := transport.NewNATS(transport.NATSConfig{
		URL:      flags.address,
		KernelID: cf.KernelID,
		Name:     appName + "-repl",
		Side:     transport.SideClient,
	}, logger)
	if err != nil {
		return err
	}
	defer tp.Close()

	repl := &repl{
		codec:   codec,
		tp:      tp,
		session: uuid.NewString(),
		timeout: flags.timeout,
		out:     cmd.OutOrStdout(),
	}
	fmt.Fprintf(repl.out, "connected to kernel %s (type exit to leave)\n", cf.KernelID)
	return repl.loop(cmd.Context(), cmd.InOrStdin())
}

// resolveConnection finds the kernel's connection file: explicit path first,
// then id lookup, then the single discovered live kernel.
func resolveConnection(flags *connectFlags) (*config.ConnectionFile, error) {
	if flags.connectionFile != "" {
		return config.LoadConnectionFile(flags.connectionFile)
	}

	scanner := discovery.NewScanner()
	if flags.id != "" {
		k, err := scanner.Find(flags.id)
		if err != nil {
			return nil, err
		}
		if k.Connection == nil {
			return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKernelNotFound,
				"connect", "resolveConnection", "no connection file for "+flags.id)
		}
		return k.Connection, nil
	}

	kernels, err := scanner.List()
	if err != nil {
		return nil, err
	}
	var live []*config.ConnectionFile
	for i := range kernels {
		if kernels[i].Alive && kernels[i].Connection != nil {
			live = append(live, kernels[i].Connection)
		}
	}
	switch len(live) {
	case 0:
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKernelNotFound,
			"connect", "resolveConnection", "no running kernels")
	case 1:
		return live[0], nil
	default:
		return nil, withExitCode(exitInvalidArgs,
			fmt.Errorf("%w: %d kernels running, pass --id", errors.ErrInvalidConfig, len(live)))
	}
}

// repl runs a line-at-a-time evaluation loop over the shell and iopub
// channels.
type repl struct {
	codec   *wire.Codec
	tp      transport.Transport
	session string
	timeout time.Duration
	out     io.Writer

	execCount int
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// iopub pump: stream output and errors print as they arrive.
	idle := make(chan string, 16)
	go r.pumpIOPub(ctx, idle)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(r.out, "In [%d]: ", r.execCount+1)
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		code := strings.TrimSpace(scanner.Text())
		switch code {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := r.execute(ctx, code, idle); err != nil {
			return err
		}
	}
}

func (r *repl) execute(ctx context.Context, code string, idle chan string) error {
	req := &wire.Message{
		Identities: [][]byte{[]byte(r.session)},
		Header:     wire.NewHeader("execute_request", r.session, "repl"),
		Metadata:   map[string]any{},
		Content:    map[string]any{"code": code, "silent": false},
	}
	frames, err := r.codec.Encode(req, wire.ChannelShell)
	if err != nil {
		return err
	}
	if err := r.tp.Send(ctx, wire.ChannelShell, frames); err != nil {
		return err
	}

	reply, err := r.awaitReply(ctx, req.Header.MsgID)
	if err != nil {
		return err
	}
	if status, _ := reply.Content["status"].(string); status == "ok" {
		if n, ok := reply.Content["execution_count"].(float64); ok {
			r.execCount = int(n)
		} else {
			r.execCount++
		}
	}

	// Wait for the idle marker so trailing output lands before the prompt.
	r.awaitIdle(ctx, req.Header.MsgID, idle)
	return nil
}

func (r *repl) awaitReply(ctx context.Context, msgID string) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	for {
		frames, err := r.tp.Recv(ctx, wire.ChannelShell)
		if err != nil {
			return nil, err
		}
		msg, err := r.codec.Decode(frames, wire.ChannelShell)
		if err != nil {
			continue
		}
		if msg.ParentHeader != nil && msg.ParentHeader.MsgID == msgID {
			return msg, nil
		}
	}
}

func (r *repl) awaitIdle(ctx context.Context, msgID string, idle chan string) {
	deadline := time.After(r.timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case id := <-idle:
			if id == msgID {
				return
			}
		}
	}
}

func (r *repl) pumpIOPub(ctx context.Context, idle chan string) {
	for {
		frames, err := r.tp.Recv(ctx, wire.ChannelIOPub)
		if err != nil {
			return
		}
		msg, err := r.codec.Decode(frames, wire.ChannelIOPub)
		if err != nil {
			continue
		}
		switch msg.Header.MsgType {
		case "stream":
			if text, ok := msg.Content["text"].(string); ok {
				fmt.Fprint(r.out, text)
			}
		case "error":
			ename, _ := msg.Content["ename"].(string)
			evalue, _ := msg.Content["evalue"].(string)
			fmt.Fprintf(r.out, "%s: %s\n", ename, evalue)
		case "status":
			if state, _ := msg.Content["execution_state"].(string); state == "idle" {
				if msg.ParentHeader != nil {
					select {
					case idle <- msg.ParentHeader.MsgID:
					default:
					}
				}
			}
		}
	}
}
