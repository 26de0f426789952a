// Package kernel is the composition root: it wires the wire codec, the
// transport, the router, the managers, and the protocol engine into a
// runnable kernel, embedded or service-hosted.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/debug"
	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/hooks"
	"github.com/c360/agentkernel/metric"
	"github.com/c360/agentkernel/policy"
	"github.com/c360/agentkernel/protocol"
	"github.com/c360/agentkernel/router"
	"github.com/c360/agentkernel/runtime"
	"github.com/c360/agentkernel/session"
	"github.com/c360/agentkernel/state"
	"github.com/c360/agentkernel/transport"
	"github.com/c360/agentkernel/wire"
)

// Kernel owns the full component stack for one kernel instance.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.Registry
	core     *metric.Core

	codec     *wire.Codec
	transport transport.Transport
	router    *router.Router

	hooks    *hooks.Pipeline
	debugMgr *debug.Manager
	stateMgr *state.Manager
	sessions *session.Manager
	limiter  *policy.RateLimiter
	engine   *protocol.Engine

	lastActivity atomic.Int64 // unix nanos

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	shutdownCh chan struct{}
}

// Option configures a Kernel.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	host        protocol.ScriptHost
	tools       protocol.ToolRegistry
	hookStorage hooks.Storage
	persistence state.Persistence
}

// WithLogger sets the kernel logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithScriptHost attaches the script collaborator.
func WithScriptHost(host protocol.ScriptHost) Option {
	return func(o *options) { o.host = host }
}

// WithToolRegistry attaches the tool collaborator.
func WithToolRegistry(tools protocol.ToolRegistry) Option {
	return func(o *options) { o.tools = tools }
}

// WithHookStorage overrides hook record persistence. Defaults to the file
// backend under the state directory, or memory when no directory is set.
func WithHookStorage(s hooks.Storage) Option {
	return func(o *options) { o.hookStorage = s }
}

// WithStatePersistence overrides state persistence, same default rule.
func WithStatePersistence(p state.Persistence) Option {
	return func(o *options) { o.persistence = p }
}

// New builds a kernel over the given transport.
func New(cfg *config.Config, tp transport.Transport, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	codec, err := wire.NewCodec(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	registry := metric.NewRegistry()
	core := registry.Core

	hookStorage := o.hookStorage
	persistence := o.persistence
	if cfg.StateDir != "" {
		if hookStorage == nil {
			hookStorage, err = hooks.NewFileStorage(cfg.StateDir + "/hooks")
			if err != nil {
				return nil, err
			}
		}
		if persistence == nil {
			persistence, err = state.NewFilePersistence(cfg.StateDir)
			if err != nil {
				return nil, err
			}
		}
	}
	if hookStorage == nil {
		hookStorage = hooks.NewMemoryStorage()
	}
	if persistence == nil {
		persistence = state.NewMemoryPersistence()
	}

	pipeline := hooks.NewPipeline(hooks.PipelineConfig{}, hookStorage,
		hooks.WithPipelineLogger(o.logger))

	stateMgr, err := state.NewManager(persistence,
		state.WithHookPipeline(pipeline),
		state.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	limiter := policy.NewRateLimiter(policy.DefaultRateLimiterConfig())
	sessions := session.NewManager(session.Config{
		DefaultTTL:      cfg.SessionTTL,
		ResumeOnRestart: cfg.ResumeOnRestart,
		DefaultPolicies: []policy.Policy{
			&policy.RatePolicy{Limiter: limiter, Key: "session-messages"},
		},
	}, session.WithLogger(o.logger), session.WithMetrics(core))

	integration := session.NewKernelIntegration(sessions,
		session.WithIntegrationLogger(o.logger),
		session.WithIntegrationMetrics(core))

	debugMgr := debug.NewManager(debug.WithLogger(o.logger))

	rtr := router.New(1024,
		router.WithLogger(o.logger),
		router.WithMetrics(core),
		router.WithMaxClients(routerCap(cfg.MaxClients)))

	k := &Kernel{
		cfg:        cfg,
		logger:     o.logger,
		registry:   registry,
		core:       core,
		codec:      codec,
		transport:  tp,
		router:     rtr,
		hooks:      pipeline,
		debugMgr:   debugMgr,
		stateMgr:   stateMgr,
		sessions:   sessions,
		limiter:    limiter,
		shutdownCh: make(chan struct{}),
	}

	k.engine = protocol.NewEngine(protocol.Config{}, k, o.host, debugMgr,
		protocol.WithLogger(o.logger),
		protocol.WithMetrics(core),
		protocol.WithHookPipeline(pipeline),
		protocol.WithSessionIntegration(integration),
		protocol.WithToolRegistry(o.tools),
		protocol.WithShutdownFunc(k.requestShutdown))

	// The transport itself is the first iopub subscriber; service hosts
	// register further clients as they connect, bounded by the max-clients
	// cap.
	if _, err := rtr.RegisterClient("", router.SinkFunc(func(msg *wire.Message) error {
		return k.sendEncoded(wire.ChannelIOPub, msg)
	})); err != nil {
		return nil, err
	}

	runtime.Global().SetMetrics(core)
	k.touchActivity()
	return k, nil
}

// routerCap reserves a slot for the kernel's own transport sink on top of
// the configured client cap.
func routerCap(maxClients int) int {
	if maxClients <= 0 {
		return 0
	}
	return maxClients + 1
}

// Start launches the channel serve loops.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return errors.WrapKind(errors.KindConflict, errors.ErrAlreadyStarted, "Kernel", "Start", k.cfg.KernelID)
	}

	ctx, k.cancel = context.WithCancel(ctx)
	k.sessions.StartTTLCleanup(ctx)

	for _, ch := range k.transport.Channels() {
		ch := ch
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			k.serveChannel(ctx, ch)
		}()
	}

	k.logger.Info("Kernel started",
		"kernel_id", k.cfg.KernelID,
		"transport", k.cfg.Transport)
	return nil
}

// Stop drains and tears the kernel down. Safe to call once.
func (k *Kernel) Stop() error {
	if !k.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if k.cancel != nil {
		k.cancel()
	}
	k.sessions.StopTTLCleanup()
	k.engine.Close()
	err := k.transport.Close()
	k.wg.Wait()
	k.logger.Info("Kernel stopped", "kernel_id", k.cfg.KernelID)
	return err
}

// ShutdownRequested is closed when a shutdown_request arrived; hosts use it
// to exit their run loop.
func (k *Kernel) ShutdownRequested() <-chan struct{} { return k.shutdownCh }

func (k *Kernel) requestShutdown(restart bool) {
	k.logger.Info("Shutdown requested", "restart", restart)
	select {
	case <-k.shutdownCh:
	default:
		close(k.shutdownCh)
	}
}

// LastActivity reports when the kernel last processed a message.
func (k *Kernel) LastActivity() time.Time {
	return time.Unix(0, k.lastActivity.Load())
}

func (k *Kernel) touchActivity() {
	k.lastActivity.Store(time.Now().UnixNano())
}

// Registry exposes the metric registry for an HTTP scrape handler.
func (k *Kernel) Registry() *metric.Registry { return k.registry }

// Engine exposes the protocol engine for collaborator registration.
func (k *Kernel) Engine() *protocol.Engine { return k.engine }

// StateManager exposes the scoped key/value store.
func (k *Kernel) StateManager() *state.Manager { return k.stateMgr }

// SessionManager exposes session lifecycle operations.
func (k *Kernel) SessionManager() *session.Manager { return k.sessions }

// HookPipeline exposes hook registration and replay.
func (k *Kernel) HookPipeline() *hooks.Pipeline { return k.hooks }

// DebugManager exposes the execution manager.
func (k *Kernel) DebugManager() *debug.Manager { return k.debugMgr }

// Router exposes client registration for service hosts.
func (k *Kernel) Router() *router.Router { return k.router }

func (k *Kernel) serveChannel(ctx context.Context, channel wire.Channel) {
	for {
		frames, err := k.transport.Recv(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Warn("Transport receive failed", "channel", channel, "error", err)
			return
		}
		k.touchActivity()

		if channel == wire.ChannelHeartbeat {
			// Heartbeat echoes frames back verbatim.
			if err := k.transport.Send(ctx, channel, frames); err != nil {
				k.logger.Warn("Heartbeat echo failed", "error", err)
			}
			continue
		}

		msg, err := k.codec.Decode(frames, channel)
		if err != nil {
			k.handleDecodeError(channel, err)
			continue
		}

		switch channel {
		case wire.ChannelShell:
			if err := k.engine.HandleShell(msg); err != nil {
				k.logger.Warn("Shell enqueue failed", "msg_type", msg.Header.MsgType, "error", err)
			}
		case wire.ChannelControl:
			k.engine.HandleControl(msg)
		case wire.ChannelStdin:
			// Inbound stdin traffic is a client's input_reply; nothing waits
			// on it unless a collaborator asked, so log and move on.
			k.logger.Debug("Unsolicited stdin message", "msg_type", msg.Header.MsgType)
		default:
			k.logger.Debug("Inbound message on outbound channel", "channel", channel)
		}
	}
}

// handleDecodeError enforces the frame-level error contract: auth failures
// are dropped and counted, malformed frames are logged.
func (k *Kernel) handleDecodeError(channel wire.Channel, err error) {
	kind := errors.KindOf(err)
	k.core.ErrorsTotal.WithLabelValues("WireCodec", kind.String()).Inc()
	if kind == errors.KindAuth {
		k.logger.Warn("Dropping frame with bad signature", "channel", channel)
		return
	}
	k.logger.Warn("Malformed frame", "channel", channel, "error", err)
}

// sendEncoded signs and ships one message on a channel.
func (k *Kernel) sendEncoded(channel wire.Channel, msg *wire.Message) error {
	frames, err := k.codec.Encode(msg, channel)
	if err != nil {
		return err
	}
	return k.transport.Send(context.Background(), channel, frames)
}

// SendReply implements protocol.Publisher.
func (k *Kernel) SendReply(channel wire.Channel, msg *wire.Message) error {
	k.touchActivity()
	return k.sendEncoded(channel, msg)
}

// PublishIOPub implements protocol.Publisher: iopub messages fan out to all
// registered clients via the router.
func (k *Kernel) PublishIOPub(msg *wire.Message) error {
	return k.router.Route(msg, router.BroadcastDest())
}

// String identifies the kernel in logs.
func (k *Kernel) String() string {
	return fmt.Sprintf("kernel(%s)", k.cfg.KernelID)
}
