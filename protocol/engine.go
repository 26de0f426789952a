// Package protocol implements the kernel's request dispatch: per-channel
// handlers for the recognised message types, status bracketing on the
// broadcast channel, per-session shell serialisation, and the translation
// of handler errors into typed replies.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/agentkernel/debug"
	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/hooks"
	"github.com/c360/agentkernel/metric"
	"github.com/c360/agentkernel/session"
	"github.com/c360/agentkernel/wire"
)

// Version is the kernel implementation version reported by kernel_info.
const Version = "0.9.0"

// Publisher is the engine's outbound surface. Replies go back on the
// originating channel; iopub messages fan out to every client.
type Publisher interface {
	SendReply(channel wire.Channel, msg *wire.Message) error
	PublishIOPub(msg *wire.Message) error
}

// StreamWriter receives script output while an execution runs.
type StreamWriter interface {
	Stream(name, text string)
}

// ScriptHost evaluates code. Implementations poll the execution manager's
// interrupt flag at safe points and return ErrInterrupted when it is set.
type ScriptHost interface {
	Execute(ctx context.Context, code string, out StreamWriter) error
}

// ToolRegistry is the tool protocol collaborator.
type ToolRegistry interface {
	HandleToolRequest(ctx context.Context, content map[string]any) (map[string]any, error)
}

// Config controls engine behaviour.
type Config struct {
	// ShellQueueDepth bounds each session's pending shell requests.
	ShellQueueDepth int
	// LanguageName and LanguageVersion feed the kernel_info reply.
	LanguageName    string
	LanguageVersion string
	// Banner is the kernel_info greeting line.
	Banner string
}

// Engine dispatches parsed requests.
type Engine struct {
	cfg     Config
	pub     Publisher
	host    ScriptHost
	tools   ToolRegistry
	debug   *debug.Manager
	hooks   *hooks.Pipeline
	sess    *session.KernelIntegration
	logger  *slog.Logger
	metrics *metric.Core

	execCount atomic.Int64

	// queues is the per-session shell serialisation point: one goroutine
	// consumes each queue, so shell requests of a session run FIFO while
	// control requests bypass the queues entirely.
	queueMu sync.Mutex
	queues  map[string]chan *wire.Message
	wg      sync.WaitGroup
	closed  atomic.Bool

	adapterMu sync.Mutex
	adapters  map[string]*debug.Adapter

	commMu      sync.Mutex
	comms       map[string]*comm
	commTargets map[string]CommTarget

	onShutdown func(restart bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithToolRegistry attaches the tool collaborator.
func WithToolRegistry(tools ToolRegistry) Option {
	return func(e *Engine) { e.tools = tools }
}

// WithHookPipeline attaches the hook pipeline; tool execution dispatches the
// tool hook points through it.
func WithHookPipeline(p *hooks.Pipeline) Option {
	return func(e *Engine) { e.hooks = p }
}

// WithSessionIntegration attaches per-session policy enforcement.
func WithSessionIntegration(ki *session.KernelIntegration) Option {
	return func(e *Engine) { e.sess = ki }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics wires kernel metrics.
func WithMetrics(core *metric.Core) Option {
	return func(e *Engine) { e.metrics = core }
}

// WithShutdownFunc sets the callback invoked after a shutdown_request reply
// is sent.
func WithShutdownFunc(fn func(restart bool)) Option {
	return func(e *Engine) { e.onShutdown = fn }
}

// NewEngine creates a protocol engine. host may be nil when the kernel runs
// without a script collaborator; execute requests then fail as execution
// errors.
func NewEngine(cfg Config, pub Publisher, host ScriptHost, dbg *debug.Manager, opts ...Option) *Engine {
	if cfg.ShellQueueDepth <= 0 {
		cfg.ShellQueueDepth = 64
	}
	if cfg.LanguageName == "" {
		cfg.LanguageName = "lua"
	}
	e := &Engine{
		cfg:      cfg,
		pub:      pub,
		host:     host,
		debug:    dbg,
		logger:   slog.Default(),
		queues:   map[string]chan *wire.Message{},
		adapters: map[string]*debug.Adapter{},
		comms:    map[string]*comm{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleShell enqueues a shell request onto its session's FIFO.
func (e *Engine) HandleShell(msg *wire.Message) error {
	if e.closed.Load() {
		return errors.WrapKind(errors.KindFatal, errors.ErrShuttingDown, "ProtocolEngine", "HandleShell", msg.Header.MsgType)
	}

	e.queueMu.Lock()
	q, ok := e.queues[msg.Header.Session]
	if !ok {
		q = make(chan *wire.Message, e.cfg.ShellQueueDepth)
		e.queues[msg.Header.Session] = q
		e.wg.Add(1)
		go e.shellLoop(q)
	}
	e.queueMu.Unlock()

	select {
	case q <- msg:
		return nil
	default:
		return errors.WrapKind(errors.KindPolicyDenied, errors.ErrLimitExceeded,
			"ProtocolEngine", "HandleShell", "shell queue full")
	}
}

func (e *Engine) shellLoop(q chan *wire.Message) {
	defer e.wg.Done()
	for msg := range q {
		e.dispatch(wire.ChannelShell, msg)
	}
}

// HandleControl dispatches a control request immediately; control traffic
// preempts the shell queues.
func (e *Engine) HandleControl(msg *wire.Message) {
	e.dispatch(wire.ChannelControl, msg)
}

// Close drains the shell queues and stops their goroutines.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.queueMu.Lock()
	for _, q := range e.queues {
		close(q)
	}
	e.queues = map[string]chan *wire.Message{}
	e.queueMu.Unlock()
	e.wg.Wait()
}

// ExecutionCount returns the number of completed execute requests.
func (e *Engine) ExecutionCount() int64 { return e.execCount.Load() }

func (e *Engine) dispatch(channel wire.Channel, msg *wire.Message) {
	start := time.Now()
	msgType := msg.Header.MsgType
	if e.metrics != nil {
		e.metrics.MessagesReceived.WithLabelValues(string(channel), msgType).Inc()
		defer func() {
			e.metrics.HandlerDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
		}()
	}

	if e.sess != nil && channel == wire.ChannelShell {
		if err := e.sess.HandleKernelMessage(msg); err != nil {
			e.replyError(channel, msg, err)
			return
		}
	}

	e.publishStatus(msg, "busy")

	var err error
	switch msgType {
	case "kernel_info_request":
		err = e.handleKernelInfo(channel, msg)
	case "execute_request":
		err = e.handleExecute(channel, msg)
	case "shutdown_request":
		err = e.handleShutdown(channel, msg)
	case "interrupt_request":
		err = e.handleInterrupt(channel, msg)
	case "tool_request":
		err = e.handleTool(channel, msg)
	case "debug_request":
		err = e.handleDebug(channel, msg)
	case "comm_open":
		err = e.handleCommOpen(msg)
	case "comm_msg":
		err = e.handleCommMsg(msg)
	case "comm_close":
		err = e.handleCommClose(msg)
	case "comm_info_request":
		err = e.handleCommInfo(channel, msg)
	default:
		err = errors.WrapProtocol(
			fmt.Errorf("%w: %s", errors.ErrUnknownMsgType, msgType),
			"ProtocolEngine", "dispatch", msgType)
	}

	if err != nil {
		e.replyError(channel, msg, err)
	}

	// The final idle goes out after the reply is enqueued so clients that
	// expect iopub completion last observe a consistent order.
	e.publishStatus(msg, "idle")
}

func (e *Engine) publishStatus(parent *wire.Message, state string) {
	status := parent.Child("status", map[string]any{"execution_state": state})
	if err := e.pub.PublishIOPub(status); err != nil {
		e.logger.Warn("Status publish failed", "state", state, "error", err)
	}
}

func (e *Engine) reply(channel wire.Channel, req *wire.Message, msgType string, content map[string]any) error {
	if err := e.pub.SendReply(channel, req.Reply(msgType, content)); err != nil {
		return errors.WrapTransport(err, "ProtocolEngine", "reply", msgType)
	}
	if e.metrics != nil {
		status, _ := content["status"].(string)
		if status == "" {
			status = "ok"
		}
		e.metrics.RepliesSent.WithLabelValues(msgType, status).Inc()
	}
	return nil
}

// replyError produces exactly one typed error reply on the originating
// channel plus one iopub error envelope.
func (e *Engine) replyError(channel wire.Channel, req *wire.Message, cause error) {
	kind := errors.KindOf(cause)
	ename := kind.String()
	if errors.Is(cause, errors.ErrInterrupted) {
		ename = "Interrupted"
	}
	content := map[string]any{
		"status":    "error",
		"ename":     ename,
		"evalue":    cause.Error(),
		"traceback": []string{},
	}

	replyType := strings.TrimSuffix(req.Header.MsgType, "_request") + "_reply"
	if err := e.pub.SendReply(channel, req.Reply(replyType, content)); err != nil {
		e.logger.Error("Error reply failed", "msg_type", replyType, "error", err)
	}
	if err := e.pub.PublishIOPub(req.Child("error", content)); err != nil {
		e.logger.Warn("Error publish failed", "error", err)
	}

	if e.metrics != nil {
		e.metrics.RepliesSent.WithLabelValues(replyType, "error").Inc()
		e.metrics.ErrorsTotal.WithLabelValues("ProtocolEngine", ename).Inc()
	}
	e.logger.Debug("Request failed", "msg_type", req.Header.MsgType, "kind", ename, "error", cause)
}

func (e *Engine) handleKernelInfo(channel wire.Channel, msg *wire.Message) error {
	return e.reply(channel, msg, "kernel_info_reply", map[string]any{
		"status":                 "ok",
		"protocol_version":       wire.ProtocolVersion,
		"implementation":         "agentkernel",
		"implementation_version": Version,
		"banner":                 e.cfg.Banner,
		"language_info": map[string]any{
			"name":    e.cfg.LanguageName,
			"version": e.cfg.LanguageVersion,
		},
	})
}

// streamPublisher forwards script output as iopub stream messages carrying
// the request's parent header.
type streamPublisher struct {
	engine *Engine
	parent *wire.Message
}

// Stream implements StreamWriter.
func (s *streamPublisher) Stream(name, text string) {
	msg := s.parent.Child("stream", map[string]any{"name": name, "text": text})
	if err := s.engine.pub.PublishIOPub(msg); err != nil {
		s.engine.logger.Warn("Stream publish failed", "error", err)
	}
}

func (e *Engine) handleExecute(channel wire.Channel, msg *wire.Message) error {
	code, _ := msg.Content["code"].(string)
	if e.host == nil {
		return errors.WrapExecution(fmt.Errorf("no script host attached"),
			"ProtocolEngine", "handleExecute", "execute")
	}

	if e.debug != nil {
		e.debug.ClearInterrupt()
	}

	err := e.host.Execute(context.Background(), code, &streamPublisher{engine: e, parent: msg})
	if err != nil {
		if e.debug != nil && e.debug.Interrupted() {
			err = fmt.Errorf("%w: %v", errors.ErrInterrupted, err)
		}
		return errors.WrapExecution(err, "ProtocolEngine", "handleExecute", "script")
	}

	count := e.execCount.Add(1)
	return e.reply(channel, msg, "execute_reply", map[string]any{
		"status":          "ok",
		"execution_count": count,
	})
}

func (e *Engine) handleShutdown(channel wire.Channel, msg *wire.Message) error {
	restart, _ := msg.Content["restart"].(bool)
	if err := e.reply(channel, msg, "shutdown_reply", map[string]any{
		"status":  "ok",
		"restart": restart,
	}); err != nil {
		return err
	}
	if e.onShutdown != nil {
		e.onShutdown(restart)
	}
	return nil
}

func (e *Engine) handleInterrupt(channel wire.Channel, msg *wire.Message) error {
	if e.debug != nil {
		e.debug.Interrupt()
	}
	return e.reply(channel, msg, "interrupt_reply", map[string]any{"status": "ok"})
}

func (e *Engine) handleTool(channel wire.Channel, msg *wire.Message) error {
	if e.tools == nil {
		return errors.WrapExecution(fmt.Errorf("no tool registry attached"),
			"ProtocolEngine", "handleTool", "tool")
	}

	ctx := context.Background()
	correlation := ""
	if e.hooks != nil {
		hctx := &hooks.HookContext{
			Point: hooks.BeforeToolExecution,
			Data:  map[string]any{"content": msg.Content, "session": msg.Header.Session},
		}
		outcome, err := e.hooks.Dispatch(ctx, hctx)
		if err != nil {
			return errors.WrapExecution(err, "ProtocolEngine", "handleTool", "pre-tool hooks")
		}
		if outcome.Final.Kind == hooks.Cancel {
			return errors.WrapExecution(
				fmt.Errorf("%w: %s", errors.ErrHookCancel, outcome.Final.Reason),
				"ProtocolEngine", "handleTool", "tool")
		}
		correlation = hctx.CorrelationID
	}

	result, err := e.tools.HandleToolRequest(ctx, msg.Content)
	if err != nil {
		return errors.WrapExecution(err, "ProtocolEngine", "handleTool", "tool")
	}

	if e.hooks != nil {
		post := &hooks.HookContext{
			Point:         hooks.AfterToolExecution,
			CorrelationID: correlation,
			Data:          map[string]any{"result": result},
		}
		if _, err := e.hooks.Dispatch(ctx, post); err != nil {
			e.logger.Warn("Post-tool hook failed", "error", err)
		}
	}

	return e.reply(channel, msg, "tool_reply", result)
}

func (e *Engine) handleDebug(channel wire.Channel, msg *wire.Message) error {
	if e.debug == nil {
		return errors.WrapExecution(fmt.Errorf("no execution manager attached"),
			"ProtocolEngine", "handleDebug", "debug")
	}

	e.adapterMu.Lock()
	adapter, ok := e.adapters[msg.Header.Session]
	if !ok {
		adapter = debug.NewAdapter(e.debug, msg.Header.Session, e.logger)
		e.adapters[msg.Header.Session] = adapter
	}
	e.adapterMu.Unlock()

	req := debug.Request{
		Seq:     intContent(msg.Content, "seq"),
		Command: stringContent(msg.Content, "command"),
	}
	if args, ok := msg.Content["arguments"].(map[string]any); ok {
		req.Arguments = args
	}

	resp := adapter.Handle(req)
	return e.reply(channel, msg, "debug_reply", map[string]any{
		"request_seq": resp.RequestSeq,
		"command":     resp.Command,
		"success":     resp.Success,
		"message":     resp.Message,
		"body":        resp.Body,
	})
}

func intContent(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringContent(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
