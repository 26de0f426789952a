package debug

import (
	"fmt"
	"log/slog"

	"github.com/c360/agentkernel/errors"
)

// Request is one debug-wire command. Field names mirror what clients send.
type Request struct {
	Seq       int            `json:"seq"`
	Command   string         `json:"command"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Response mirrors its request. Success is false with a message instead of
// an error return; the adapter never throws to the caller.
type Response struct {
	RequestSeq int            `json:"request_seq"`
	Command    string         `json:"command"`
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

// Adapter maps debug-wire commands onto the execution manager for one debug
// session.
type Adapter struct {
	manager   *Manager
	sessionID string
	logger    *slog.Logger
}

// NewAdapter creates a command adapter bound to sessionID.
func NewAdapter(manager *Manager, sessionID string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{manager: manager, sessionID: sessionID, logger: logger}
}

// reverse execution commands the engine does not implement.
var unsupportedCommands = map[string]bool{
	"stepBack":        true,
	"reverseContinue": true,
	"restart":         true,
	"setVariable":     true,
	"gotoTargets":     true,
}

// Handle dispatches one request and always produces a response.
func (a *Adapter) Handle(req Request) Response {
	resp := Response{RequestSeq: req.Seq, Command: req.Command, Success: true}

	if unsupportedCommands[req.Command] {
		resp.Success = false
		resp.Message = "not supported"
		return resp
	}

	var err error
	switch req.Command {
	case "initialize":
		resp.Body = map[string]any{
			"supportsConfigurationDoneRequest": true,
			"supportsConditionalBreakpoints":   true,
			"supportsEvaluateForHovers":        true,
			"supportsStepBack":                 false,
		}
	case "launch", "attach":
		path, _ := req.Arguments["program"].(string)
		if path == "" {
			path, _ = req.Arguments["path"].(string)
		}
		err = a.manager.AttachSession(a.sessionID, path)
	case "configurationDone":
		// Breakpoints are applied as they arrive; nothing to flush.
	case "setBreakpoints":
		resp.Body, err = a.setBreakpoints(req.Arguments)
	case "setFunctionBreakpoints", "setExceptionBreakpoints":
		resp.Body = map[string]any{"breakpoints": []any{}}
	case "continue":
		err = a.manager.Continue(a.sessionID)
		resp.Body = map[string]any{"allThreadsContinued": true}
	case "next":
		err = a.manager.StepOver(a.sessionID)
	case "stepIn":
		err = a.manager.StepInto(a.sessionID)
	case "stepOut":
		err = a.manager.StepOut(a.sessionID)
	case "pause":
		err = a.manager.Pause(a.sessionID)
	case "stackTrace":
		resp.Body, err = a.stackTrace()
	case "scopes":
		resp.Body, err = a.scopes(req.Arguments)
	case "variables":
		resp.Body, err = a.variables(req.Arguments)
	case "evaluate":
		resp.Body, err = a.evaluate(req.Arguments)
	case "disconnect", "terminate":
		err = a.manager.Terminate(a.sessionID, req.Command)
		if errors.IsConflict(err) {
			err = nil // already terminated
		}
	default:
		resp.Success = false
		resp.Message = fmt.Sprintf("unknown command %q", req.Command)
		return resp
	}

	if err != nil {
		a.logger.Debug("Debug command failed", "command", req.Command, "error", err)
		resp.Success = false
		resp.Message = err.Error()
		resp.Body = nil
	}
	return resp
}

func (a *Adapter) setBreakpoints(args map[string]any) (map[string]any, error) {
	source := ""
	if src, ok := args["source"].(map[string]any); ok {
		source, _ = src["path"].(string)
	}

	// The request carries the full desired set for the source; replace the
	// existing ones wholesale.
	existing, err := a.manager.ListBreakpoints(a.sessionID)
	if err != nil {
		return nil, err
	}
	for _, bp := range existing {
		if bp.Source == source {
			if err := a.manager.RemoveBreakpoint(a.sessionID, bp.ID); err != nil {
				return nil, err
			}
		}
	}

	requested, _ := args["breakpoints"].([]any)
	verified := make([]any, 0, len(requested))
	for _, raw := range requested {
		spec, _ := raw.(map[string]any)
		line := intArg(spec, "line")
		condition, _ := spec["condition"].(string)
		bp, err := a.manager.SetBreakpoint(a.sessionID, source, line, condition)
		if err != nil {
			return nil, err
		}
		verified = append(verified, map[string]any{
			"id":       bp.ID,
			"line":     bp.Line,
			"verified": true,
		})
	}
	return map[string]any{"breakpoints": verified}, nil
}

func (a *Adapter) stackTrace() (map[string]any, error) {
	frames, err := a.manager.GetStackFrames(a.sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(frames))
	for _, f := range frames {
		out = append(out, map[string]any{
			"id":     f.ID,
			"name":   f.Name,
			"source": map[string]any{"path": f.Source},
			"line":   f.Line,
		})
	}
	return map[string]any{"stackFrames": out, "totalFrames": len(out)}, nil
}

func (a *Adapter) scopes(args map[string]any) (map[string]any, error) {
	// Hosts register the top-level locals of frame N under handle N, so the
	// frame id doubles as the variables reference.
	frameID := uint64(intArg(args, "frameId"))
	scope := map[string]any{
		"name":               "Locals",
		"variablesReference": frameID,
		"expensive":          false,
	}
	return map[string]any{"scopes": []any{scope}}, nil
}

func (a *Adapter) variables(args map[string]any) (map[string]any, error) {
	ref := uint64(intArg(args, "variablesReference"))
	vars, err := a.manager.GetVariables(a.sessionID, ref)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(vars))
	for _, v := range vars {
		out = append(out, map[string]any{
			"name":               v.Name,
			"value":              v.ValueRepr,
			"type":               v.Type,
			"variablesReference": v.ChildrenRef,
		})
	}
	return map[string]any{"variables": out}, nil
}

func (a *Adapter) evaluate(args map[string]any) (map[string]any, error) {
	expr, _ := args["expression"].(string)
	if a.manager.condition == nil {
		return nil, errors.WrapKind(errors.KindExecution,
			fmt.Errorf("no evaluator attached"), "DebugAdapter", "evaluate", expr)
	}
	frames, err := a.manager.GetStackFrames(a.sessionID)
	if err != nil {
		return nil, err
	}
	var frame *Frame
	if len(frames) > 0 {
		frame = &frames[0]
	}
	truthy, err := a.manager.condition(expr, frame)
	if err != nil {
		return nil, errors.WrapExecution(err, "DebugAdapter", "evaluate", expr)
	}
	return map[string]any{
		"result":             fmt.Sprintf("%t", truthy),
		"variablesReference": 0,
	}, nil
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
