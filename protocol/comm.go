package protocol

import (
	"fmt"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/wire"
)

// CommTarget is a collaborator reachable through comm side-channels. Replies
// from the target flow back as comm_msg iopub messages.
type CommTarget interface {
	Open(commID string, data map[string]any) error
	Msg(commID string, data map[string]any) (map[string]any, error)
	Close(commID string, data map[string]any) error
}

type comm struct {
	id         string
	targetName string
	target     CommTarget
}

// RegisterCommTarget makes a collaborator available to comm_open by name.
func (e *Engine) RegisterCommTarget(name string, target CommTarget) {
	e.commMu.Lock()
	defer e.commMu.Unlock()
	if e.commTargets == nil {
		e.commTargets = map[string]CommTarget{}
	}
	e.commTargets[name] = target
}

func (e *Engine) handleCommOpen(msg *wire.Message) error {
	commID := stringContent(msg.Content, "comm_id")
	targetName := stringContent(msg.Content, "target_name")
	data, _ := msg.Content["data"].(map[string]any)

	e.commMu.Lock()
	target, known := e.commTargets[targetName]
	if known {
		e.comms[commID] = &comm{id: commID, targetName: targetName, target: target}
	}
	e.commMu.Unlock()

	if !known {
		// Per comm semantics an unknown target closes the comm immediately.
		return e.publishComm(msg, "comm_close", commID, nil)
	}
	if err := target.Open(commID, data); err != nil {
		e.commMu.Lock()
		delete(e.comms, commID)
		e.commMu.Unlock()
		return errors.WrapExecution(err, "ProtocolEngine", "handleCommOpen", targetName)
	}
	return nil
}

func (e *Engine) handleCommMsg(msg *wire.Message) error {
	commID := stringContent(msg.Content, "comm_id")
	data, _ := msg.Content["data"].(map[string]any)

	e.commMu.Lock()
	c, ok := e.comms[commID]
	e.commMu.Unlock()
	if !ok {
		return errors.WrapKind(errors.KindNotFound,
			fmt.Errorf("comm %s not open", commID),
			"ProtocolEngine", "handleCommMsg", commID)
	}

	reply, err := c.target.Msg(commID, data)
	if err != nil {
		return errors.WrapExecution(err, "ProtocolEngine", "handleCommMsg", c.targetName)
	}
	if reply != nil {
		return e.publishComm(msg, "comm_msg", commID, reply)
	}
	return nil
}

func (e *Engine) handleCommClose(msg *wire.Message) error {
	commID := stringContent(msg.Content, "comm_id")
	data, _ := msg.Content["data"].(map[string]any)

	e.commMu.Lock()
	c, ok := e.comms[commID]
	delete(e.comms, commID)
	e.commMu.Unlock()
	if !ok {
		return nil // closing an unknown comm is a no-op
	}
	if err := c.target.Close(commID, data); err != nil {
		return errors.WrapExecution(err, "ProtocolEngine", "handleCommClose", c.targetName)
	}
	return nil
}

func (e *Engine) handleCommInfo(channel wire.Channel, msg *wire.Message) error {
	targetFilter := stringContent(msg.Content, "target_name")

	e.commMu.Lock()
	comms := map[string]any{}
	for id, c := range e.comms {
		if targetFilter != "" && c.targetName != targetFilter {
			continue
		}
		comms[id] = map[string]any{"target_name": c.targetName}
	}
	e.commMu.Unlock()

	return e.reply(channel, msg, "comm_info_reply", map[string]any{
		"status": "ok",
		"comms":  comms,
	})
}

func (e *Engine) publishComm(parent *wire.Message, msgType, commID string, data map[string]any) error {
	content := map[string]any{"comm_id": commID}
	if data != nil {
		content["data"] = data
	}
	if err := e.pub.PublishIOPub(parent.Child(msgType, content)); err != nil {
		return errors.WrapTransport(err, "ProtocolEngine", "publishComm", msgType)
	}
	return nil
}
