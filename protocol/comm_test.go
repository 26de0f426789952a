package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	opened []string
	closed []string
	onMsg  func(commID string, data map[string]any) (map[string]any, error)
}

func (r *recordingTarget) Open(commID string, _ map[string]any) error {
	r.opened = append(r.opened, commID)
	return nil
}

func (r *recordingTarget) Msg(commID string, data map[string]any) (map[string]any, error) {
	if r.onMsg != nil {
		return r.onMsg(commID, data)
	}
	return nil, nil
}

func (r *recordingTarget) Close(commID string, _ map[string]any) error {
	r.closed = append(r.closed, commID)
	return nil
}

func TestCommLifecycle(t *testing.T) {
	pub := &capturePublisher{}
	e := NewEngine(Config{}, pub, nil, nil)
	defer e.Close()

	target := &recordingTarget{onMsg: func(_ string, data map[string]any) (map[string]any, error) {
		return map[string]any{"pong": data["ping"]}, nil
	}}
	e.RegisterCommTarget("agent.events", target)

	e.HandleControl(request("comm_open", "s1", map[string]any{
		"comm_id": "c1", "target_name": "agent.events", "data": map[string]any{},
	}))
	assert.Equal(t, []string{"c1"}, target.opened)

	e.HandleControl(request("comm_msg", "s1", map[string]any{
		"comm_id": "c1", "data": map[string]any{"ping": "x"},
	}))
	_, iopub := pub.snapshot()
	var commMsgs []*map[string]any
	for _, m := range iopub {
		if m.Header.MsgType == "comm_msg" {
			commMsgs = append(commMsgs, &m.Content)
		}
	}
	require.Len(t, commMsgs, 1)
	data := (*commMsgs[0])["data"].(map[string]any)
	assert.Equal(t, "x", data["pong"])

	e.HandleControl(request("comm_info_request", "s1", nil))
	replies, _ := pub.snapshot()
	info := replies[len(replies)-1]
	require.Equal(t, "comm_info_reply", info.Header.MsgType)
	comms := info.Content["comms"].(map[string]any)
	assert.Contains(t, comms, "c1")

	e.HandleControl(request("comm_close", "s1", map[string]any{"comm_id": "c1"}))
	assert.Equal(t, []string{"c1"}, target.closed)
}

func TestCommOpenUnknownTargetClosesImmediately(t *testing.T) {
	pub := &capturePublisher{}
	e := NewEngine(Config{}, pub, nil, nil)
	defer e.Close()

	e.HandleControl(request("comm_open", "s1", map[string]any{
		"comm_id": "c9", "target_name": "missing",
	}))

	_, iopub := pub.snapshot()
	var sawClose bool
	for _, m := range iopub {
		if m.Header.MsgType == "comm_close" && m.Content["comm_id"] == "c9" {
			sawClose = true
		}
	}
	assert.True(t, sawClose)
}

func TestCommMsgUnknownComm(t *testing.T) {
	pub := &capturePublisher{}
	e := NewEngine(Config{}, pub, nil, nil)
	defer e.Close()

	e.HandleControl(request("comm_msg", "s1", map[string]any{"comm_id": "ghost"}))

	replies, _ := pub.snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, "comm_msg_reply", replies[0].Header.MsgType)
	assert.Equal(t, "error", replies[0].Content["status"])
}
