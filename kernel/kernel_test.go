package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/agentkernel/config"
	"github.com/c360/agentkernel/protocol"
	"github.com/c360/agentkernel/transport"
	"github.com/c360/agentkernel/wire"
)

// testClient drives a kernel through the in-process transport using a real
// codec, so frames cross the full encode/sign/decode path.
type testClient struct {
	t     *testing.T
	codec *wire.Codec
	tp    transport.Transport
}

func startKernel(t *testing.T, opts ...Option) (*Kernel, *testClient) {
	t.Helper()
	cfg := config.Default()
	cfg.Transport = "inproc"

	inproc := transport.NewInproc()
	k, err := New(cfg, inproc, opts...)
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Stop() })

	codec, err := wire.NewCodec(cfg.SigningKey)
	require.NoError(t, err)
	return k, &testClient{t: t, codec: codec, tp: inproc.Client()}
}

func (c *testClient) send(channel wire.Channel, msg *wire.Message) {
	c.t.Helper()
	frames, err := c.codec.Encode(msg, channel)
	require.NoError(c.t, err)
	require.NoError(c.t, c.tp.Send(context.Background(), channel, frames))
}

func (c *testClient) recv(channel wire.Channel) *wire.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frames, err := c.tp.Recv(ctx, channel)
	require.NoError(c.t, err)
	msg, err := c.codec.Decode(frames, channel)
	require.NoError(c.t, err)
	return msg
}

func shellRequest(msgType, session string, content map[string]any) *wire.Message {
	if content == nil {
		content = map[string]any{}
	}
	return &wire.Message{
		Identities: [][]byte{{0xAB}},
		Header:     wire.NewHeader(msgType, session, "test"),
		Metadata:   map[string]any{},
		Content:    content,
	}
}

func TestKernelInfoEndToEnd(t *testing.T) {
	_, client := startKernel(t)

	req := shellRequest("kernel_info_request", "s1", nil)
	client.send(wire.ChannelShell, req)

	reply := client.recv(wire.ChannelShell)
	assert.Equal(t, "kernel_info_reply", reply.Header.MsgType)
	assert.Equal(t, "ok", reply.Content["status"])
	require.NotNil(t, reply.ParentHeader)
	assert.Equal(t, "s1", reply.ParentHeader.Session)
	assert.Equal(t, [][]byte{{0xAB}}, reply.Identities)

	busy := client.recv(wire.ChannelIOPub)
	assert.Equal(t, "status", busy.Header.MsgType)
	assert.Equal(t, "busy", busy.Content["execution_state"])
	idle := client.recv(wire.ChannelIOPub)
	assert.Equal(t, "idle", idle.Content["execution_state"])
}

type echoHost struct{}

func (echoHost) Execute(_ context.Context, code string, out protocol.StreamWriter) error {
	out.Stream("stdout", code+"\n")
	return nil
}

func TestExecuteEndToEnd(t *testing.T) {
	_, client := startKernel(t, WithScriptHost(echoHost{}))

	client.send(wire.ChannelShell, shellRequest("execute_request", "s1",
		map[string]any{"code": "hi"}))

	reply := client.recv(wire.ChannelShell)
	assert.Equal(t, "execute_reply", reply.Header.MsgType)
	assert.Equal(t, "ok", reply.Content["status"])

	var types []string
	for i := 0; i < 3; i++ {
		m := client.recv(wire.ChannelIOPub)
		label := m.Header.MsgType
		if label == "status" {
			label += ":" + m.Content["execution_state"].(string)
		}
		types = append(types, label)
	}
	assert.Equal(t, []string{"status:busy", "stream", "status:idle"}, types)
}

func TestHeartbeatEcho(t *testing.T) {
	_, client := startKernel(t)

	ping := [][]byte{[]byte("ping")}
	require.NoError(t, client.tp.Send(context.Background(), wire.ChannelHeartbeat, ping))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := client.tp.Recv(ctx, wire.ChannelHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, ping, pong)
}

func TestBadSignatureDropped(t *testing.T) {
	_, client := startKernel(t)

	wrongCodec, err := wire.NewCodec("wrong-key")
	require.NoError(t, err)
	frames, err := wrongCodec.Encode(shellRequest("kernel_info_request", "s1", nil), wire.ChannelShell)
	require.NoError(t, err)
	require.NoError(t, client.tp.Send(context.Background(), wire.ChannelShell, frames))

	// The frame is dropped: no reply arrives, but the kernel keeps serving.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.tp.Recv(ctx, wire.ChannelShell)
	require.Error(t, err)

	client.send(wire.ChannelShell, shellRequest("kernel_info_request", "s1", nil))
	reply := client.recv(wire.ChannelShell)
	assert.Equal(t, "kernel_info_reply", reply.Header.MsgType)
}

func TestShutdownRequestSignalsHost(t *testing.T) {
	k, client := startKernel(t)

	client.send(wire.ChannelControl, shellRequest("shutdown_request", "s1",
		map[string]any{"restart": false}))

	reply := client.recv(wire.ChannelControl)
	assert.Equal(t, "shutdown_reply", reply.Header.MsgType)

	select {
	case <-k.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not signalled")
	}
}

func TestKernelAccessors(t *testing.T) {
	k, _ := startKernel(t)
	assert.NotNil(t, k.Engine())
	assert.NotNil(t, k.StateManager())
	assert.NotNil(t, k.SessionManager())
	assert.NotNil(t, k.HookPipeline())
	assert.NotNil(t, k.DebugManager())
	assert.NotNil(t, k.Router())
	assert.NotNil(t, k.Registry())
	assert.False(t, k.LastActivity().IsZero())
}
