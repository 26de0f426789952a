package router

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/wire"
)

type collectSink struct {
	msgs []*wire.Message
	fail bool
}

func (s *collectSink) Send(msg *wire.Message) error {
	if s.fail {
		return errors.New("sink closed")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func mustRegister(t *testing.T, r *Router, session string, sink Sink) string {
	t.Helper()
	id, err := r.RegisterClient(session, sink)
	require.NoError(t, err)
	return id
}

func statusMsg(session string) *wire.Message {
	return &wire.Message{
		Header:  wire.NewHeader("status", session, "kernel"),
		Content: map[string]any{"execution_state": "busy"},
	}
}

func TestBroadcastReachesAllActiveClients(t *testing.T) {
	r := New(16)
	s1, s2 := &collectSink{}, &collectSink{}
	mustRegister(t, r, "sess-1", s1)
	mustRegister(t, r, "sess-2", s2)

	require.NoError(t, r.Route(statusMsg("sess-1"), BroadcastDest()))

	assert.Len(t, s1.msgs, 1)
	assert.Len(t, s2.msgs, 1)
	assert.Equal(t, int64(2), r.Stats().Delivered)
}

func TestBroadcastFailureDropsClientButContinues(t *testing.T) {
	r := New(16)
	good, bad := &collectSink{}, &collectSink{fail: true}
	mustRegister(t, r, "s1", good)
	badID := mustRegister(t, r, "s2", bad)

	require.NoError(t, r.Route(statusMsg("s1"), BroadcastDest()))

	assert.Len(t, good.msgs, 1, "healthy client must still receive the message")
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.SendFailures)
	assert.Equal(t, int64(1), stats.ClientsDropped)
	assert.Equal(t, 1, r.ActiveClients())

	// Subsequent broadcasts skip the dropped client.
	bad.fail = false
	require.NoError(t, r.Route(statusMsg("s1"), BroadcastDest()))
	assert.Len(t, good.msgs, 2)
	assert.Empty(t, bad.msgs)

	// Direct routing to the dropped client reports it inactive.
	err := r.Route(statusMsg("s1"), ClientDest(badID))
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrClientInactive)
}

func TestRouteToUnknownClient(t *testing.T) {
	r := New(16)
	err := r.Route(statusMsg("s1"), ClientDest("nope"))
	require.Error(t, err)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestRequesterRoutesByParentSession(t *testing.T) {
	r := New(16)
	requester, other := &collectSink{}, &collectSink{}
	mustRegister(t, r, "sess-a", requester)
	mustRegister(t, r, "sess-b", other)

	req := &wire.Message{Header: wire.NewHeader("execute_request", "sess-a", "u")}
	reply := req.Child("execute_reply", map[string]any{"status": "ok"})

	require.NoError(t, r.Route(reply, RequesterDest()))
	assert.Len(t, requester.msgs, 1)
	assert.Empty(t, other.msgs)
}

func TestRequesterWithoutParentIsNoOp(t *testing.T) {
	r := New(16)
	s := &collectSink{}
	mustRegister(t, r, "sess-a", s)

	orphan := &wire.Message{Header: wire.NewHeader("status", "sess-a", "u")}
	require.NoError(t, r.Route(orphan, RequesterDest()))
	assert.Empty(t, s.msgs)
}

func TestRequesterOriginFallback(t *testing.T) {
	r := New(16)
	s := &collectSink{}
	clientID := mustRegister(t, r, "other-session", s)

	req := &wire.Message{Header: wire.NewHeader("execute_request", "sess-x", "u")}
	r.TrackOrigin(req.Header.MsgID, clientID)

	reply := req.Child("execute_reply", map[string]any{"status": "ok"})
	require.NoError(t, r.Route(reply, RequesterDest()))
	assert.Len(t, s.msgs, 1, "origin tracking must deliver when session matches no client")
}

func TestHistoryBoundAndReplay(t *testing.T) {
	r := New(3)
	for i := 0; i < 10; i++ {
		msg := statusMsg(fmt.Sprintf("s%d", i))
		require.NoError(t, r.Route(msg, BroadcastDest()))
	}

	assert.Equal(t, 3, r.HistoryLen(), "history must never exceed max_history")

	replay := r.Replay(2)
	require.Len(t, replay, 2)
	assert.Equal(t, "s9", replay[0].Header.Session, "most recent first")
	assert.Equal(t, "s8", replay[1].Header.Session)
}

func TestMaxClientsCapRejectsRegistration(t *testing.T) {
	r := New(4, WithMaxClients(2))
	mustRegister(t, r, "s1", &collectSink{})
	id := mustRegister(t, r, "s2", &collectSink{})

	_, err := r.RegisterClient("s3", &collectSink{})
	require.Error(t, err)
	assert.True(t, kerrors.IsPolicyDenied(err))
	assert.ErrorIs(t, err, kerrors.ErrLimitExceeded)

	// A freed slot re-admits.
	r.UnregisterClient(id)
	mustRegister(t, r, "s3", &collectSink{})
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New(4)
	id := mustRegister(t, r, "s", &collectSink{})
	r.UnregisterClient(id)
	r.UnregisterClient(id)
	assert.Equal(t, 0, r.ActiveClients())
}
