package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/policy"
	"github.com/c360/agentkernel/wire"
)

func TestCreateAndGetSession(t *testing.T) {
	m := NewManager(Config{})

	id := m.CreateSession("alice")
	require.NotEmpty(t, id)

	s, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, Active, s.Status)
	assert.Equal(t, "alice", s.Owner)
	assert.False(t, s.Metrics.CreatedAt.IsZero())

	_, err = m.GetSession("nope")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestSessionSnapshotIsolation(t *testing.T) {
	m := NewManager(Config{})
	id := m.CreateSession("")

	s, err := m.GetSession(id)
	require.NoError(t, err)
	s.Metadata["mutated"] = "yes"

	again, err := m.GetSession(id)
	require.NoError(t, err)
	assert.NotContains(t, again.Metadata, "mutated")
}

func TestStatusTransitions(t *testing.T) {
	m := NewManager(Config{})
	id := m.CreateSession("")

	require.NoError(t, m.PauseSession(id))
	require.NoError(t, m.ResumeSession(id))
	require.NoError(t, m.ArchiveSession(id))

	// Archived is terminal.
	err := m.ResumeSession(id)
	require.Error(t, err)
	assert.True(t, kerrors.IsConflict(err))

	err = m.PauseSession(id)
	assert.True(t, kerrors.IsConflict(err))
}

func TestPausedCannotComplete(t *testing.T) {
	m := NewManager(Config{})
	id := m.CreateSession("")

	require.NoError(t, m.PauseSession(id))
	err := m.CompleteSession(id)
	assert.True(t, kerrors.IsConflict(err), "Paused may only resume to Active")
}

func TestUpdateSessionPreservesStatus(t *testing.T) {
	m := NewManager(Config{})
	id := m.CreateSession("")

	require.NoError(t, m.UpdateSession(id, func(s *Session) {
		s.Metadata["lang"] = "lua"
		s.Status = Completed // must be ignored
	}))

	s, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "lua", s.Metadata["lang"])
	assert.Equal(t, Active, s.Status)
}

func TestValidateAccess(t *testing.T) {
	m := NewManager(Config{})
	owned := m.CreateSession("alice")
	open := m.CreateSession("")

	assert.True(t, m.ValidateAccess(owned, "alice"))
	assert.False(t, m.ValidateAccess(owned, "bob"))
	assert.True(t, m.ValidateAccess(open, "anyone"))
	assert.False(t, m.ValidateAccess("unknown", "alice"))
}

func TestActiveSessions(t *testing.T) {
	m := NewManager(Config{})
	a := m.CreateSession("")
	b := m.CreateSession("")
	require.NoError(t, m.PauseSession(b))

	active := m.ActiveSessions()
	assert.Contains(t, active, a)
	assert.NotContains(t, active, b)
}

func TestTTLSweep(t *testing.T) {
	base := time.Now()
	now := base
	m := NewManager(Config{DefaultTTL: time.Minute}, WithClock(func() time.Time { return now }))

	id := m.CreateSession("")

	// First sweep past TTL marks Expired.
	now = base.Add(2 * time.Minute)
	m.Sweep()
	s, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, Expired, s.Status)

	// Second sweep removes.
	m.Sweep()
	_, err = m.GetSession(id)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestSweepSkipsLiveSessions(t *testing.T) {
	base := time.Now()
	now := base
	m := NewManager(Config{DefaultTTL: time.Hour}, WithClock(func() time.Time { return now }))

	id := m.CreateSession("")
	now = base.Add(time.Minute)
	m.Sweep()

	s, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, Active, s.Status)
}

func TestSessionEvents(t *testing.T) {
	m := NewManager(Config{})
	id := m.CreateSession("")
	require.NoError(t, m.PauseSession(id))

	var kinds []EventKind
	for len(m.Events()) > 0 {
		kinds = append(kinds, (<-m.Events()).Kind)
	}
	assert.Equal(t, []EventKind{EventCreated, EventTransition}, kinds)
}

func TestRestoreSession(t *testing.T) {
	fail := NewManager(Config{})
	fail.RestoreSession(&Session{ID: "s1", Status: Active, Metadata: map[string]string{}})
	s, err := fail.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, Failed, s.Status, "Active sessions fail on restart by default")

	resume := NewManager(Config{ResumeOnRestart: true})
	resume.RestoreSession(&Session{ID: "s2", Status: Active, Metadata: map[string]string{}})
	s, err = resume.GetSession("s2")
	require.NoError(t, err)
	assert.Equal(t, Active, s.Status)
}

func shellMessage(session, msgType string) *wire.Message {
	return &wire.Message{
		Header:   wire.NewHeader(msgType, session, "test"),
		Metadata: map[string]any{},
		Content:  map[string]any{},
	}
}

func TestHandleKernelMessageCountsAndAllows(t *testing.T) {
	m := NewManager(Config{})
	ki := NewKernelIntegration(m)
	id := m.CreateSession("")

	require.NoError(t, ki.HandleKernelMessage(shellMessage(id, "execute_request")))
	require.NoError(t, ki.HandleKernelMessage(shellMessage(id, "execute_request")))

	metrics, err := m.GetMetrics(id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.MessagesProcessed)
	assert.Zero(t, metrics.PolicyRejections)
}

func TestHandleKernelMessagePolicyRejection(t *testing.T) {
	limiter := policy.NewRateLimiter(policy.RateLimiterConfig{AllowDynamicBuckets: true})
	limiter.AddBucket("msgs", policy.BucketConfig{Capacity: 1, RefillRate: 0, RefillInterval: time.Hour})

	m := NewManager(Config{DefaultPolicies: []policy.Policy{
		&policy.RatePolicy{Limiter: limiter, Key: "msgs"},
	}})
	ki := NewKernelIntegration(m)
	id := m.CreateSession("")

	require.NoError(t, ki.HandleKernelMessage(shellMessage(id, "execute_request")))

	err := ki.HandleKernelMessage(shellMessage(id, "execute_request"))
	require.Error(t, err)
	assert.True(t, kerrors.IsPolicyDenied(err))

	metrics, err := m.GetMetrics(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.PolicyRejections)
}

func TestHandleKernelMessagePausedSession(t *testing.T) {
	m := NewManager(Config{})
	ki := NewKernelIntegration(m)
	id := m.CreateSession("")
	require.NoError(t, m.PauseSession(id))

	err := ki.HandleKernelMessage(shellMessage(id, "execute_request"))
	require.Error(t, err)
	assert.True(t, kerrors.IsPolicyDenied(err))
}

func TestHandleKernelMessageUnknownSessionPassesThrough(t *testing.T) {
	ki := NewKernelIntegration(NewManager(Config{}))
	assert.NoError(t, ki.HandleKernelMessage(shellMessage("unknown", "kernel_info_request")))
	assert.NoError(t, ki.HandleKernelMessage(&wire.Message{Header: wire.Header{MsgType: "kernel_info_request"}}))
}
