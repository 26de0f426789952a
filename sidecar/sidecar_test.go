package sidecar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/metric"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func lrpPayload() []byte {
	return []byte(`{"msg_type":"kernel_info_request","content":{}}`)
}

func ldpPayload() []byte {
	return []byte(`{"command":"continue","seq":7,"arguments":{"threadId":1}}`)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    Protocol
		wantErr bool
	}{
		{"lrp", lrpPayload(), LRP, false},
		{"ldp", ldpPayload(), LDP, false},
		{"command without seq", []byte(`{"command":"continue"}`), "", true},
		{"no signature", []byte(`{"hello":"world"}`), "", true},
		{"not json", []byte(`nope`), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessLRPPassesThrough(t *testing.T) {
	s := New(Config{})
	out, err := s.Process(context.Background(), RawMessage{
		Payload: lrpPayload(),
		Source:  "peer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, LRP, out.Protocol)
	assert.Equal(t, "kernel_info_request", out.Message["msg_type"])
	assert.Equal(t, CircuitClosed, out.Circuit)
	assert.Zero(t, out.Retries)
}

func TestProcessLDPAdaptsToDebugRequest(t *testing.T) {
	s := New(Config{})
	out, err := s.Process(context.Background(), RawMessage{
		Payload: ldpPayload(),
		Source:  "peer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, LDP, out.Protocol)
	assert.Equal(t, "debug_request", out.Message["msg_type"])

	content, ok := out.Message["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "continue", content["command"])
	assert.Equal(t, float64(7), content["seq"])
	assert.Contains(t, content, "arguments")
}

func TestProcessCachesNegotiationPerSource(t *testing.T) {
	s := New(Config{})
	_, err := s.Process(context.Background(), RawMessage{Payload: ldpPayload(), Source: "peer-1"})
	require.NoError(t, err)

	proto, ok := s.cache.Get("peer-1")
	require.True(t, ok)
	assert.Equal(t, LDP, proto)
}

func TestProcessHeaderOverridesDetection(t *testing.T) {
	s := New(Config{})
	out, err := s.Process(context.Background(), RawMessage{
		Payload: []byte(`{"msg_type":"x","command":"c","seq":1}`),
		Source:  "peer-1",
		Headers: map[string]string{"x-protocol": "ldp"},
	})
	require.NoError(t, err)
	assert.Equal(t, LDP, out.Protocol)
}

func TestNegotiationCacheExpires(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{CacheTTL: time.Minute}, WithClock(clock.now))

	_, err := s.Process(context.Background(), RawMessage{Payload: lrpPayload(), Source: "peer-1"})
	require.NoError(t, err)
	_, ok := s.cache.Get("peer-1")
	require.True(t, ok)

	clock.advance(2 * time.Minute)
	_, ok = s.cache.Get("peer-1")
	assert.False(t, ok)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{CircuitThreshold: 3, CircuitCooldown: time.Minute}, WithClock(clock.now))
	bad := RawMessage{Payload: []byte(`garbage`), Source: "peer-1"}

	for i := 0; i < 3; i++ {
		_, err := s.Process(context.Background(), bad)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, s.CircuitStateNow())

	_, err := s.Process(context.Background(), RawMessage{Payload: lrpPayload(), Source: "peer-1"})
	require.Error(t, err)
	assert.True(t, errors.IsPolicyDenied(err))
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{CircuitThreshold: 1, CircuitCooldown: time.Minute}, WithClock(clock.now))

	_, err := s.Process(context.Background(), RawMessage{Payload: []byte(`garbage`), Source: "p"})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, s.CircuitStateNow())

	clock.advance(2 * time.Minute)
	out, err := s.Process(context.Background(), RawMessage{Payload: lrpPayload(), Source: "p"})
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, out.Circuit)
	assert.Equal(t, CircuitClosed, s.CircuitStateNow())
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{CircuitThreshold: 5, CircuitCooldown: time.Minute}, WithClock(clock.now))

	// One failure is below the threshold, but enough once half-open.
	_, err := s.Process(context.Background(), RawMessage{Payload: []byte(`garbage`), Source: "p"})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, s.CircuitStateNow())

	// Trip the breaker, wait out the cooldown, then fail the probe.
	for i := 0; i < 4; i++ {
		_, err = s.Process(context.Background(), RawMessage{Payload: []byte(`garbage`), Source: "p"})
		require.Error(t, err)
	}
	require.Equal(t, CircuitOpen, s.CircuitStateNow())
	clock.advance(2 * time.Minute)

	_, err = s.Process(context.Background(), RawMessage{Payload: []byte(`garbage`), Source: "p"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrCircuitOpen), "probe itself is admitted")
	assert.Equal(t, CircuitOpen, s.CircuitStateNow())
}

func TestRegisterMetrics(t *testing.T) {
	s := New(Config{})
	reg := metric.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))

	_, err := s.Process(context.Background(), RawMessage{Payload: lrpPayload(), Source: "p"})
	require.NoError(t, err)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["agentkernel_sidecar_messages_total"])
}
