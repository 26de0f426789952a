// Package sidecar intercepts raw bytes from meshed peers and turns them into
// typed kernel messages. Processing runs a fixed pipeline: circuit breaker
// gate, protocol negotiation (cache-first, then content detection), inbound
// adaptation, metrics.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/pkg/cache"
	"github.com/c360/agentkernel/pkg/retry"
)

// Protocol identifies the wire dialect a peer speaks.
type Protocol string

const (
	// LRP is the request/reply protocol: JSON objects carrying msg_type.
	LRP Protocol = "lrp"
	// LDP is the debug protocol: JSON objects carrying command and seq.
	LDP Protocol = "ldp"
)

// CircuitState reports the breaker position at processing time.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// RawMessage is an undecoded message from a peer.
type RawMessage struct {
	Payload []byte
	Source  string
	Target  string
	Headers map[string]string
}

// ProcessedMessage is the result of running a RawMessage through the
// pipeline. Message holds the adapted kernel-shaped object.
type ProcessedMessage struct {
	Protocol Protocol
	Message  map[string]any
	Duration time.Duration
	Circuit  CircuitState
	Retries  int
}

// Config tunes the pipeline.
type Config struct {
	CircuitThreshold int           // consecutive failures before the circuit opens
	CircuitCooldown  time.Duration // how long the circuit stays open
	CacheSize        int           // negotiation cache entries
	CacheTTL         time.Duration // negotiation cache entry lifetime
	Retry            retry.Config  // adaptation retry policy
}

// DefaultConfig returns the standing defaults.
func DefaultConfig() Config {
	return Config{
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Second,
		CacheSize:        1024,
		CacheTTL:         5 * time.Minute,
		Retry:            retry.Config{MaxAttempts: 1},
	}
}

// Sidecar processes peer messages for one kernel.
type Sidecar struct {
	cfg    Config
	logger *slog.Logger
	cache  *cache.Cache[Protocol]
	mx     *metrics
	now    func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
	halfOpen bool
}

// Option configures a Sidecar.
type Option func(*Sidecar)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sidecar) { s.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sidecar) { s.now = now }
}

// New creates a Sidecar. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Sidecar {
	def := DefaultConfig()
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = def.CircuitThreshold
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = def.CircuitCooldown
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	s := &Sidecar{
		cfg:    cfg,
		logger: slog.Default(),
		mx:     newMetrics(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = cache.New[Protocol](cfg.CacheSize, cfg.CacheTTL,
		cache.WithClock[Protocol](s.now))
	return s
}

// Process runs one message through the pipeline. On success the negotiated
// protocol is cached against the source so subsequent messages skip
// detection. A failure counts against the circuit; once the threshold of
// consecutive failures is reached further calls are rejected with a
// circuit-open policy error until the cooldown elapses.
func (s *Sidecar) Process(ctx context.Context, raw RawMessage) (*ProcessedMessage, error) {
	start := s.now()

	state, err := s.gate()
	if err != nil {
		s.mx.rejected.Inc()
		return nil, err
	}

	var (
		proto    Protocol
		adapted  map[string]any
		attempts int
	)
	retryErr := retry.Do(ctx, s.cfg.Retry, func() error {
		attempts++
		var err error
		proto, err = s.negotiate(raw)
		if err != nil {
			return err
		}
		adapted, err = adapt(proto, raw)
		return err
	})
	duration := s.now().Sub(start)

	if retryErr != nil {
		s.recordFailure()
		s.mx.messages.WithLabelValues(string(proto), "error").Inc()
		return nil, retryErr
	}

	s.recordSuccess()
	s.cache.Set(raw.Source, proto)
	s.mx.messages.WithLabelValues(string(proto), "ok").Inc()

	return &ProcessedMessage{
		Protocol: proto,
		Message:  adapted,
		Duration: duration,
		Circuit:  state,
		Retries:  attempts - 1,
	}, nil
}

// negotiate resolves the source's protocol: explicit header, cache, then
// content detection. Detection latency is observed only when the cache
// misses.
func (s *Sidecar) negotiate(raw RawMessage) (Protocol, error) {
	if h, ok := raw.Headers["x-protocol"]; ok {
		switch Protocol(h) {
		case LRP, LDP:
			return Protocol(h), nil
		default:
			return "", retry.NonRetryable(errors.WrapProtocol(
				fmt.Errorf("%w: header protocol %q", errors.ErrMalformed, h),
				"Sidecar", "negotiate", raw.Source))
		}
	}

	if proto, ok := s.cache.Get(raw.Source); ok {
		return proto, nil
	}

	begin := s.now()
	proto, err := Detect(raw.Payload)
	s.mx.negotiation.Observe(s.now().Sub(begin).Seconds())
	if err != nil {
		return "", retry.NonRetryable(err)
	}
	return proto, nil
}

// Detect classifies a payload by its content signature: an object with
// msg_type speaks LRP, an object with both command and seq speaks LDP.
func Detect(payload []byte) (Protocol, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrMalformed, err),
			"Sidecar", "Detect", "payload")
	}
	if _, ok := obj["msg_type"]; ok {
		return LRP, nil
	}
	if _, cmd := obj["command"]; cmd {
		if _, seq := obj["seq"]; seq {
			return LDP, nil
		}
	}
	return "", errors.WrapProtocol(
		fmt.Errorf("%w: no protocol signature", errors.ErrMalformed),
		"Sidecar", "Detect", "payload")
}

// adapt turns the raw payload into a kernel-shaped message. LRP payloads are
// already kernel messages; LDP payloads are wrapped as debug requests the
// engine dispatches natively.
func adapt(proto Protocol, raw RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw.Payload, &obj); err != nil {
		return nil, retry.NonRetryable(errors.WrapProtocol(
			fmt.Errorf("%w: %v", errors.ErrMalformed, err),
			"Sidecar", "adapt", raw.Source))
	}

	switch proto {
	case LRP:
		return obj, nil
	case LDP:
		content := map[string]any{
			"command": obj["command"],
			"seq":     obj["seq"],
		}
		if args, ok := obj["arguments"]; ok {
			content["arguments"] = args
		}
		return map[string]any{
			"msg_type": "debug_request",
			"content":  content,
		}, nil
	default:
		return nil, retry.NonRetryable(errors.WrapProtocol(
			fmt.Errorf("%w: protocol %q", errors.ErrMalformed, proto),
			"Sidecar", "adapt", raw.Source))
	}
}

// gate checks the breaker, returning the state observed by this message or
// a policy error when open. After the cooldown one probe is let through in
// half-open state.
func (s *Sidecar) gate() (CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openedAt.IsZero() {
		if s.halfOpen {
			return CircuitHalfOpen, nil
		}
		return CircuitClosed, nil
	}
	if s.now().Sub(s.openedAt) >= s.cfg.CircuitCooldown {
		s.openedAt = time.Time{}
		s.halfOpen = true
		return CircuitHalfOpen, nil
	}
	return CircuitOpen, errors.WrapKind(errors.KindPolicyDenied, errors.ErrCircuitOpen,
		"Sidecar", "Process", fmt.Sprintf("after %d consecutive failures", s.failures))
}

func (s *Sidecar) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.halfOpen || s.failures >= s.cfg.CircuitThreshold {
		s.openedAt = s.now()
		s.halfOpen = false
		s.logger.Warn("sidecar circuit opened", "failures", s.failures)
	}
}

func (s *Sidecar) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.halfOpen = false
}

// CircuitStateNow reports the breaker position without consuming a probe.
func (s *Sidecar) CircuitStateNow() CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.openedAt.IsZero() && s.now().Sub(s.openedAt) < s.cfg.CircuitCooldown:
		return CircuitOpen
	case s.halfOpen || !s.openedAt.IsZero():
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
