package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/wire"
)

// NATSConfig configures the NATS-backed transport.
type NATSConfig struct {
	URL              string
	KernelID         string
	Name             string
	Channels         []wire.Channel
	MaxReconnects    int           // -1 = infinite
	ReconnectWait    time.Duration
	Timeout          time.Duration
	DrainTimeout     time.Duration
	CircuitThreshold int32 // consecutive send failures before the circuit opens
	CircuitCooldown  time.Duration

	// Side selects which subjects this endpoint consumes. The kernel
	// receives on ".in" subjects and publishes on ".out"; clients invert.
	Side Side
}

// Side identifies which end of the transport this process is.
type Side int

const (
	// SideKernel receives client requests and publishes replies/broadcasts.
	SideKernel Side = iota
	// SideClient publishes requests and receives replies/broadcasts.
	SideClient
)

func (c *NATSConfig) withDefaults() NATSConfig {
	out := *c
	if out.URL == "" {
		out.URL = nats.DefaultURL
	}
	if len(out.Channels) == 0 {
		out.Channels = DefaultChannels
	}
	if out.MaxReconnects == 0 {
		out.MaxReconnects = -1
	}
	if out.ReconnectWait == 0 {
		out.ReconnectWait = 2 * time.Second
	}
	if out.Timeout == 0 {
		out.Timeout = 5 * time.Second
	}
	if out.DrainTimeout == 0 {
		out.DrainTimeout = 30 * time.Second
	}
	if out.CircuitThreshold == 0 {
		out.CircuitThreshold = 5
	}
	if out.CircuitCooldown == 0 {
		out.CircuitCooldown = 10 * time.Second
	}
	return out
}

// NATS is the production transport. Each channel maps to a pair of subjects:
// agentkernel.<kernel_id>.<channel>.in for client→kernel traffic and .out for
// kernel→client traffic. NATS preserves per-subject publish order, which
// carries the per-channel FIFO guarantee.
type NATS struct {
	cfg    NATSConfig
	conn   *nats.Conn
	logger *slog.Logger

	recvCh map[wire.Channel]chan [][]byte
	subs   []*nats.Subscription

	// Circuit breaker over send failures.
	circuitFailures atomic.Int32
	circuitOpenAt   atomic.Int64 // unix nanos, 0 = closed

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNATS connects to the server and subscribes each channel's inbound
// subject. Construct it via runtime.CreateIOBoundResource so the connection
// outlives the caller's task.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	cfg = cfg.withDefaults()
	if cfg.KernelID == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "NATS", "NewNATS", "kernel id required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.WrapTransport(err, "NATS", "NewNATS", "connect")
	}

	t := &NATS{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		recvCh: make(map[wire.Channel]chan [][]byte, len(cfg.Channels)),
		closed: make(chan struct{}),
	}

	for _, ch := range cfg.Channels {
		ch := ch
		buf := make(chan [][]byte, 256)
		t.recvCh[ch] = buf

		sub, err := conn.Subscribe(t.subject(ch, true), func(msg *nats.Msg) {
			frames, uerr := unpackFrames(msg.Data)
			if uerr != nil {
				logger.Warn("Dropping malformed transport payload",
					"channel", string(ch), "error", uerr)
				return
			}
			select {
			case buf <- frames:
			default:
				logger.Warn("Transport receive buffer full, dropping frame set",
					"channel", string(ch))
			}
		})
		if err != nil {
			conn.Close()
			return nil, errors.WrapTransport(err, "NATS", "NewNATS",
				fmt.Sprintf("subscribe %s", ch))
		}
		t.subs = append(t.subs, sub)
	}

	logger.Info("NATS transport ready",
		"url", cfg.URL, "kernel_id", cfg.KernelID, "channels", len(cfg.Channels))
	return t, nil
}

// subject maps a channel to its subject for this side. recv=true means the
// subject this side consumes.
func (t *NATS) subject(channel wire.Channel, recv bool) string {
	dir := "in"
	if t.cfg.Side == SideKernel && !recv || t.cfg.Side == SideClient && recv {
		dir = "out"
	}
	return fmt.Sprintf("agentkernel.%s.%s.%s", t.cfg.KernelID, channel, dir)
}

// Recv blocks for the next inbound frame set on the channel.
func (t *NATS) Recv(ctx context.Context, channel wire.Channel) ([][]byte, error) {
	ch, ok := t.recvCh[channel]
	if !ok {
		return nil, errors.WrapTransport(errors.ErrUnknownChannel, "NATS", "Recv", string(channel))
	}
	select {
	case frames := <-ch:
		return frames, nil
	case <-t.closed:
		return nil, errors.WrapTransport(errors.ErrAlreadyStopped, "NATS", "Recv", "transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send publishes one outbound frame set on the channel, gated by the send
// circuit breaker.
func (t *NATS) Send(ctx context.Context, channel wire.Channel, frames [][]byte) error {
	if _, ok := t.recvCh[channel]; !ok {
		return errors.WrapTransport(errors.ErrUnknownChannel, "NATS", "Send", string(channel))
	}
	if openAt := t.circuitOpenAt.Load(); openAt != 0 {
		if time.Since(time.Unix(0, openAt)) < t.cfg.CircuitCooldown {
			return errors.WrapKind(errors.KindPolicyDenied, errors.ErrCircuitOpen,
				"NATS", "Send", string(channel))
		}
		// Cooldown elapsed: half-open, let this publish probe the server.
		t.circuitOpenAt.Store(0)
		t.circuitFailures.Store(0)
	}

	if err := t.conn.Publish(t.subject(channel, false), packFrames(frames)); err != nil {
		failures := t.circuitFailures.Add(1)
		if failures >= t.cfg.CircuitThreshold {
			t.circuitOpenAt.Store(time.Now().UnixNano())
			t.logger.Warn("NATS send circuit opened",
				"channel", string(channel), "failures", failures)
		}
		return errors.WrapTransport(err, "NATS", "Send", string(channel))
	}
	t.circuitFailures.Store(0)
	return nil
}

// Channels lists the channels this transport carries.
func (t *NATS) Channels() []wire.Channel {
	return append([]wire.Channel(nil), t.cfg.Channels...)
}

// CircuitOpen reports whether the send circuit is currently open.
func (t *NATS) CircuitOpen() bool {
	openAt := t.circuitOpenAt.Load()
	return openAt != 0 && time.Since(time.Unix(0, openAt)) < t.cfg.CircuitCooldown
}

// Close drains subscriptions and closes the connection.
func (t *NATS) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		for _, sub := range t.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && err == nil {
				err = uerr
			}
		}
		if derr := t.conn.Drain(); derr != nil && err == nil {
			err = derr
		}
	})
	return err
}
