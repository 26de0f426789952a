package transport

import (
	"context"
	"sync"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/wire"
)

// Inproc is an in-process transport pair. The kernel holds one side, a test
// client the other; frames sent on one side arrive on the peer's Recv for
// the same channel.
type Inproc struct {
	channels []wire.Channel
	inbound  map[wire.Channel]chan [][]byte
	outbound map[wire.Channel]chan [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewInproc creates an in-process transport carrying the given channels
// (DefaultChannels when empty) and returns the kernel side. Client() returns
// the peer view.
func NewInproc(channels ...wire.Channel) *Inproc {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	t := &Inproc{
		channels: channels,
		inbound:  make(map[wire.Channel]chan [][]byte, len(channels)),
		outbound: make(map[wire.Channel]chan [][]byte, len(channels)),
		closed:   make(chan struct{}),
	}
	for _, ch := range channels {
		t.inbound[ch] = make(chan [][]byte, 64)
		t.outbound[ch] = make(chan [][]byte, 64)
	}
	return t
}

// Recv blocks for the next inbound frame set on the channel.
func (t *Inproc) Recv(ctx context.Context, channel wire.Channel) ([][]byte, error) {
	ch, ok := t.inbound[channel]
	if !ok {
		return nil, errors.WrapTransport(errors.ErrUnknownChannel, "Inproc", "Recv", string(channel))
	}
	select {
	case frames := <-ch:
		return frames, nil
	case <-t.closed:
		return nil, errors.WrapTransport(errors.ErrAlreadyStopped, "Inproc", "Recv", "transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers one outbound frame set on the channel.
func (t *Inproc) Send(ctx context.Context, channel wire.Channel, frames [][]byte) error {
	ch, ok := t.outbound[channel]
	if !ok {
		return errors.WrapTransport(errors.ErrUnknownChannel, "Inproc", "Send", string(channel))
	}
	select {
	case ch <- frames:
		return nil
	case <-t.closed:
		return errors.WrapTransport(errors.ErrAlreadyStopped, "Inproc", "Send", "transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channels lists the channels this transport carries.
func (t *Inproc) Channels() []wire.Channel {
	return append([]wire.Channel(nil), t.channels...)
}

// Close tears both sides down.
func (t *Inproc) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Client returns the peer view of the transport: its Send feeds the kernel's
// Recv and vice versa.
func (t *Inproc) Client() Transport {
	return &inprocClient{t}
}

type inprocClient struct {
	peer *Inproc
}

func (c *inprocClient) Recv(ctx context.Context, channel wire.Channel) ([][]byte, error) {
	ch, ok := c.peer.outbound[channel]
	if !ok {
		return nil, errors.WrapTransport(errors.ErrUnknownChannel, "Inproc", "Recv", string(channel))
	}
	select {
	case frames := <-ch:
		return frames, nil
	case <-c.peer.closed:
		return nil, errors.WrapTransport(errors.ErrAlreadyStopped, "Inproc", "Recv", "transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *inprocClient) Send(ctx context.Context, channel wire.Channel, frames [][]byte) error {
	ch, ok := c.peer.inbound[channel]
	if !ok {
		return errors.WrapTransport(errors.ErrUnknownChannel, "Inproc", "Send", string(channel))
	}
	select {
	case ch <- frames:
		return nil
	case <-c.peer.closed:
		return errors.WrapTransport(errors.ErrAlreadyStopped, "Inproc", "Send", "transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *inprocClient) Channels() []wire.Channel { return c.peer.Channels() }

func (c *inprocClient) Close() error { return c.peer.Close() }
