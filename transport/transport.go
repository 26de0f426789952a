// Package transport defines the multi-channel framed byte transport contract
// the kernel consumes, plus the shipped variants: in-process (tests), NATS
// (production), and WebSocket (browser and notebook clients).
package transport

import (
	"context"

	"github.com/c360/agentkernel/wire"
)

// Transport moves raw wire frames per channel. Implementations guarantee
// per-channel FIFO ordering. Recv is cancellation-safe: a cancelled call
// never consumes a message. Send is at-most-once per call.
type Transport interface {
	// Recv blocks for the next inbound frame set on the channel.
	Recv(ctx context.Context, channel wire.Channel) ([][]byte, error)

	// Send delivers one outbound frame set on the channel.
	Send(ctx context.Context, channel wire.Channel, frames [][]byte) error

	// Channels lists the channels this transport carries.
	Channels() []wire.Channel

	// Close tears the transport down. Blocked Recv calls return an error.
	Close() error
}

// DefaultChannels is the canonical channel set for a kernel endpoint.
var DefaultChannels = []wire.Channel{
	wire.ChannelShell,
	wire.ChannelControl,
	wire.ChannelIOPub,
	wire.ChannelStdin,
	wire.ChannelHeartbeat,
}
