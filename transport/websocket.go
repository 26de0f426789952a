package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/wire"
)

// wsEnvelope multiplexes all channels over one websocket connection.
type wsEnvelope struct {
	Channel string   `json:"channel"`
	Frames  []string `json:"frames"` // base64
}

// WebSocket adapts one websocket connection into a Transport. Browsers and
// notebook frontends cannot speak NATS directly; the service shell upgrades
// their HTTP connections and wraps them here.
type WebSocket struct {
	conn     *websocket.Conn
	channels []wire.Channel
	recvCh   map[wire.Channel]chan [][]byte
	logger   *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// WrapWebSocket wraps an established websocket connection. The read pump
// starts immediately.
func WrapWebSocket(conn *websocket.Conn, logger *slog.Logger, channels ...wire.Channel) *WebSocket {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &WebSocket{
		conn:     conn,
		channels: channels,
		recvCh:   make(map[wire.Channel]chan [][]byte, len(channels)),
		logger:   logger,
		closed:   make(chan struct{}),
	}
	for _, ch := range channels {
		t.recvCh[ch] = make(chan [][]byte, 64)
	}
	go t.readPump()
	return t
}

// DialWebSocket connects to a kernel websocket endpoint.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger, channels ...wire.Channel) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, errors.WrapTransport(err, "WebSocket", "DialWebSocket", "dial")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return WrapWebSocket(conn, logger, channels...), nil
}

func (t *WebSocket) readPump() {
	defer t.markClosed()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("WebSocket read failed", "error", err)
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("Dropping malformed websocket envelope", "error", err)
			continue
		}
		ch, ok := t.recvCh[wire.Channel(env.Channel)]
		if !ok {
			t.logger.Warn("Dropping envelope for unknown channel", "channel", env.Channel)
			continue
		}

		frames := make([][]byte, 0, len(env.Frames))
		bad := false
		for _, f := range env.Frames {
			raw, derr := base64.StdEncoding.DecodeString(f)
			if derr != nil {
				bad = true
				break
			}
			frames = append(frames, raw)
		}
		if bad {
			t.logger.Warn("Dropping envelope with invalid frame encoding", "channel", env.Channel)
			continue
		}

		select {
		case ch <- frames:
		default:
			t.logger.Warn("WebSocket receive buffer full, dropping frame set", "channel", env.Channel)
		}
	}
}

// Recv blocks for the next inbound frame set on the channel.
func (t *WebSocket) Recv(ctx context.Context, channel wire.Channel) ([][]byte, error) {
	ch, ok := t.recvCh[channel]
	if !ok {
		return nil, errors.WrapTransport(errors.ErrUnknownChannel, "WebSocket", "Recv", string(channel))
	}
	select {
	case frames := <-ch:
		return frames, nil
	case <-t.closed:
		return nil, errors.WrapTransport(errors.ErrAlreadyStopped, "WebSocket", "Recv", "connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one outbound frame set on the channel.
func (t *WebSocket) Send(ctx context.Context, channel wire.Channel, frames [][]byte) error {
	if _, ok := t.recvCh[channel]; !ok {
		return errors.WrapTransport(errors.ErrUnknownChannel, "WebSocket", "Send", string(channel))
	}
	select {
	case <-t.closed:
		return errors.WrapTransport(errors.ErrAlreadyStopped, "WebSocket", "Send", "connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	env := wsEnvelope{Channel: string(channel), Frames: make([]string, len(frames))}
	for i, f := range frames {
		env.Frames[i] = base64.StdEncoding.EncodeToString(f)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapTransport(err, "WebSocket", "Send", "marshal envelope")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransport(err, "WebSocket", "Send", string(channel))
	}
	return nil
}

// Channels lists the channels this transport carries.
func (t *WebSocket) Channels() []wire.Channel {
	return append([]wire.Channel(nil), t.channels...)
}

// Close closes the connection. Blocked Recv calls return an error.
func (t *WebSocket) Close() error {
	t.markClosed()
	return t.conn.Close()
}

func (t *WebSocket) markClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Upgrader upgrades HTTP requests into kernel websocket transports. The
// service shell enforces the max-clients cap before calling Upgrade.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}
