// Package wire implements the multi-channel wire protocol: framed messages
// with routing identities, HMAC-SHA256 signatures, and four JSON payloads
// (header, parent_header, metadata, content).
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Channel names a logical per-direction message stream. Ordering is
// guaranteed per channel, never across channels.
type Channel string

const (
	// ChannelShell carries request/reply traffic (router-style).
	ChannelShell Channel = "shell"
	// ChannelControl carries high-priority request/reply traffic (router-style).
	ChannelControl Channel = "control"
	// ChannelIOPub broadcasts status, stream, display, and error messages.
	ChannelIOPub Channel = "iopub"
	// ChannelStdin carries reverse requests to the client (router-style).
	ChannelStdin Channel = "stdin"
	// ChannelHeartbeat echoes frames back verbatim.
	ChannelHeartbeat Channel = "heartbeat"
)

// RouterStyle reports whether replies on the channel must echo request
// identities. Broadcast channels must carry none.
func (c Channel) RouterStyle() bool {
	switch c {
	case ChannelShell, ChannelControl, ChannelStdin:
		return true
	default:
		return false
	}
}

// ProtocolVersion is the wire protocol version stamped on every header.
const ProtocolVersion = "5.3"

// identitiesKey is the in-memory metadata key holding hex-encoded routing
// identities between decode and reply encode. It must never reach the wire.
const identitiesKey = "__identities"

// Header identifies a single wire message.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// NewHeader creates a header for msg_type within session.
func NewHeader(msgType, session, username string) Header {
	return Header{
		MsgID:    uuid.NewString(),
		MsgType:  msgType,
		Session:  session,
		Username: username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  ProtocolVersion,
	}
}

// Message is a decoded wire message. Identities are the routing tokens that
// preceded the delimiter frame; empty on broadcast-style channels.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader *Header
	Metadata     map[string]any
	Content      map[string]any
}

// Reply builds a reply message of msgType: parent header set to the request
// header, identities copied from the request.
func (m *Message) Reply(msgType string, content map[string]any) *Message {
	parent := m.Header
	ids := make([][]byte, len(m.Identities))
	copy(ids, m.Identities)
	return &Message{
		Identities:   ids,
		Header:       NewHeader(msgType, m.Header.Session, m.Header.Username),
		ParentHeader: &parent,
		Metadata:     map[string]any{},
		Content:      content,
	}
}

// Child builds a broadcast message correlated to this request: parent header
// set, no identities.
func (m *Message) Child(msgType string, content map[string]any) *Message {
	parent := m.Header
	return &Message{
		Header:       NewHeader(msgType, m.Header.Session, m.Header.Username),
		ParentHeader: &parent,
		Metadata:     map[string]any{},
		Content:      content,
	}
}

// ParentSession returns the parent header session, or "" when absent.
func (m *Message) ParentSession() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.Session
}
