package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/c360/agentkernel/errors"
)

// delimiter separates routing identities from the signed payload frames.
var delimiter = []byte("<IDS|MSG>")

// Codec encodes and decodes wire messages for one signing key.
type Codec struct {
	signingKey []byte
}

// NewCodec creates a codec. The signing key is the ASCII bytes from the
// connection file; an empty key is rejected because unsigned messages are
// not accepted on any channel.
func NewCodec(signingKey string) (*Codec, error) {
	if signingKey == "" {
		return nil, errors.WrapFatal(errors.ErrMissingKey, "Codec", "NewCodec", "validate signing key")
	}
	return &Codec{signingKey: []byte(signingKey)}, nil
}

// Decode parses raw frames from a channel into a Message, verifying the
// signature. On any failure nothing is partially applied.
func (c *Codec) Decode(frames [][]byte, channel Channel) (*Message, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			delim = i
			break
		}
	}
	if delim < 0 {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode",
			fmt.Sprintf("find delimiter on %s", channel))
	}
	if delim+6 > len(frames) {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode",
			fmt.Sprintf("frame count on %s", channel))
	}

	identities := frames[:delim]
	signature := frames[delim+1]
	headerRaw := frames[delim+2]
	parentRaw := frames[delim+3]
	metadataRaw := frames[delim+4]
	contentRaw := frames[delim+5]

	expected := c.sign(headerRaw, parentRaw, metadataRaw, contentRaw)
	received := make([]byte, hex.DecodedLen(len(signature)))
	if _, err := hex.Decode(received, signature); err != nil {
		return nil, errors.WrapKind(errors.KindAuth, errors.ErrAuthFailed, "Codec", "Decode", "decode signature hex")
	}
	if !hmac.Equal(received, expected) {
		return nil, errors.WrapKind(errors.KindAuth, errors.ErrAuthFailed, "Codec", "Decode",
			fmt.Sprintf("verify signature on %s", channel))
	}

	var header Header
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode", "parse header")
	}
	if header.MsgType == "" || header.MsgID == "" {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode", "validate header fields")
	}

	// An empty object means "no parent".
	var parent *Header
	if len(parentRaw) > 0 && !bytes.Equal(bytes.TrimSpace(parentRaw), []byte("{}")) {
		parent = &Header{}
		if err := json.Unmarshal(parentRaw, parent); err != nil {
			return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode", "parse parent_header")
		}
	}

	var metadata map[string]any
	if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode", "parse metadata")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	var content map[string]any
	if err := json.Unmarshal(contentRaw, &content); err != nil {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Decode", "parse content")
	}
	if content == nil {
		content = map[string]any{}
	}

	msg := &Message{
		Identities:   cloneFrames(identities),
		Header:       header,
		ParentHeader: parent,
		Metadata:     metadata,
		Content:      content,
	}

	// Retain identities in metadata so handlers that rebuild messages still
	// know where the reply goes. Stripped again on encode.
	if len(identities) > 0 {
		hexIDs := make([]string, len(identities))
		for i, id := range identities {
			hexIDs[i] = hex.EncodeToString(id)
		}
		msg.Metadata[identitiesKey] = hexIDs
	}

	return msg, nil
}

// Encode serializes a Message into wire frames:
// [identities..., delimiter, signature, header, parent_header, metadata, content].
func (c *Codec) Encode(msg *Message, channel Channel) ([][]byte, error) {
	if channel.RouterStyle() && len(msg.Identities) == 0 {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Encode",
			fmt.Sprintf("router channel %s requires at least one identity", channel))
	}
	if !channel.RouterStyle() && len(msg.Identities) > 0 {
		return nil, errors.WrapProtocol(errors.ErrMalformed, "Codec", "Encode",
			fmt.Sprintf("broadcast channel %s forbids identities", channel))
	}

	headerRaw, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, errors.WrapProtocol(err, "Codec", "Encode", "marshal header")
	}

	parentRaw := []byte("{}")
	if msg.ParentHeader != nil {
		parentRaw, err = json.Marshal(msg.ParentHeader)
		if err != nil {
			return nil, errors.WrapProtocol(err, "Codec", "Encode", "marshal parent_header")
		}
	}

	// The routing hint never leaks to the wire.
	metadata := msg.Metadata
	if _, ok := metadata[identitiesKey]; ok {
		metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			if k != identitiesKey {
				metadata[k] = v
			}
		}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.WrapProtocol(err, "Codec", "Encode", "marshal metadata")
	}

	content := msg.Content
	if content == nil {
		content = map[string]any{}
	}
	contentRaw, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WrapProtocol(err, "Codec", "Encode", "marshal content")
	}

	signature := hex.EncodeToString(c.sign(headerRaw, parentRaw, metadataRaw, contentRaw))

	frames := make([][]byte, 0, len(msg.Identities)+6)
	frames = append(frames, msg.Identities...)
	frames = append(frames, delimiter, []byte(signature), headerRaw, parentRaw, metadataRaw, contentRaw)
	return frames, nil
}

func (c *Codec) sign(parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, c.signingKey)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func cloneFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
