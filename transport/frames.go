package transport

import (
	"encoding/binary"

	"github.com/c360/agentkernel/errors"
)

// packFrames flattens a multipart frame set into one payload using 4-byte
// big-endian length prefixes, for transports that carry a single blob per
// message.
func packFrames(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	var n [4]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		out = append(out, n[:]...)
		out = append(out, f...)
	}
	return out
}

// unpackFrames reverses packFrames.
func unpackFrames(payload []byte) ([][]byte, error) {
	var frames [][]byte
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, errors.WrapTransport(errors.ErrMalformed, "transport", "unpackFrames", "short length prefix")
		}
		n := binary.BigEndian.Uint32(payload[:4])
		payload = payload[4:]
		if uint32(len(payload)) < n {
			return nil, errors.WrapTransport(errors.ErrMalformed, "transport", "unpackFrames", "short frame body")
		}
		frames = append(frames, append([]byte(nil), payload[:n]...))
		payload = payload[n:]
	}
	return frames, nil
}
