// Package frame implements the wire-level byte framing shared by both
// transports: ASCII-decimal length, a single zero byte separator, then
// exactly that many bytes of payload.
package frame

import (
	"bytes"
	"io"
	"strconv"
)

// Write emits one frame for payload to w.
func Write(w io.Writer, payload []byte) error {
	prefix := strconv.Itoa(len(payload))
	if _, err := w.Write([]byte(prefix)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Scanner incrementally reassembles frames out of an arbitrarily chunked
// byte stream: feed it whatever a single Read returned, in order, and it
// yields each complete frame exactly once, holding a partial frame across
// calls until enough bytes have arrived.
type Scanner struct {
	carry []byte
}

// Feed appends chunk to the carry buffer and returns every complete frame
// it can now extract, in order. Empty-payload frames are tolerated and
// dropped. A malformed length prefix is dropped together with its zero
// separator and scanning resumes after it, rather than losing the rest of
// the stream.
func (s *Scanner) Feed(chunk []byte) [][]byte {
	if len(chunk) > 0 {
		s.carry = append(s.carry, chunk...)
	}
	var frames [][]byte
	for {
		sep := bytes.IndexByte(s.carry, 0)
		if sep < 0 {
			return frames
		}
		length, err := strconv.Atoi(string(s.carry[:sep]))
		if err != nil || length < 0 {
			// drop the malformed prefix and its separator and keep scanning; a single
			// bad frame must not kill the connection.
			s.carry = s.carry[sep+1:]
			continue
		}
		remaining := s.carry[sep+1:]
		if len(remaining) < length {
			return frames
		}
		payload := remaining[:length]
		s.carry = remaining[length:]
		if length > 0 {
			out := make([]byte, length)
			copy(out, payload)
			frames = append(frames, out)
		}
	}
}
