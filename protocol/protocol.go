// Package protocol implements the newline-delimited JSON framing of the
// management wire protocol.
//
// A frame is one JSON object followed by a single '\n'. TCP gives no
// message-per-read guarantee, so the decoder buffers the undelimited tail of
// each read until the next chunk arrives:
//
//	read 1: {"result":1,"error":null,"i      → 0 messages, 27 bytes buffered
//	read 2: d":3}\n{"method":"update",...}\n → 2 messages, buffer empty
//
// A segment that fails to parse is logged and skipped; it never terminates
// the stream or affects the segments after it.
package protocol

import (
	"bytes"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"dbmgmt/message"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = '\n'

// Encode writes one frame: v as a JSON object followed by the delimiter.
// The frame is written with a single Write so callers serializing writes with
// a mutex cannot interleave partial frames.
func Encode(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, Delimiter)
	_, err = w.Write(data)
	return err
}

// Decoder turns the connection's byte stream back into discrete messages.
// It is not safe for concurrent use; the transport owns one per connection
// and feeds it from the single read loop.
type Decoder struct {
	rest   []byte
	logger *zap.Logger
}

// NewDecoder creates a decoder. A nil logger disables decode-failure logging.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Feed consumes one arrived chunk and returns the messages it completed, in
// wire order. A chunk may complete zero messages (partial frame), one, or
// many. Empty segments are skipped silently, malformed ones with a warning.
func (d *Decoder) Feed(chunk []byte) []*message.Message {
	d.rest = append(d.rest, chunk...)

	var out []*message.Message
	for {
		i := bytes.IndexByte(d.rest, Delimiter)
		if i < 0 {
			break
		}
		seg := bytes.TrimSpace(d.rest[:i])
		d.rest = d.rest[i+1:]
		if len(seg) == 0 {
			continue
		}
		m := new(message.Message)
		if err := json.Unmarshal(seg, m); err != nil {
			d.logger.Warn("dropping malformed frame",
				zap.Error(err),
				zap.Int("bytes", len(seg)))
			continue
		}
		out = append(out, m)
	}
	return out
}

// Buffered returns how many bytes are waiting for a delimiter.
func (d *Decoder) Buffered() int {
	return len(d.rest)
}
