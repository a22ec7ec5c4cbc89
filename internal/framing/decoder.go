// Package framing implements the stateful length-prefixed message decoder
// used by both the client and server transports (§4.2, "Stream Decoder" in
// §2). It accepts arbitrary byte chunks as they arrive off HTTP/2 DATA
// frames and yields whole messages in arrival order, buffering any partial
// trailing frame.
package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// FrameHeaderLen is the fixed 5-byte prefix: 1 compression-flag byte plus a
// 4-byte big-endian length.
const FrameHeaderLen = 5

// MaxMessageLen bounds a single message's payload length, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation. It is
// deliberately generous; callers that need a tighter bound enforce it
// themselves (serviceconfig's maxRequestBytes/maxResponseBytes).
const MaxMessageLen = 1 << 28 // 256 MiB

// Decoder accumulates DATA chunks and emits complete frames. It is not safe
// for concurrent use; the call state machines that own one serialize all
// writes to it on the channel executor.
type Decoder struct {
	buf     bytebufferpool.ByteBuffer
	pending []byte
}

// Message is one fully decoded frame.
type Message struct {
	Compressed bool
	Data       []byte
}

// Write feeds chunk into the decoder and returns every message that became
// complete as a result, in order. A partial trailing frame is retained
// internally for the next call.
func (d *Decoder) Write(chunk []byte) ([]Message, error) {
	d.pending = append(d.pending, chunk...)

	var out []Message
	for {
		if len(d.pending) < FrameHeaderLen {
			return out, nil
		}
		compressed := d.pending[0] != 0
		length := binary.BigEndian.Uint32(d.pending[1:FrameHeaderLen])
		if length > MaxMessageLen {
			return out, fmt.Errorf("framing: message length %d exceeds maximum %d", length, MaxMessageLen)
		}
		total := FrameHeaderLen + int(length)
		if len(d.pending) < total {
			return out, nil
		}
		data := make([]byte, length)
		copy(data, d.pending[FrameHeaderLen:total])
		out = append(out, Message{Compressed: compressed, Data: data})
		d.pending = d.pending[total:]
	}
}

// Reset discards any partial buffered frame; used when a stream ends with a
// truncated trailing frame (a framing error) or is cancelled.
func (d *Decoder) Reset() {
	d.pending = nil
}

// HasPartial reports whether a trailing partial frame is currently
// buffered; a true value when the stream ends indicates a malformed stream.
func (d *Decoder) HasPartial() bool {
	return len(d.pending) > 0
}

// Encode writes one message frame: the 1-byte compression flag, the 4-byte
// big-endian length, then the payload. It pools its scratch buffer via
// bytebufferpool to avoid a fresh allocation per outgoing message on
// high-throughput streaming calls.
func Encode(compressed bool, payload []byte) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.Reset()

	var flag byte
	if compressed {
		flag = 1
	}
	_ = bb.WriteByte(flag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, _ = bb.Write(lenBuf[:])
	_, _ = bb.Write(payload)

	out := make([]byte, bb.Len())
	copy(out, bb.Bytes())
	return out
}
