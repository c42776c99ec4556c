// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"fmt"
	"io"

	"github.com/bassosimone/runtimex"
)

// MaxHeaderLength is the largest header a [HeaderCodec] may declare.
const MaxHeaderLength = 16

// HeaderCodec encodes and decodes the fixed-size header of a length-prefixed frame.
type HeaderCodec[H any] interface {
	// HeaderLength returns the header size, at most [MaxHeaderLength].
	HeaderLength() int

	// DecodeHeader decodes exactly HeaderLength bytes and returns
	// the header value and the length of the payload that follows.
	DecodeHeader(data []byte) (header H, payloadLength int, err error)

	// EncodeHeader writes exactly HeaderLength bytes into dst.
	//
	// The payloadLength is never larger than MaxPayloadLength.
	EncodeHeader(dst []byte, header H, payloadLength int)

	// MaxPayloadLength returns the largest payload length the header can express.
	MaxPayloadLength() int
}

// Frame is a length-prefixed message.
type Frame[H any] struct {
	// Header is the decoded header.
	Header H

	// Payload is the payload, which may span several chunks.
	Payload Buffer
}

// NewLengthPrefixedCodec returns a new [*LengthPrefixedCodec].
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The header argument describes the frame header.
//
// The frame length is capped to what the header can express.
//
// This function panics if the header is longer than [MaxHeaderLength].
func NewLengthPrefixedCodec[H any](cfg *Config, header HeaderCodec[H]) *LengthPrefixedCodec[H] {
	runtimex.Assert(header.HeaderLength() > 0 && header.HeaderLength() <= MaxHeaderLength)
	return &LengthPrefixedCodec[H]{
		Header:         header,
		MaxFrameLength: min(cfg.MaxFrameLength, header.MaxPayloadLength()),
	}
}

// LengthPrefixedCodec is a [Codec] for frames made of a fixed-size header,
// whose first field is the payload length, followed by the payload.
//
// Parsing is incremental: a decoded header is kept until its payload has
// fully arrived, so it is never decoded twice. Payloads are not copied:
// [Frame.Payload] views the input. Headers are copied into a small scratch
// buffer only when they span more than one chunk.
//
// A codec instance tracks a single outstanding frame on the read side, so
// use one instance per connection. Reading and writing concurrently is fine.
//
// All fields are safe to modify after construction but before first use.
type LengthPrefixedCodec[H any] struct {
	// Header describes the frame header.
	//
	// Set by [NewLengthPrefixedCodec] to the user-provided header codec.
	Header HeaderCodec[H]

	// MaxFrameLength is the largest accepted payload length. Writes
	// never exceed [HeaderCodec.MaxPayloadLength], even if this is larger.
	//
	// Set by [NewLengthPrefixedCodec] from [Config.MaxFrameLength], capped
	// to [HeaderCodec.MaxPayloadLength].
	MaxFrameLength int

	hasPending    bool
	pendingHeader H
	pendingLength int
	scratch       [MaxHeaderLength]byte
}

var _ Codec[Frame[LengthOnly]] = &LengthPrefixedCodec[LengthOnly]{}

// TryParseMessage implements [MessageReader].
func (c *LengthPrefixedCodec[H]) TryParseMessage(input Buffer, cursor *ParseCursor) (Frame[H], bool, error) {
	headerLength := c.Header.HeaderLength()

	if !c.hasPending {
		if input.Len() < headerLength {
			cursor.Examined = input.Len()
			return Frame[H]{}, false, nil
		}
		header, length, err := c.Header.DecodeHeader(c.headerBytes(input.Slice(0, headerLength)))
		if err != nil {
			return Frame[H]{}, false, &ParseError{Offset: 0, Reason: err.Error()}
		}
		if length < 0 || length > c.MaxFrameLength {
			return Frame[H]{}, false, &ParseError{
				Offset: 0,
				Reason: fmt.Sprintf("payload length %d outside [0, %d]", length, c.MaxFrameLength),
			}
		}
		c.hasPending, c.pendingHeader, c.pendingLength = true, header, length
	}

	total := headerLength + c.pendingLength
	if input.Len() < total {
		cursor.Examined = input.Len()
		return Frame[H]{}, false, nil
	}

	frame := Frame[H]{Header: c.pendingHeader, Payload: input.Slice(headerLength, total)}
	c.Reset()
	cursor.Consumed, cursor.Examined = total, total
	return frame, true, nil
}

// Reset drops the pending header, if any.
//
// Call it when the codec is reused for a fresh stream.
func (c *LengthPrefixedCodec[H]) Reset() {
	var zero H
	c.hasPending, c.pendingHeader, c.pendingLength = false, zero, 0
}

func (c *LengthPrefixedCodec[H]) headerBytes(header Buffer) []byte {
	if header.IsSingleChunk() {
		return header.Bytes()
	}
	count := header.CopyTo(c.scratch[:])
	return c.scratch[:count]
}

// WriteMessage implements [MessageWriter].
//
// The payload chunks are written in order after the header.
func (c *LengthPrefixedCodec[H]) WriteMessage(frame Frame[H], output io.Writer) error {
	length := frame.Payload.Len()
	if limit := min(c.MaxFrameLength, c.Header.MaxPayloadLength()); length > limit {
		return fmt.Errorf("connpipe: payload length %d exceeds %d", length, limit)
	}
	var header [MaxHeaderLength]byte
	headerLength := c.Header.HeaderLength()
	c.Header.EncodeHeader(header[:headerLength], frame.Header, length)
	_, err := NewBuffer(append([][]byte{header[:headerLength]}, frame.Payload.chunks...)...).WriteTo(output)
	return err
}
