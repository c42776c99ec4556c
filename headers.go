// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"encoding/binary"
	"fmt"
	"math"
)

// All the header codecs below use big-endian byte order.

// LengthOnly is the header value of frames whose header is just the payload length.
type LengthOnly struct{}

// Uint16LengthHeader is a 2-byte payload length header (e.g., DNS over TCP).
type Uint16LengthHeader struct{}

var _ HeaderCodec[LengthOnly] = Uint16LengthHeader{}

// HeaderLength implements [HeaderCodec].
func (Uint16LengthHeader) HeaderLength() int {
	return 2
}

// DecodeHeader implements [HeaderCodec].
func (Uint16LengthHeader) DecodeHeader(data []byte) (LengthOnly, int, error) {
	return LengthOnly{}, int(binary.BigEndian.Uint16(data)), nil
}

// EncodeHeader implements [HeaderCodec].
func (Uint16LengthHeader) EncodeHeader(dst []byte, _ LengthOnly, payloadLength int) {
	binary.BigEndian.PutUint16(dst, uint16(payloadLength))
}

// MaxPayloadLength implements [HeaderCodec].
func (Uint16LengthHeader) MaxPayloadLength() int {
	return math.MaxUint16
}

// Uint32LengthHeader is a 4-byte payload length header.
type Uint32LengthHeader struct{}

var _ HeaderCodec[LengthOnly] = Uint32LengthHeader{}

// HeaderLength implements [HeaderCodec].
func (Uint32LengthHeader) HeaderLength() int {
	return 4
}

// DecodeHeader implements [HeaderCodec].
func (Uint32LengthHeader) DecodeHeader(data []byte) (LengthOnly, int, error) {
	length, err := decodeUint32Length(data)
	return LengthOnly{}, length, err
}

// EncodeHeader implements [HeaderCodec].
func (Uint32LengthHeader) EncodeHeader(dst []byte, _ LengthOnly, payloadLength int) {
	binary.BigEndian.PutUint32(dst, uint32(payloadLength))
}

// MaxPayloadLength implements [HeaderCodec].
func (Uint32LengthHeader) MaxPayloadLength() int {
	return maxUint32Length()
}

// maxUint32Length is the largest uint32 length that also fits an int.
func maxUint32Length() int {
	return int(min(uint64(math.MaxUint32), uint64(math.MaxInt)))
}

func decodeUint32Length(data []byte) (int, error) {
	length := binary.BigEndian.Uint32(data)
	if uint64(length) > math.MaxInt {
		return 0, fmt.Errorf("payload length %d overflows int", length)
	}
	return int(length), nil
}

// KindHeader is the header of frames tagged with a message kind.
//
// On the wire it takes 8 bytes: a uint32 payload length, a uint16
// kind, and a uint16 of flags.
type KindHeader struct {
	Kind  uint16
	Flags uint16
}

// KindHeaderCodec is the [HeaderCodec] for [KindHeader].
type KindHeaderCodec struct{}

var _ HeaderCodec[KindHeader] = KindHeaderCodec{}

// HeaderLength implements [HeaderCodec].
func (KindHeaderCodec) HeaderLength() int {
	return 8
}

// DecodeHeader implements [HeaderCodec].
func (KindHeaderCodec) DecodeHeader(data []byte) (KindHeader, int, error) {
	length, err := decodeUint32Length(data[:4])
	header := KindHeader{
		Kind:  binary.BigEndian.Uint16(data[4:6]),
		Flags: binary.BigEndian.Uint16(data[6:8]),
	}
	return header, length, err
}

// EncodeHeader implements [HeaderCodec].
func (KindHeaderCodec) EncodeHeader(dst []byte, header KindHeader, payloadLength int) {
	binary.BigEndian.PutUint32(dst[:4], uint32(payloadLength))
	binary.BigEndian.PutUint16(dst[4:6], header.Kind)
	binary.BigEndian.PutUint16(dst[6:8], header.Flags)
}

// MaxPayloadLength implements [HeaderCodec].
func (KindHeaderCodec) MaxPayloadLength() int {
	return maxUint32Length()
}

// KindDecoder turns a [KindHeader] frame into a concrete message of type T
// by looking up the decoder registered for its kind.
//
// The registry is explicit: T is usually an interface implemented by a
// closed set of message structs, and each entry builds one of them.
type KindDecoder[T any] map[uint16]func(header KindHeader, payload Buffer) (T, error)

// Decode decodes frame, failing with a [*ParseError] for unknown kinds
// and for payloads the registered decoder rejects.
func (d KindDecoder[T]) Decode(frame Frame[KindHeader]) (T, error) {
	var zero T
	decode, found := d[frame.Header.Kind]
	if !found {
		return zero, &ParseError{Reason: fmt.Sprintf("unknown message kind %d", frame.Header.Kind)}
	}
	message, err := decode(frame.Header, frame.Payload)
	if err != nil {
		return zero, &ParseError{Reason: fmt.Sprintf("kind %d: %s", frame.Header.Kind, err.Error())}
	}
	return message, nil
}
