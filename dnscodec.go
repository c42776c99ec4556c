// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"io"

	"github.com/miekg/dns"
)

// NewDNSCodec returns a new [*DNSCodec].
//
// The cfg argument contains the common configuration for connpipe operations.
// The frame length is further capped to what a 2-byte header can express.
func NewDNSCodec(cfg *Config) *DNSCodec {
	return &DNSCodec{Frames: NewLengthPrefixedCodec[LengthOnly](cfg, Uint16LengthHeader{})}
}

// DNSCodec is a [Codec] for DNS messages framed as in DNS over TCP (RFC 1035
// Section 4.2.2), that is, prefixed by a 2-byte big-endian length.
//
// Use one instance per connection, as for [*LengthPrefixedCodec].
type DNSCodec struct {
	// Frames is the underlying frame codec.
	//
	// Set by [NewDNSCodec].
	Frames *LengthPrefixedCodec[LengthOnly]
}

var _ Codec[*dns.Msg] = &DNSCodec{}

// TryParseMessage implements [MessageReader].
//
// A frame whose payload is not a valid DNS message yields a [*ParseError].
func (c *DNSCodec) TryParseMessage(input Buffer, cursor *ParseCursor) (*dns.Msg, bool, error) {
	frame, ok, err := c.Frames.TryParseMessage(input, cursor)
	if err != nil || !ok {
		return nil, false, err
	}
	msg, err := c.Unpack(frame)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Unpack decodes the DNS message carried by frame.
func (c *DNSCodec) Unpack(frame Frame[LengthOnly]) (*dns.Msg, error) {
	msg := &dns.Msg{}
	if err := msg.Unpack(frame.Payload.Bytes()); err != nil {
		return nil, &ParseError{Offset: 0, Reason: "dns: " + err.Error()}
	}
	return msg, nil
}

// WriteMessage implements [MessageWriter].
func (c *DNSCodec) WriteMessage(msg *dns.Msg, output io.Writer) error {
	raw, err := msg.Pack()
	if err != nil {
		return err
	}
	return c.Frames.WriteMessage(Frame[LengthOnly]{Payload: NewBuffer(raw)}, output)
}
