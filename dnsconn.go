// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// DNSConn performs DNS exchanges over a [Conn] using [*DNSCodec] framing.
//
// This type owns the underlying connection. The caller is responsible for
// calling Close() when done.
//
// Exchanges are serialized. Cancelling the context of an exchange unblocks
// its I/O without closing the connection: a late response is recognized by
// its message ID and skipped by the next exchange.
//
// All fields are safe to modify after construction but before first use of
// Exchange(). Fields must not be mutated concurrently with Exchange().
//
// Construct via [*DNSConnFunc].
type DNSConn struct {
	codec  *DNSCodec
	conn   Conn
	mu     sync.Mutex
	stream *MessageStream[Frame[LengthOnly]]

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the SLogger to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// Close closes the underlying connection.
func (c *DNSConn) Close() error {
	return c.conn.Close()
}

// Conn returns the underlying [Conn].
func (c *DNSConn) Conn() Conn {
	return c.conn
}

// Exchange sends query and returns the response with the same ID.
//
// This method may be called multiple times on the same connection.
func (c *DNSConn) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t0 := c.TimeNow()
	deadline, _ := ctx.Deadline()
	lc := &dnsExchangeLogContext{
		ConnID:        c.conn.ID(),
		ErrClassifier: c.ErrClassifier,
		LocalAddr:     safeconn.LocalAddr(c.conn),
		Logger:        c.Logger,
		Protocol:      safeconn.Network(c.conn),
		RemoteAddr:    safeconn.RemoteAddr(c.conn),
		TimeNow:       c.TimeNow,
	}

	lc.logStart(t0, deadline)
	resp, err := c.exchange(ctx, lc, t0, query)
	lc.logDone(t0, deadline, err)
	return resp, err
}

func (c *DNSConn) exchange(ctx context.Context,
	lc *dnsExchangeLogContext, t0 time.Time, query *dns.Msg) (*dns.Msg, error) {
	rawQuery, err := query.Pack()
	if err != nil {
		return nil, err
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = CancelPendingRead(c.conn)
		_ = CancelPendingWrite(c.conn)
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
			_ = c.conn.SetDeadline(time.Time{})
		}
	}()

	lc.logQuery(t0, rawQuery)
	frame := Frame[LengthOnly]{Payload: NewBuffer(rawQuery)}
	if err := WriteMessage(c.conn, c.codec.Frames, frame); err != nil {
		return nil, c.mapError(ctx, err)
	}

	for {
		frame, err := c.stream.ReadMessage()
		if err != nil {
			return nil, c.mapError(ctx, err)
		}
		resp, err := c.codec.Unpack(frame)
		if err != nil {
			return nil, err
		}
		if resp.Id != query.Id {
			continue
		}
		lc.logResponse(t0, rawQuery, frame.Payload.Bytes())
		return resp, nil
	}
}

func (c *DNSConn) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// DNSConnFunc wraps a [Conn] into a [*DNSConn].
//
// This is a [Func] that can be composed into pipelines.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type DNSConnFunc struct {
	// Config is used to size the framing and buffering.
	//
	// Set by [NewDNSConnFunc] to the user-provided config.
	Config *Config

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

// NewDNSConnFunc returns a new [*DNSConnFunc].
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSConnFunc(cfg *Config, logger SLogger) *DNSConnFunc {
	return &DNSConnFunc{
		Config:        cfg,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

var _ Func[Conn, *DNSConn] = &DNSConnFunc{}

// Call wraps the [Conn] into a [*DNSConn].
func (op *DNSConnFunc) Call(ctx context.Context, conn Conn) (*DNSConn, error) {
	codec := NewDNSCodec(op.Config)
	return &DNSConn{
		codec:         codec,
		conn:          conn,
		stream:        NewMessageStream[Frame[LengthOnly]](op.Config, conn, codec.Frames),
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}, nil
}

// DNSResponder computes the response to a DNS query.
type DNSResponder func(ctx context.Context, query *dns.Msg) (*dns.Msg, error)

// NewDNSHandler returns the server-side [Handler] answering DNS queries
// received over the connection with respond, until the peer closes it.
//
// The handler returns nil on a clean end of stream and the error otherwise.
func NewDNSHandler(cfg *Config, respond DNSResponder) Handler {
	return func(ctx context.Context, conn Conn) error {
		codec := NewDNSCodec(cfg)
		stream := NewMessageStream[*dns.Msg](cfg, conn, codec)
		for {
			query, err := stream.ReadMessage()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			resp, err := respond(ctx, query)
			if err != nil {
				return err
			}
			if err := WriteMessage(conn, codec, resp); err != nil {
				return err
			}
		}
	}
}
