// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// Conn is a duplex byte stream with an identity, flowing through a [Pipeline].
//
// The local and remote endpoints are [net.Conn.LocalAddr] and [net.Conn.RemoteAddr].
// Use [CancelPendingRead] and [CancelPendingWrite] to unblock pending I/O.
//
// Close is graceful and Abort is immediate. Both are idempotent: once the
// connection is closed, further calls to either are no-ops returning nil.
type Conn interface {
	net.Conn

	// ID returns the opaque connection identifier.
	ID() string

	// Items returns the property bag shared by every view of this connection.
	Items() *Items

	// Flush pushes any buffered writes to the transport.
	Flush() error

	// Abort tears the connection down immediately.
	//
	// Subsequent I/O fails with [ErrConnectionAborted] wrapping the reason.
	Abort(reason error)

	// Closed returns a channel closed once the connection is closed or aborted.
	Closed() <-chan struct{}
}

// NewConnID returns a UUIDv7 connection identifier.
//
// Identifiers are time-ordered, which keeps log entries of concurrent
// connections sortable by creation time.
//
// This function panics if the system random number generator fails.
func NewConnID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// NewConn wraps a transport [net.Conn] into a [Conn].
//
// The returned [Conn] owns conn. The identifier comes from [Config.NewConnID].
func NewConn(cfg *Config, conn net.Conn) Conn {
	runtimex.Assert(conn != nil)
	return &transportConn{
		closed: make(chan struct{}),
		conn:   conn,
		id:     cfg.NewConnID(),
		items:  NewItems(),
	}
}

type transportConn struct {
	aborted   bool
	closeOnce sync.Once
	closed    chan struct{}
	conn      net.Conn
	id        string
	items     *Items
	mu        sync.Mutex
	reason    error
}

var _ Conn = &transportConn{}

func (c *transportConn) ID() string { return c.id }

func (c *transportConn) Items() *Items { return c.items }

func (c *transportConn) Closed() <-chan struct{} { return c.closed }

func (c *transportConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *transportConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *transportConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

func (c *transportConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *transportConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *transportConn) Read(buf []byte) (int, error) {
	count, err := c.conn.Read(buf)
	return count, c.mapError(err)
}

func (c *transportConn) Write(data []byte) (int, error) {
	count, err := c.conn.Write(data)
	return count, c.mapError(err)
}

func (c *transportConn) Flush() error {
	if f, ok := c.conn.(flusher); ok {
		return c.mapError(f.Flush())
	}
	return nil
}

func (c *transportConn) Close() (err error) {
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.closed)
	})
	return
}

func (c *transportConn) Abort(reason error) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.mu.Lock()
	if !c.aborted {
		c.aborted = true
		c.reason = reason
	}
	c.mu.Unlock()
	if lc, ok := c.conn.(lingerSetter); ok {
		_ = lc.SetLinger(0) // reset rather than FIN
	}
	_ = c.Close()
}

func (c *transportConn) mapError(err error) error {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	aborted, reason := c.aborted, c.reason
	c.mu.Unlock()
	switch {
	case !aborted:
		return err
	case reason == nil:
		return ErrConnectionAborted
	default:
		return fmt.Errorf("%w: %w", ErrConnectionAborted, reason)
	}
}

type flusher interface {
	Flush() error
}

type lingerSetter interface {
	SetLinger(sec int) error
}

// WithStream returns a [Conn] sharing the identity, items, abort, and closed
// signal of conn, whose byte stream is stream instead.
//
// Stages use this to layer a new stream (e.g., TLS) over the connection.
// Closing the returned [Conn] closes stream and then conn.
func WithStream(conn Conn, stream net.Conn) Conn {
	return &streamConn{Conn: conn, stream: stream}
}

type streamConn struct {
	Conn
	stream net.Conn
}

func (c *streamConn) Read(buf []byte) (int, error) { return c.stream.Read(buf) }

func (c *streamConn) Write(data []byte) (int, error) { return c.stream.Write(data) }

func (c *streamConn) LocalAddr() net.Addr { return c.stream.LocalAddr() }

func (c *streamConn) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.stream.SetReadDeadline(t) }

func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *streamConn) Flush() error {
	if f, ok := c.stream.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return c.Conn.Flush()
}

func (c *streamConn) Close() error {
	select {
	case <-c.Conn.Closed():
		return nil
	default:
	}
	err := c.stream.Close()
	if cerr := c.Conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// aLongTimeAgo is a deadline that has always expired.
var aLongTimeAgo = time.Unix(1, 0)

// CancelPendingRead unblocks any Read pending on conn by expiring its read deadline.
//
// Reset the deadline with SetReadDeadline(time.Time{}) to read again.
func CancelPendingRead(conn net.Conn) error {
	return conn.SetReadDeadline(aLongTimeAgo)
}

// CancelPendingWrite unblocks any Write pending on conn by expiring its write deadline.
func CancelPendingWrite(conn net.Conn) error {
	return conn.SetWriteDeadline(aLongTimeAgo)
}

// CloseContext closes conn, waiting at most until ctx is done.
//
// When ctx is done first, CloseContext returns ctx.Err() but the close keeps
// running in the background: for a bridged [Conn] this means the pipeline
// still fully unwinds, only the caller stops waiting for it.
func CloseContext(ctx context.Context, conn net.Conn) error {
	errch := make(chan error, 1)
	go func() {
		errch <- conn.Close()
	}()
	select {
	case err := <-errch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Items is a concurrency-safe property bag attached to a [Conn].
//
// Stages use it to publish per-connection facts (e.g., the negotiated
// application protocol) to the stages and callers that follow.
type Items struct {
	mu     sync.Mutex
	values map[string]any
}

// PropertyNegotiatedProtocol is the [Items] key holding the ALPN protocol
// negotiated by [*TLSStage], as a string.
const PropertyNegotiatedProtocol = "negotiatedProtocol"

// NewItems returns an empty [*Items].
func NewItems() *Items {
	return &Items{values: make(map[string]any)}
}

// Get returns the value stored under key, if any.
func (it *Items) Get(key string) (any, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	value, found := it.values[key]
	return value, found
}

// Set stores value under key.
func (it *Items) Set(key string, value any) {
	it.mu.Lock()
	it.values[key] = value
	it.mu.Unlock()
}

// Delete removes key.
func (it *Items) Delete(key string) {
	it.mu.Lock()
	delete(it.values, key)
	it.mu.Unlock()
}

// Len returns the number of stored properties.
func (it *Items) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.values)
}
