// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// MemoryNetwork is the [Endpoint.Network] served by [*MemoryTransport].
const MemoryNetwork = "memory"

// memoryBacklog is the number of dialed connections a listener queues before Accept.
const memoryBacklog = 16

// ErrMemoryConnRefused is returned when dialing a name nobody listens on.
var ErrMemoryConnRefused = errors.New("connection refused")

// NewMemoryTransport returns a new in-process [*MemoryTransport].
func NewMemoryTransport(cfg *Config) *MemoryTransport {
	return &MemoryTransport{
		Config:    cfg,
		listeners: make(map[string]*memoryListener),
	}
}

// MemoryTransport connects dialers and listeners living in the same
// process through [net.Pipe], addressing listeners by name.
//
// It implements Func[Endpoint, Conn] for endpoints whose network is
// [MemoryNetwork], so it plugs into [*ConnectBridge] and [*Pool].
type MemoryTransport struct {
	// Config is used to build the returned [Conn] instances.
	Config *Config

	mu        sync.Mutex
	listeners map[string]*memoryListener
}

var _ Func[Endpoint, Conn] = &MemoryTransport{}

// Listen binds name and returns the corresponding [Listener].
func (t *MemoryTransport) Listen(name string) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.listeners[name]; found {
		return nil, fmt.Errorf("connpipe: memory listener %q already bound", name)
	}
	l := &memoryListener{
		addr:      memoryAddr(name),
		closed:    make(chan struct{}),
		conns:     make(chan net.Conn, memoryBacklog),
		transport: t,
	}
	t.listeners[name] = l
	return l, nil
}

// Call dials the listener named by [Endpoint.Address].
func (t *MemoryTransport) Call(ctx context.Context, endpoint Endpoint) (Conn, error) {
	if endpoint.Network != MemoryNetwork {
		return nil, &ConnectError{Endpoint: endpoint, Err: net.UnknownNetworkError(endpoint.Network)}
	}
	t.mu.Lock()
	l := t.listeners[endpoint.Address]
	t.mu.Unlock()
	if l == nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: ErrMemoryConnRefused}
	}

	client, server := net.Pipe()
	local := memoryAddr(endpoint.Address + "#client")
	select {
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, &ConnectError{Endpoint: endpoint, Err: ctx.Err()}
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, &ConnectError{Endpoint: endpoint, Err: ErrMemoryConnRefused}
	case l.conns <- &memoryConn{Conn: server, local: l.addr, remote: local}:
		return NewConn(t.Config, &memoryConn{Conn: client, local: local, remote: l.addr}), nil
	}
}

func (t *MemoryTransport) unbind(l *memoryListener) {
	t.mu.Lock()
	if t.listeners[string(l.addr)] == l {
		delete(t.listeners, string(l.addr))
	}
	t.mu.Unlock()
}

type memoryListener struct {
	addr      memoryAddr
	closeOnce sync.Once
	closed    chan struct{}
	conns     chan net.Conn
	transport *MemoryTransport
}

func (l *memoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, net.ErrClosed
	case conn := <-l.conns:
		return NewConn(l.transport.Config, conn), nil
	}
}

func (l *memoryListener) Addr() net.Addr {
	return l.addr
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		l.transport.unbind(l)
		close(l.closed)
		for {
			select {
			case conn := <-l.conns:
				conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

// memoryAddr is the [net.Addr] of memory connections.
type memoryAddr string

func (a memoryAddr) Network() string { return MemoryNetwork }

func (a memoryAddr) String() string { return string(a) }

type memoryConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *memoryConn) LocalAddr() net.Addr { return c.local }

func (c *memoryConn) RemoteAddr() net.Addr { return c.remote }
