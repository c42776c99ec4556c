// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Listener accepts inbound connections.
//
// Accept blocks until a connection arrives, ctx is done, or the listener is
// closed. Shutdown is reported as an error matching [net.ErrClosed]. Close
// unbinds the listener and is safe to call more than once.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// NewNetListener adapts a [net.Listener] to [Listener].
//
// Cancelling the context passed to Accept closes the listener, because
// [net.Listener] has no other way to interrupt a pending Accept.
func NewNetListener(cfg *Config, listener net.Listener) Listener {
	return &netListener{cfg: cfg, listener: listener}
}

type netListener struct {
	cfg       *Config
	closeOnce sync.Once
	closeErr  error
	listener  net.Listener
}

func (l *netListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()
	conn, err := l.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(net.ErrClosed, ctx.Err())
		}
		return nil, err
	}
	return NewConn(l.cfg, conn), nil
}

func (l *netListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *netListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.listener.Close()
	})
	return l.closeErr
}
