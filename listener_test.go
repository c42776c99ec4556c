// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewNetListener accepts TCP connections and wraps them as [Conn].
func TestNetListenerAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := NewNetListener(newTestConfig(), ln)
	defer listener.Close()

	assert.Equal(t, ln.Addr(), listener.Addr())

	client, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	conn, err := listener.Accept(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "conn-1", conn.ID())
	assert.Equal(t, client.LocalAddr().String(), conn.RemoteAddr().String())
}

// Accept returns net.ErrClosed and the context error when ctx is done.
func TestNetListenerAcceptCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := NewNetListener(NewConfig(), ln)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = listener.Accept(ctx)

	require.ErrorIs(t, err, net.ErrClosed)
	require.ErrorIs(t, err, context.Canceled)

	// the listener is closed and Close stays idempotent
	assert.Equal(t, listener.Close(), listener.Close())
}

// Accept on a closed listener returns net.ErrClosed.
func TestNetListenerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := NewNetListener(NewConfig(), ln)
	require.NoError(t, listener.Close())

	_, err = listener.Accept(context.Background())
	require.ErrorIs(t, err, net.ErrClosed)
}
