// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcListener is a [Listener] whose Accept is a function.
type funcListener struct {
	AcceptFunc func(ctx context.Context) (Conn, error)
	closed     atomic.Int64
}

func (l *funcListener) Accept(ctx context.Context) (Conn, error) {
	return l.AcceptFunc(ctx)
}

func (l *funcListener) Addr() net.Addr {
	return memoryAddr("func")
}

func (l *funcListener) Close() error {
	l.closed.Add(1)
	return nil
}

// echoLineHandler answers each line with the same line until EOF.
func echoLineHandler(ctx context.Context, conn Conn) error {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			return err
		}
	}
}

// startServer runs server over a memory listener named name.
func startServer(t *testing.T, cfg *Config, server *Server, name string) (*MemoryTransport, context.CancelFunc, <-chan error) {
	transport := NewMemoryTransport(cfg)
	listener, err := transport.Listen(name)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, listener)
	}()
	return transport, cancel, serveErr
}

// NewServer populates all fields from Config and the provided arguments.
func TestNewServer(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxConns = 7
	server := NewServer(cfg, echoLineHandler, DefaultSLogger())

	require.NotNil(t, server)
	assert.NotNil(t, server.ErrClassifier)
	assert.NotNil(t, server.Handler)
	assert.NotNil(t, server.Logger)
	assert.Equal(t, int64(7), server.MaxConns)
	assert.NotNil(t, server.TimeNow)
}

// Serve runs the handler for each accepted connection.
func TestServerServe(t *testing.T) {
	cfg := newTestConfig()
	server := NewServer(cfg, echoLineHandler, DefaultSLogger())
	transport, cancel, serveErr := startServer(t, cfg, server, "echo")

	for _, msg := range []string{"hello\n", "world\n"} {
		conn, err := transport.Call(context.Background(), Endpoint{Network: MemoryNetwork, Address: "echo"})
		require.NoError(t, err)
		go conn.Write([]byte(msg))
		got, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, msg, got)
		require.NoError(t, conn.Close())
	}

	cancel()
	assert.ErrorIs(t, <-serveErr, context.Canceled)
}

// Serve stops accepting while MaxConns handlers are running.
func TestServerMaxConns(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxConns = 1
	var active, started atomic.Int64
	server := NewServer(cfg, func(ctx context.Context, conn Conn) error {
		started.Add(1)
		defer active.Add(-1)
		if active.Add(1) > 1 {
			return errors.New("too many concurrent handlers")
		}
		_, err := io.Copy(io.Discard, conn)
		return err
	}, DefaultSLogger())
	transport, cancel, serveErr := startServer(t, cfg, server, "svc")
	defer func() {
		cancel()
		<-serveErr
	}()

	endpoint := Endpoint{Network: MemoryNetwork, Address: "svc"}
	c1, err := transport.Call(context.Background(), endpoint)
	require.NoError(t, err)
	c2, err := transport.Call(context.Background(), endpoint)
	require.NoError(t, err)
	defer c2.Close()

	require.Eventually(t, func() bool { return started.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), started.Load())

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return started.Load() == 2 }, 5*time.Second, time.Millisecond)
}

// Serve returns nil when the listener is closed and the Accept error otherwise.
func TestServerAcceptErrors(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// acceptErr is the error returned by Accept.
		acceptErr error

		// wantErr is the error we expect from Serve, or nil.
		wantErr error
	}{
		{
			name:      "listener closed",
			acceptErr: net.ErrClosed,
			wantErr:   nil,
		},

		{
			name:      "accept failure",
			acceptErr: errors.New("too many open files"),
			wantErr:   errors.New("too many open files"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener := &funcListener{
				AcceptFunc: func(ctx context.Context) (Conn, error) {
					return nil, tt.acceptErr
				},
			}
			cfg := NewConfig()
			cfg.MaxConns = 2
			server := NewServer(cfg, echoLineHandler, DefaultSLogger())

			err := server.Serve(context.Background(), listener)

			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantErr.Error(), err.Error())
			}
			assert.Equal(t, int64(1), listener.closed.Load())
		})
	}
}

// Cancelling the context stops the handlers and Serve waits for them.
func TestServerCancelWaitsForHandlers(t *testing.T) {
	cfg := NewConfig()
	var finished atomic.Bool
	handlerStarted := make(chan struct{})
	server := NewServer(cfg, func(ctx context.Context, conn Conn) error {
		close(handlerStarted)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}, DefaultSLogger())
	transport, cancel, serveErr := startServer(t, cfg, server, "svc")

	conn, err := transport.Call(context.Background(), Endpoint{Network: MemoryNetwork, Address: "svc"})
	require.NoError(t, err)
	defer conn.Close()
	<-handlerStarted

	cancel()
	assert.ErrorIs(t, <-serveErr, context.Canceled)
	assert.True(t, finished.Load())
}

// Each served connection emits serveConnStart/serveConnDone and is closed.
func TestServerLogging(t *testing.T) {
	cfg := newTestConfig()
	logger, records := newCapturingLogger()
	wantErr := errors.New("handler failed")
	server := NewServer(cfg, func(ctx context.Context, conn Conn) error {
		return wantErr
	}, logger)
	transport, cancel, serveErr := startServer(t, cfg, server, "svc")

	conn, err := transport.Call(context.Background(), Endpoint{Network: MemoryNetwork, Address: "svc"})
	require.NoError(t, err)
	defer conn.Close()

	// the server closes its side once the handler returns
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	cancel()
	<-serveErr

	assert.Equal(t, []string{"serveConnStart", "serveConnDone"}, records.Messages())
	done, _ := records.Find("serveConnDone")
	attrs := recordAttrs(done)
	assert.NotEmpty(t, attrs["connID"].String())
	assert.Equal(t, "handler failed", attrs["err"].Any().(error).Error())
	assert.Equal(t, MemoryNetwork, attrs["protocol"].String())
	assert.Equal(t, "svc#client", attrs["remoteAddr"].String())
}

// A compiled pipeline serves as the server handler.
func TestServerWithPipeline(t *testing.T) {
	cfg := NewConfig()
	events := &eventLog{}
	handler := NewPipelineBuilder().
		Use(recordingStage("A", events)).
		Use(recordingStage("B", events)).
		Use(func(next Handler) Handler { return echoLineHandler }).
		Build()
	server := NewServer(cfg, handler, DefaultSLogger())
	transport, cancel, serveErr := startServer(t, cfg, server, "svc")

	conn, err := transport.Call(context.Background(), Endpoint{Network: MemoryNetwork, Address: "svc"})
	require.NoError(t, err)
	go conn.Write([]byte("hi\n"))
	got, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hi\n", got)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(events.get()) == 4 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"A:before", "B:before", "B:after", "A:after"}, events.get())

	cancel()
	<-serveErr
}
