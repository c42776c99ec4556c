// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"golang.org/x/sync/semaphore"
)

// NewServer returns a new [*Server] running handler for each accepted [Conn].
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The handler argument is usually obtained from [*PipelineBuilder.Build].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewServer(cfg *Config, handler Handler, logger SLogger) *Server {
	return &Server{
		ErrClassifier: cfg.ErrClassifier,
		Handler:       handler,
		Logger:        logger,
		MaxConns:      cfg.MaxConns,
		TimeNow:       cfg.TimeNow,
	}
}

// Server drives a [Handler] for every [Conn] accepted from a [Listener].
//
// This is the listener shape of a [*Pipeline]: the innermost stage is the
// application, and the connection is closed once the handler returns.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Serve].
type Server struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewServer] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Handler processes each connection.
	//
	// Set by [NewServer] to the user-provided handler.
	Handler Handler

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewServer] to the user-provided logger.
	Logger SLogger

	// MaxConns bounds the connections handled concurrently. Zero or
	// negative means unbounded. While at the bound, Serve stops accepting.
	//
	// Set by [NewServer] from [Config.MaxConns].
	MaxConns int64

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewServer] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Serve accepts connections from listener until ctx is done or the
// listener is closed, then waits for in-flight handlers to return.
//
// Handlers receive a context derived from ctx, so cancelling ctx also
// asks them to stop. Serve closes listener before returning.
//
// The return value is nil when the listener was closed, ctx.Err() when
// ctx was cancelled, and the Accept error otherwise.
func (s *Server) Serve(ctx context.Context, listener Listener) error {
	defer listener.Close()

	var sema *semaphore.Weighted
	if s.MaxConns > 0 {
		sema = semaphore.NewWeighted(s.MaxConns)
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	for {
		if sema != nil {
			if err := sema.Acquire(ctx, 1); err != nil {
				return err
			}
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			if sema != nil {
				sema.Release(1)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sema != nil {
				defer sema.Release(1)
			}
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn Conn) {
	t0 := s.TimeNow()
	s.logServeConnStart(conn, t0)
	err := s.Handler(ctx, conn)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	s.logServeConnDone(conn, t0, err)
}

func (s *Server) logServeConnStart(conn Conn, t0 time.Time) {
	s.Logger.Info(
		"serveConnStart",
		slog.String("connID", conn.ID()),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
	)
}

func (s *Server) logServeConnDone(conn Conn, t0 time.Time, err error) {
	s.Logger.Info(
		"serveConnDone",
		slog.String("connID", conn.ID()),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}
