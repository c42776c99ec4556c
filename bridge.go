// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/bassosimone/safeconn"
	"github.com/hashicorp/go-multierror"
)

// NewConnectBridge returns a new [*ConnectBridge].
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The factory argument creates raw connections (e.g., a [*ConnectFunc]).
//
// The pipeline argument contains the client-side stages.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectBridge(cfg *Config, factory Func[Endpoint, Conn], pipeline *Pipeline, logger SLogger) *ConnectBridge {
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	return &ConnectBridge{
		ErrClassifier: cfg.ErrClassifier,
		Factory:       factory,
		Logger:        logger,
		Pipeline:      pipeline,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectBridge runs a [*Pipeline] on the dial side.
//
// A pipeline is shaped like a listener: each stage wraps the next and the
// chain runs until the connection is done. ConnectBridge appends a terminal
// stage that hands the connection, as seen by the innermost stage, back to
// the caller of [*ConnectBridge.Connect] and then parks until the caller
// closes it. Every stage therefore stays active for the lifetime of the
// returned [Conn], and its "after" logic runs when the caller closes.
//
// Connect fails with a [*PipelineFaultError] when a stage fails before the
// terminal stage is reached. A stage failing after that point is logged as
// pipelineFault and returned by Close of the returned [Conn].
//
// Closing the returned [Conn] blocks until the pipeline has fully unwound.
// Close and Abort are idempotent and safe to call concurrently: the first
// call reports the result of the teardown and later calls return nil.
//
// Cancelling the Connect context before the connection is ready abandons
// the wait: the raw connection is aborted and the pipeline drains in the
// background.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Connect].
type ConnectBridge struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectBridge] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Factory creates the raw connections.
	//
	// Set by [NewConnectBridge] to the user-provided factory.
	Factory Func[Endpoint, Conn]

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnectBridge] to the user-provided logger.
	Logger SLogger

	// Pipeline contains the stages to run around each connection.
	//
	// Set by [NewConnectBridge] to the user-provided pipeline.
	Pipeline *Pipeline

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnectBridge] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[Endpoint, Conn] = &ConnectBridge{}

// Call implements [Func] by invoking [*ConnectBridge.Connect].
func (b *ConnectBridge) Call(ctx context.Context, endpoint Endpoint) (Conn, error) {
	return b.Connect(ctx, endpoint)
}

// Connect creates a raw connection to endpoint using the factory and
// runs the pipeline over it. See [*ConnectBridge] for the semantics.
func (b *ConnectBridge) Connect(ctx context.Context, endpoint Endpoint) (Conn, error) {
	raw, err := b.Factory.Call(ctx, endpoint)
	if err != nil {
		if !errors.Is(err, ErrConnectFailure) {
			err = &ConnectError{Endpoint: endpoint, Err: err}
		}
		return nil, err
	}
	return b.Bridge(ctx, raw)
}

// Bridge runs the pipeline over an already established raw connection.
//
// Bridge takes ownership of raw: on failure raw has been closed.
func (b *ConnectBridge) Bridge(ctx context.Context, raw Conn) (Conn, error) {
	t0 := b.TimeNow()
	b.logBridgeStart(raw, t0)

	pctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	state := &bridgeState{
		bridge:      b,
		cancel:      cancel,
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		initialized: make(chan struct{}),
		raw:         raw,
	}
	handler := b.Pipeline.Compile(state.terminal)
	go state.run(pctx, handler)

	conn, err := state.await(ctx)
	b.logBridgeDone(raw, t0, err)
	metrics.MeasureSince([]string{"connpipe", "bridge", "connect"}, t0)
	return conn, err
}

// bridgeState is the per-dial rendezvous between Bridge, the background
// pipeline goroutine, and the caller closing the returned connection.
type bridgeState struct {
	bridge *ConnectBridge
	cancel context.CancelCauseFunc
	raw    Conn

	// initialized is closed once conn or initErr is set.
	initOnce    sync.Once
	initialized chan struct{}
	conn        Conn
	initErr     error

	// closed is closed once the caller is done with the connection.
	closedOnce sync.Once
	closed     chan struct{}

	// done is closed when the pipeline goroutine returns; pipelineErr is set before.
	done        chan struct{}
	pipelineErr error

	closeOnce sync.Once
}

func (s *bridgeState) resolve(conn Conn, err error) (resolved bool) {
	s.initOnce.Do(func() {
		s.conn, s.initErr = conn, err
		close(s.initialized)
		resolved = true
	})
	return
}

func (s *bridgeState) signalClosed() {
	s.closedOnce.Do(func() {
		close(s.closed)
	})
}

// terminal is the synthetic innermost stage.
func (s *bridgeState) terminal(ctx context.Context, conn Conn) error {
	s.resolve(&bridgedConn{Conn: conn, state: s}, nil)
	<-s.closed
	return nil
}

func (s *bridgeState) run(ctx context.Context, handler Handler) {
	defer close(s.done)
	err := handler(ctx, s.raw)

	fault := err
	if fault == nil {
		fault = ErrPipelineIncomplete
	}
	if s.resolve(nil, newPipelineFault(fault)) {
		// The caller never got a connection, so we still own raw.
		_ = s.raw.Close()
		return
	}

	if err != nil {
		s.pipelineErr = newPipelineFault(err)
		metrics.IncrCounter([]string{"connpipe", "bridge", "fault"}, 1)
		s.bridge.logPipelineFault(s.raw, s.pipelineErr)
	}
}

func (s *bridgeState) await(ctx context.Context) (Conn, error) {
	select {
	case <-s.initialized:
	case <-ctx.Done():
		select {
		case <-s.initialized:
			// the connection became ready concurrently: prefer it
		default:
			s.abandon(context.Cause(ctx))
			return nil, ctx.Err()
		}
	}
	if s.initErr != nil {
		<-s.done
		return nil, s.initErr
	}
	return s.conn, nil
}

// abandon stops waiting for the pipeline while still tearing down what it started.
func (s *bridgeState) abandon(cause error) {
	s.signalClosed()
	s.cancel(cause)
	s.raw.Abort(cause)
	go func() {
		<-s.done
		s.bridge.logBridgeAbandoned(s.raw, cause)
	}()
}

// close tears the connection down once. Only the call performing the
// teardown returns its result; every other call returns nil.
func (s *bridgeState) close(forward func() error) error {
	var closeErr error
	s.closeOnce.Do(func() {
		t0 := s.bridge.TimeNow()
		s.bridge.logCloseStart(s.raw, t0)

		var result *multierror.Error
		s.signalClosed()
		if err := forward(); err != nil {
			result = multierror.Append(result, err)
		}
		_ = s.raw.Close()

		// The drain is not cancellable: every stage must finish unwinding.
		<-s.done
		s.cancel(net.ErrClosed)
		if s.pipelineErr != nil {
			result = multierror.Append(result, s.pipelineErr)
		}
		closeErr = result.ErrorOrNil()

		s.bridge.logCloseDone(s.raw, t0, closeErr)
		metrics.MeasureSince([]string{"connpipe", "bridge", "close"}, t0)
	})
	return closeErr
}

// bridgedConn is the [Conn] returned by [*ConnectBridge.Bridge].
type bridgedConn struct {
	Conn
	state *bridgeState
}

// Close closes the connection and waits for the pipeline to unwind.
func (c *bridgedConn) Close() error {
	return c.state.close(c.Conn.Close)
}

// Abort aborts the connection and waits for the pipeline to unwind.
func (c *bridgedConn) Abort(reason error) {
	_ = c.state.close(func() error {
		c.Conn.Abort(reason)
		return nil
	})
}

func (b *ConnectBridge) logBridgeStart(raw Conn, t0 time.Time) {
	b.Logger.Info(
		"bridgeStart",
		slog.String("connID", raw.ID()),
		slog.String("localAddr", safeconn.LocalAddr(raw)),
		slog.String("protocol", safeconn.Network(raw)),
		slog.String("remoteAddr", safeconn.RemoteAddr(raw)),
		slog.Int("stages", b.Pipeline.Len()),
		slog.Time("t", t0),
	)
}

func (b *ConnectBridge) logBridgeDone(raw Conn, t0 time.Time, err error) {
	b.Logger.Info(
		"bridgeDone",
		slog.String("connID", raw.ID()),
		slog.Any("err", err),
		slog.String("errClass", b.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(raw)),
		slog.String("protocol", safeconn.Network(raw)),
		slog.String("remoteAddr", safeconn.RemoteAddr(raw)),
		slog.Time("t0", t0),
		slog.Time("t", b.TimeNow()),
	)
}

func (b *ConnectBridge) logPipelineFault(raw Conn, err error) {
	b.Logger.Warn(
		"pipelineFault",
		slog.String("connID", raw.ID()),
		slog.Any("err", err),
		slog.String("errClass", b.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(raw)),
		slog.String("protocol", safeconn.Network(raw)),
		slog.String("remoteAddr", safeconn.RemoteAddr(raw)),
		slog.Time("t", b.TimeNow()),
	)
}

func (b *ConnectBridge) logBridgeAbandoned(raw Conn, cause error) {
	b.Logger.Info(
		"bridgeAbandoned",
		slog.String("connID", raw.ID()),
		slog.Any("err", cause),
		slog.String("errClass", b.ErrClassifier.Classify(cause)),
		slog.Time("t", b.TimeNow()),
	)
}

func (b *ConnectBridge) logCloseStart(raw Conn, t0 time.Time) {
	b.Logger.Info(
		"bridgeCloseStart",
		slog.String("connID", raw.ID()),
		slog.String("localAddr", safeconn.LocalAddr(raw)),
		slog.String("protocol", safeconn.Network(raw)),
		slog.String("remoteAddr", safeconn.RemoteAddr(raw)),
		slog.Time("t", t0),
	)
}

func (b *ConnectBridge) logCloseDone(raw Conn, t0 time.Time, err error) {
	b.Logger.Info(
		"bridgeCloseDone",
		slog.String("connID", raw.ID()),
		slog.Any("err", err),
		slog.String("errClass", b.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(raw)),
		slog.String("protocol", safeconn.Network(raw)),
		slog.String("remoteAddr", safeconn.RemoteAddr(raw)),
		slog.Time("t0", t0),
		slog.Time("t", b.TimeNow()),
	)
}
