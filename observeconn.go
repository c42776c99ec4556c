//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package connpipe

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewObserveStage returns a new [*ObserveStage] with default logging.
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveStage(cfg *Config, logger SLogger) *ObserveStage {
	return &ObserveStage{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveStage is a [Stage] logging the I/O of the connection it wraps.
//
// Reads, writes, flushes and deadline changes are logged at debug level,
// while close and abort are logged at info level. Every event carries the
// connection ID, so events of concurrent connections can be told apart.
//
// Register it with [*PipelineBuilder.Use] passing [*ObserveStage.Wrap].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with handler invocations.
type ObserveStage struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveStage] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewObserveStage] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewObserveStage] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Stage = (&ObserveStage{}).Wrap

// Wrap implements [Stage].
func (op *ObserveStage) Wrap(next Handler) Handler {
	return func(ctx context.Context, conn Conn) error {
		return next(ctx, op.Observe(conn))
	}
}

// Observe returns a [Conn] logging the I/O performed on conn.
func (op *ObserveStage) Observe(conn Conn) Conn {
	return &observedConn{
		Conn:     conn,
		laddr:    safeconn.LocalAddr(conn),
		op:       op,
		protocol: safeconn.Network(conn),
		raddr:    safeconn.RemoteAddr(conn),
	}
}

// observedConn observes a [Conn].
type observedConn struct {
	Conn
	closeonce sync.Once
	laddr     string
	op        *ObserveStage
	protocol  string
	raddr     string
}

// Close implements [Conn].
//
// Subsequent calls return nil, as [Conn] requires.
func (c *observedConn) Close() (err error) {
	c.closeonce.Do(func() {
		t0 := c.op.TimeNow()
		c.op.Logger.Info(
			"closeStart",
			slog.String("connID", c.ID()),
			slog.String("localAddr", c.laddr),
			slog.String("protocol", c.protocol),
			slog.String("remoteAddr", c.raddr),
			slog.Time("t", t0),
		)

		err = c.Conn.Close()

		c.op.Logger.Info(
			"closeDone",
			slog.String("connID", c.ID()),
			slog.Any("err", err),
			slog.String("errClass", c.op.ErrClassifier.Classify(err)),
			slog.String("localAddr", c.laddr),
			slog.String("protocol", c.protocol),
			slog.String("remoteAddr", c.raddr),
			slog.Time("t0", t0),
			slog.Time("t", c.op.TimeNow()),
		)
	})
	return
}

// Abort implements [Conn].
func (c *observedConn) Abort(reason error) {
	c.op.Logger.Info(
		"abort",
		slog.String("connID", c.ID()),
		slog.Any("err", reason),
		slog.String("errClass", c.op.ErrClassifier.Classify(reason)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t", c.op.TimeNow()),
	)
	c.Conn.Abort(reason)
}

// Flush implements [Conn].
func (c *observedConn) Flush() error {
	err := c.Conn.Flush()
	c.op.Logger.Debug(
		"flush",
		slog.String("connID", c.ID()),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.Time("t", c.op.TimeNow()),
	)
	return err
}

// Read implements [Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug(
		"readStart",
		slog.String("connID", c.ID()),
		slog.Int("ioBufferSize", len(buf)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t", t0),
	)

	count, err := c.Conn.Read(buf)

	c.op.Logger.Debug(
		"readDone",
		slog.String("connID", c.ID()),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)

	return count, err
}

// SetDeadline implements [Conn].
func (c *observedConn) SetDeadline(t time.Time) error {
	c.logDeadline("setDeadline", t)
	return c.Conn.SetDeadline(t)
}

// SetReadDeadline implements [Conn].
func (c *observedConn) SetReadDeadline(t time.Time) error {
	c.logDeadline("setReadDeadline", t)
	return c.Conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [Conn].
func (c *observedConn) SetWriteDeadline(t time.Time) error {
	c.logDeadline("setWriteDeadline", t)
	return c.Conn.SetWriteDeadline(t)
}

func (c *observedConn) logDeadline(event string, t time.Time) {
	c.op.Logger.Debug(
		event,
		slog.String("connID", c.ID()),
		slog.Time("deadline", t),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t", c.op.TimeNow()),
	)
}

// Write implements [Conn].
func (c *observedConn) Write(data []byte) (n int, err error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug(
		"writeStart",
		slog.String("connID", c.ID()),
		slog.Int("ioBufferSize", len(data)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t", t0),
	)

	count, err := c.Conn.Write(data)

	c.op.Logger.Debug(
		"writeDone",
		slog.String("connID", c.ID()),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", c.protocol),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)

	return count, err
}

var _ net.Conn = &observedConn{}
