//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package connpipe

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*ConnectFunc] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewConnectFunc returns a new [*ConnectFunc] using [Config.Dialer].
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Config:        cfg,
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc is the transport-level connection factory.
//
// It dials an [Endpoint] using [Endpoint.Network] and [Endpoint.Address]
// and wraps the result into a [Conn] owning it.
//
// Returns either a valid [Conn] or a [*ConnectError], never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Config is used to build the returned [Conn].
	//
	// Set by [NewConnectFunc] to the user-provided config.
	Config *Config

	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[Endpoint, Conn] = &ConnectFunc{}

// Call dials the given [Endpoint].
func (op *ConnectFunc) Call(ctx context.Context, endpoint Endpoint) (Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logConnectStart(endpoint, t0, deadline)
	netConn, err := op.Dialer.DialContext(ctx, endpoint.Network, endpoint.Address)
	if err != nil {
		err = &ConnectError{Endpoint: endpoint, Err: err}
		op.logConnectDone(endpoint, t0, deadline, "", nil, err)
		return nil, err
	}
	conn := NewConn(op.Config, netConn)
	op.logConnectDone(endpoint, t0, deadline, conn.ID(), conn, nil)
	return conn, nil
}

func (op *ConnectFunc) logConnectStart(endpoint Endpoint, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", endpoint.Network),
		slog.String("remoteAddr", endpoint.Address),
		slog.Time("t", t0),
	)
}

func (op *ConnectFunc) logConnectDone(endpoint Endpoint,
	t0 time.Time, deadline time.Time, connID string, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.String("connID", connID),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", endpoint.Network),
		slog.String("remoteAddr", endpoint.Address),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
