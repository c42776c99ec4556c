// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"log/slog"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/hashicorp/go-connlimit"
)

// NewConnLimitStage returns a new [*ConnLimitStage] allowing at most
// maxPerIP concurrent connections from the same client IP address.
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnLimitStage(cfg *Config, maxPerIP int, logger SLogger) *ConnLimitStage {
	return &ConnLimitStage{
		ErrClassifier: cfg.ErrClassifier,
		Limiter:       connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: maxPerIP}),
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnLimitStage is a [Stage] rejecting connections whose remote IP
// address already has too many connections inside the pipeline.
//
// A rejected connection does not reach next: the stage returns
// [connlimit.ErrPerClientIPLimitReached] and the caller closes the
// connection. The slot is released once next returns.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with handler invocations.
type ConnLimitStage struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnLimitStage] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Limiter tracks the open connections per client IP.
	//
	// Set by [NewConnLimitStage] using the user-provided limit.
	Limiter *connlimit.Limiter

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnLimitStage] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnLimitStage] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Stage = (&ConnLimitStage{}).Wrap

// Wrap implements [Stage].
func (op *ConnLimitStage) Wrap(next Handler) Handler {
	return func(ctx context.Context, conn Conn) error {
		free, err := op.Limiter.Accept(conn)
		if err != nil {
			op.Logger.Warn(
				"connLimitReached",
				slog.String("connID", conn.ID()),
				slog.Any("err", err),
				slog.String("errClass", op.ErrClassifier.Classify(err)),
				slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
				slog.Time("t", op.TimeNow()),
			)
			return err
		}
		defer free()
		return next(ctx, conn)
	}
}
