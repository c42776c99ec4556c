// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"log/slog"
	"time"

	"github.com/bassosimone/safeconn"
	"golang.org/x/time/rate"
)

// NewRateLimitStage returns a new [*RateLimitStage] admitting on average
// limit connections per second with the given burst.
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewRateLimitStage(cfg *Config, limit rate.Limit, burst int, logger SLogger) *RateLimitStage {
	return &RateLimitStage{
		ErrClassifier: cfg.ErrClassifier,
		Limiter:       rate.NewLimiter(limit, burst),
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// RateLimitStage is a [Stage] delaying each connection until the token
// bucket admits it. A single [*RateLimitStage] is shared by every
// connection flowing through the pipeline.
//
// The wait is bound to the handler context: when it is done before a
// token is available, the stage returns the context error without
// calling next.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with handler invocations.
type RateLimitStage struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewRateLimitStage] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Limiter is the token bucket.
	//
	// Set by [NewRateLimitStage] using the user-provided limit and burst.
	Limiter *rate.Limiter

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewRateLimitStage] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewRateLimitStage] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Stage = (&RateLimitStage{}).Wrap

// Wrap implements [Stage].
func (op *RateLimitStage) Wrap(next Handler) Handler {
	return func(ctx context.Context, conn Conn) error {
		t0 := op.TimeNow()
		err := op.Limiter.Wait(ctx)
		op.Logger.Debug(
			"rateLimitWait",
			slog.String("connID", conn.ID()),
			slog.Any("err", err),
			slog.String("errClass", op.ErrClassifier.Classify(err)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.Time("t0", t0),
			slog.Time("t", op.TimeNow()),
		)
		if err != nil {
			return err
		}
		return next(ctx, conn)
	}
}
