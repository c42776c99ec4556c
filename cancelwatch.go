// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import "context"

// NewCancelWatchStage returns a new [*CancelWatchStage].
func NewCancelWatchStage() *CancelWatchStage {
	return &CancelWatchStage{}
}

// CancelWatchStage is a [Stage] aborting the connection when the handler
// context is done (cancelled or deadline exceeded), using the context cause
// as the abort reason. Pending I/O then fails with [ErrConnectionAborted].
//
// The watcher is unregistered when next returns, so no goroutine outlives
// the connection even if the context is never cancelled.
//
// On the dial side, [*ConnectBridge] runs the pipeline with a context that
// is cancelled when the returned [Conn] is closed or when Connect is
// abandoned, but never because the Connect context is done after the
// connection was handed back. On the server side, the context is the one
// passed to [*Server.Serve], so cancelling it aborts every live connection.
type CancelWatchStage struct{}

var _ Stage = (&CancelWatchStage{}).Wrap

// Wrap implements [Stage].
func (op *CancelWatchStage) Wrap(next Handler) Handler {
	return func(ctx context.Context, conn Conn) error {
		stop := context.AfterFunc(ctx, func() {
			conn.Abort(context.Cause(ctx))
		})
		defer stop()
		return next(ctx, conn)
	}
}
