// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
)

// httpBodyWrap wraps an HTTP body so that we emit structured log events
// lazily: httpBodyStreamStart on the first Read, and httpBodyStreamDone
// on Close (only if at least one Read happened).
func httpBodyWrap(
	body io.ReadCloser,
	errClass ErrClassifier,
	conn Conn,
	logger SLogger,
	timeNow func() time.Time,
) io.ReadCloser {
	return &httpBodyWrapper{
		body:     body,
		connID:   conn.ID(),
		errClass: errClass,
		laddr:    safeconn.LocalAddr(conn),
		logger:   logger,
		protocol: safeconn.Network(conn),
		raddr:    safeconn.RemoteAddr(conn),
		timeNow:  timeNow,
	}
}

type httpBodyWrapper struct {
	body      io.ReadCloser
	closeOnce sync.Once
	connID    string
	didRead   atomic.Bool
	errClass  ErrClassifier
	laddr     string
	logger    SLogger
	protocol  string
	raddr     string
	readOnce  sync.Once
	t0        time.Time
	timeNow   func() time.Time
}

var _ io.ReadCloser = &httpBodyWrapper{}

// Close implements [io.ReadCloser].
func (b *httpBodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		if b.didRead.Load() { // acquire: t0 is visible if this returns true
			b.logger.Info(
				"httpBodyStreamDone",
				slog.String("connID", b.connID),
				slog.Any("err", err),
				slog.String("errClass", b.errClass.Classify(err)),
				slog.String("localAddr", b.laddr),
				slog.String("protocol", b.protocol),
				slog.String("remoteAddr", b.raddr),
				slog.Time("t0", b.t0),
				slog.Time("t", b.timeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *httpBodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()    // write t0 BEFORE the atomic store (release)
		b.didRead.Store(true) // release: makes t0 visible to Close
		b.logger.Info(
			"httpBodyStreamStart",
			slog.String("connID", b.connID),
			slog.String("localAddr", b.laddr),
			slog.String("protocol", b.protocol),
			slog.String("remoteAddr", b.raddr),
			slog.Time("t", b.t0),
		)
	})
	return b.body.Read(buffer)
}
