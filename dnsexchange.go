// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"log/slog"
	"time"
)

// dnsExchangeLogContext holds the logging state of a [*DNSConn] exchange.
type dnsExchangeLogContext struct {
	// ConnID is the ID of the connection.
	ConnID string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// LocalAddr is the local address of the connection.
	LocalAddr string

	// Logger is the SLogger to use.
	Logger SLogger

	// Protocol is the network protocol (e.g., "tcp", "memory").
	Protocol string

	// RemoteAddr is the remote address of the connection.
	RemoteAddr string

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

func (lc *dnsExchangeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.String("connID", lc.ConnID),
		slog.Time("deadline", deadline),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t", t0),
	)
}

func (lc *dnsExchangeLogContext) logDone(t0 time.Time, deadline time.Time, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.String("connID", lc.ConnID),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

func (lc *dnsExchangeLogContext) logQuery(t0 time.Time, rawQuery []byte) {
	lc.Logger.Debug(
		"dnsQuery",
		slog.String("connID", lc.ConnID),
		slog.Any("dnsRawQuery", rawQuery),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t", t0),
	)
}

// logResponse logs a response together with the query it answers.
func (lc *dnsExchangeLogContext) logResponse(t0 time.Time, rawQuery, rawResp []byte) {
	lc.Logger.Debug(
		"dnsResponse",
		slog.String("connID", lc.ConnID),
		slog.Any("dnsRawQuery", rawQuery),
		slog.Any("dnsRawResponse", rawResp),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}
