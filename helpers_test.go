// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// capturedRecords collects log records emitted from any goroutine.
type capturedRecords struct {
	mu      sync.Mutex
	records []slog.Record
}

// Records returns a copy of the captured records.
func (c *capturedRecords) Records() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]slog.Record(nil), c.records...)
}

// Messages returns the message of each captured record, in order.
func (c *capturedRecords) Messages() []string {
	var out []string
	for _, record := range c.Records() {
		out = append(out, record.Message)
	}
	return out
}

// Find returns the first record with the given message.
func (c *capturedRecords) Find(message string) (slog.Record, bool) {
	for _, record := range c.Records() {
		if record.Message == message {
			return record, true
		}
	}
	return slog.Record{}, false
}

// newCapturingLogger returns a logger that captures all log records. The
// caller can inspect them after exercising the code under test to verify
// which events were emitted.
func newCapturingLogger() (*slog.Logger, *capturedRecords) {
	captured := &capturedRecords{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			captured.mu.Lock()
			captured.records = append(captured.records, record)
			captured.mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), captured
}

// recordAttrs returns the attributes of record as a map.
func recordAttrs(record slog.Record) map[string]slog.Value {
	attrs := make(map[string]slog.Value)
	record.Attrs(func(attr slog.Attr) bool {
		attrs[attr.Key] = attr.Value
		return true
	})
	return attrs
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newClosableConn returns a [*netstub.FuncConn] whose Read fails with
// [io.EOF], whose Write succeeds, and whose Close increments *closed.
func newClosableConn(closed *int) *netstub.FuncConn {
	mu := &sync.Mutex{}
	conn := newMinimalConn()
	conn.ReadFunc = func(buf []byte) (int, error) {
		return 0, io.EOF
	}
	conn.WriteFunc = func(data []byte) (int, error) {
		return len(data), nil
	}
	conn.SetDeadlineFunc = func(t time.Time) error { return nil }
	conn.SetReadDeadFunc = func(t time.Time) error { return nil }
	conn.SetWriteDeaFunc = func(t time.Time) error { return nil }
	conn.CloseFunc = func() error {
		mu.Lock()
		*closed++
		mu.Unlock()
		return nil
	}
	return conn
}

// newTestConfig returns a [*Config] with deterministic connection IDs.
func newTestConfig() *Config {
	cfg := NewConfig()
	var (
		mu    sync.Mutex
		count int
	)
	cfg.NewConnID = func() string {
		mu.Lock()
		defer mu.Unlock()
		count++
		return "conn-" + strconv.Itoa(count)
	}
	return cfg
}

// newMemoryPair returns two connected [Conn] built on [net.Pipe].
func newMemoryPair(cfg *Config) (Conn, Conn) {
	client, server := net.Pipe()
	return NewConn(cfg, client), NewConn(cfg, server)
}
