// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"net"
	"time"
)

// Config holds common configuration for connpipe operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// MaxConns bounds the connections a [*Server] handles concurrently.
	//
	// Set by [NewConfig] to zero, meaning unbounded.
	MaxConns int64

	// MaxFrameLength is the largest payload a [*LengthPrefixedCodec] accepts.
	//
	// Set by [NewConfig] to [DefaultMaxFrameLength].
	MaxFrameLength int

	// NewConnID returns a fresh connection identifier.
	//
	// Set by [NewConfig] to [NewConnID].
	NewConnID func() string

	// PoolLimit is the default per-key concurrency limit of a [*Pool].
	//
	// Set by [NewConfig] to 1.
	PoolLimit int

	// PoolWaitTimeout bounds how long [*Pool.GetConnection] waits for a slot.
	//
	// Zero means waiting until the caller's context is done. A negative
	// value disables waiting and fails immediately with [ErrPoolExhausted].
	//
	// Set by [NewConfig] to zero.
	PoolWaitTimeout time.Duration

	// ReadBufferSize is the size of each chunk a [*MessageStream] reads.
	//
	// Set by [NewConfig] to [DefaultReadBufferSize].
	ReadBufferSize int

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// DefaultMaxFrameLength is the default maximum frame payload length (16 MiB).
const DefaultMaxFrameLength = 1 << 24

// DefaultReadBufferSize is the default chunk size used when reading frames.
const DefaultReadBufferSize = 4096

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:          &net.Dialer{},
		ErrClassifier:   DefaultErrClassifier,
		MaxConns:        0,
		MaxFrameLength:  DefaultMaxFrameLength,
		NewConnID:       NewConnID,
		PoolLimit:       1,
		PoolWaitTimeout: 0,
		ReadBufferSize:  DefaultReadBufferSize,
		TimeNow:         time.Now,
	}
}
