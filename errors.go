// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailure indicates that a transport could not establish a connection.
	ErrConnectFailure = errors.New("connpipe: connect failure")

	// ErrPipelineFault indicates that a [Stage] failed before the connection became usable.
	ErrPipelineFault = errors.New("connpipe: pipeline fault")

	// ErrPipelineIncomplete indicates that the pipeline returned without
	// ever reaching its innermost handler.
	ErrPipelineIncomplete = errors.New("connpipe: pipeline returned before reaching the terminal stage")

	// ErrProtocolParse indicates a malformed or over-limit frame.
	//
	// The connection is no longer usable after this error: close it.
	ErrProtocolParse = errors.New("connpipe: protocol parse error")

	// ErrPoolExhausted indicates that no pool slot was available and waiting is disabled.
	ErrPoolExhausted = errors.New("connpipe: pool exhausted")

	// ErrPoolTimeout indicates that no pool slot became available before the deadline.
	ErrPoolTimeout = errors.New("connpipe: pool wait timeout")

	// ErrPoolClosed indicates that the [*Pool] has been closed.
	ErrPoolClosed = errors.New("connpipe: pool closed")

	// ErrConnectionAborted indicates an abrupt local or remote termination.
	ErrConnectionAborted = errors.New("connpipe: connection aborted")
)

// ConnectError wraps a failure to establish a connection to an [Endpoint].
type ConnectError struct {
	// Endpoint is the endpoint we tried to connect to.
	Endpoint Endpoint

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connpipe: connect %s: %s", e.Endpoint, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is makes [errors.Is] match [ErrConnectFailure].
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailure
}

// PipelineFaultError wraps an error returned by a [Stage].
type PipelineFaultError struct {
	Err error
}

// Error implements error.
func (e *PipelineFaultError) Error() string {
	return "connpipe: pipeline fault: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *PipelineFaultError) Unwrap() error {
	return e.Err
}

// Is makes [errors.Is] match [ErrPipelineFault].
func (e *PipelineFaultError) Is(target error) bool {
	return target == ErrPipelineFault
}

// ParseError describes a malformed frame.
type ParseError struct {
	// Offset is the offset of the offending frame within the buffered bytes.
	Offset int

	// Reason describes what is wrong.
	Reason string
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("connpipe: protocol parse error at offset %d: %s", e.Offset, e.Reason)
}

// Is makes [errors.Is] match [ErrProtocolParse].
func (e *ParseError) Is(target error) bool {
	return target == ErrProtocolParse
}

func newPipelineFault(err error) error {
	var pfe *PipelineFaultError
	if errors.As(err, &pfe) {
		return err
	}
	return &PipelineFaultError{Err: err}
}
