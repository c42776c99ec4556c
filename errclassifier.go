// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"errors"

	"github.com/bassosimone/errclass"
)

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "EPOOLTIMEOUT") that make structured logs easy to aggregate.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// Labels assigned by [DefaultErrClassifier] to this package's error taxonomy.
const (
	EConnect     = "ECONNECT"
	EPipeline    = "EPIPELINE"
	EProtocol    = "EPROTOCOL"
	EPoolExhaust = "EPOOLEXHAUSTED"
	EPoolTimeout = "EPOOLTIMEOUT"
	EPoolClosed  = "EPOOLCLOSED"
	EConnAborted = "ECONNABORTED"
)

// taxonomy is checked in order; the pipeline fault wraps arbitrary
// stage errors, so it goes last to let more specific causes win.
var taxonomy = []struct {
	err   error
	label string
}{
	{ErrProtocolParse, EProtocol},
	{ErrPoolExhausted, EPoolExhaust},
	{ErrPoolTimeout, EPoolTimeout},
	{ErrPoolClosed, EPoolClosed},
	{ErrConnectionAborted, EConnAborted},
	{ErrPipelineIncomplete, EPipeline},
	{ErrPipelineFault, EPipeline},
}

// DefaultErrClassifier labels this package's errors and delegates
// everything else to [errclass.New]. The nil error maps to "".
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range taxonomy {
		if errors.Is(err, entry.err) {
			return entry.label
		}
	}
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		// keep the system-level label (e.g., ECONNREFUSED) when we have one
		if label := errclass.New(connectErr.Err); label != errclass.EGENERIC {
			return label
		}
		return EConnect
	}
	return errclass.New(err)
})
