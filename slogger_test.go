// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// DefaultSLogger returns a logger that silently discards everything.
func TestDefaultSLogger(t *testing.T) {
	logger := DefaultSLogger()

	// Should return a non-nil logger
	assert.NotNil(t, logger)

	// Should be able to log at every level without panic (discards output)
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
}
