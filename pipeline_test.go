// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tracingStage appends "name:before" and "name:after" to trace around next.
func tracingStage(name string, trace *[]string) Stage {
	return StageFunc(
		func(ctx context.Context, conn Conn) (Conn, error) {
			*trace = append(*trace, name+":before")
			return conn, nil
		},
		func(ctx context.Context, conn Conn, err error) error {
			*trace = append(*trace, name+":after")
			return err
		},
	)
}

// The first registered stage runs outermost and executions nest strictly.
func TestPipelineBuilderOrder(t *testing.T) {
	var trace []string
	handler := NewPipelineBuilder().
		Use(tracingStage("A", &trace)).
		Use(tracingStage("B", &trace)).
		Use(tracingStage("C", &trace)).
		Build()

	conn := NewConn(NewConfig(), newMinimalConn())
	require.NoError(t, handler(context.Background(), conn))

	assert.Equal(t, []string{
		"A:before", "B:before", "C:before",
		"C:after", "B:after", "A:after",
	}, trace)
}

// Build with no stages yields a handler that returns nil.
func TestPipelineBuilderEmpty(t *testing.T) {
	handler := NewPipelineBuilder().Build()
	conn := NewConn(NewConfig(), newMinimalConn())
	assert.NoError(t, handler(context.Background(), conn))
}

// Stages registered after Build do not affect handlers built earlier.
func TestPipelineBuilderSnapshot(t *testing.T) {
	var trace []string
	builder := NewPipelineBuilder().Use(tracingStage("A", &trace))
	first := builder.Build()
	pipeline := builder.Pipeline()

	builder.Use(tracingStage("B", &trace))
	second := builder.Build()

	conn := NewConn(NewConfig(), newMinimalConn())

	require.NoError(t, first(context.Background(), conn))
	assert.Equal(t, []string{"A:before", "A:after"}, trace)
	assert.Equal(t, 1, pipeline.Len())

	trace = nil
	require.NoError(t, second(context.Background(), conn))
	assert.Equal(t, []string{"A:before", "B:before", "B:after", "A:after"}, trace)
}

// Use ignores nil stages.
func TestPipelineBuilderNilStage(t *testing.T) {
	pipeline := NewPipelineBuilder().Use(nil).Pipeline()
	assert.Equal(t, 0, pipeline.Len())
}

// With returns a new pipeline and leaves the receiver unchanged.
func TestPipelineWith(t *testing.T) {
	var trace []string
	base := NewPipeline(tracingStage("A", &trace))
	extended := base.With(tracingStage("B", &trace))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, extended.Len())

	conn := NewConn(NewConfig(), newMinimalConn())
	require.NoError(t, extended.Handler()(context.Background(), conn))
	assert.Equal(t, []string{"A:before", "B:before", "B:after", "A:after"}, trace)
}

// Compile calls the terminal handler with the connection the last stage passes.
func TestPipelineCompileTerminal(t *testing.T) {
	cfg := newTestConfig()
	original := NewConn(cfg, newMinimalConn())
	replacement := NewConn(cfg, newMinimalConn())

	swap := StageFunc(func(ctx context.Context, conn Conn) (Conn, error) {
		return replacement, nil
	}, nil)

	var seen Conn
	handler := NewPipeline(swap).Compile(func(ctx context.Context, conn Conn) error {
		seen = conn
		return nil
	})

	require.NoError(t, handler(context.Background(), original))
	assert.Equal(t, "conn-2", seen.ID())
}

// StageFunc stops the pipeline when before fails and lets after rewrite the error.
func TestStageFunc(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// beforeErr is the error returned by the before hook.
		beforeErr error

		// nextErr is the error returned by the inner handler.
		nextErr error

		// rewrite replaces the error in the after hook when not nil.
		rewrite error

		// wantNext indicates whether the inner handler must run.
		wantNext bool

		// wantErr is the expected error.
		wantErr error
	}{
		{
			name:     "success",
			wantNext: true,
		},

		{
			name:      "before fails",
			beforeErr: errors.New("refused"),
			wantNext:  false,
			wantErr:   errors.New("refused"),
		},

		{
			name:     "next fails",
			nextErr:  errors.New("reset"),
			wantNext: true,
			wantErr:  errors.New("reset"),
		},

		{
			name:     "after rewrites the error",
			nextErr:  errors.New("reset"),
			rewrite:  errors.New("rewritten"),
			wantNext: true,
			wantErr:  errors.New("rewritten"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := StageFunc(
				func(ctx context.Context, conn Conn) (Conn, error) {
					return conn, tt.beforeErr
				},
				func(ctx context.Context, conn Conn, err error) error {
					if tt.rewrite != nil {
						return tt.rewrite
					}
					return err
				},
			)

			nextCalled := false
			handler := stage(func(ctx context.Context, conn Conn) error {
				nextCalled = true
				return tt.nextErr
			})

			err := handler(context.Background(), NewConn(NewConfig(), newMinimalConn()))
			assert.Equal(t, tt.wantNext, nextCalled)
			assert.Equal(t, tt.wantErr, err)
		})
	}
}

// A compiled handler serves concurrent connections independently.
func TestPipelineConcurrentConnections(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	counting := StageFunc(func(ctx context.Context, conn Conn) (Conn, error) {
		mu.Lock()
		seen[conn.ID()]++
		mu.Unlock()
		return conn, nil
	}, nil)
	handler := NewPipeline(counting).Handler()

	cfg := newTestConfig()
	const count = 16
	var wg sync.WaitGroup
	for range count {
		conn := NewConn(cfg, newMinimalConn())
		wg.Go(func() {
			assert.NoError(t, handler(context.Background(), conn))
		})
	}
	wg.Wait()

	assert.Len(t, seen, count)
	for _, value := range seen {
		assert.Equal(t, 1, value)
	}
}
