// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import "context"

// Handler processes a [Conn] until it is done with it.
//
// The context carries request-scoped values and cancellation; handlers
// should return when ctx is done.
type Handler func(ctx context.Context, conn Conn) error

// Stage wraps the next [Handler] and returns a new [Handler].
//
// A stage runs its "before" logic, calls next (possibly with a wrapped
// [Conn]), then runs its "after" logic once next returns. Per-connection
// state belongs inside the returned closure, never in the stage itself,
// because a compiled [Handler] serves many connections concurrently.
type Stage func(next Handler) Handler

// PipelineBuilder accumulates stages in registration order.
//
// The first registered stage sees the connection first and runs outermost.
//
// A PipelineBuilder is a construction-time API and is not safe for
// concurrent use. Stages cannot be removed. Handlers and pipelines
// obtained from it are snapshots: stages added later do not affect them.
type PipelineBuilder struct {
	stages []Stage
}

// NewPipelineBuilder returns an empty [*PipelineBuilder].
func NewPipelineBuilder() *PipelineBuilder {
	return &PipelineBuilder{}
}

// Use appends stage and returns the builder for chaining.
func (b *PipelineBuilder) Use(stage Stage) *PipelineBuilder {
	if stage != nil {
		b.stages = append(b.stages, stage)
	}
	return b
}

// Pipeline returns an immutable snapshot of the registered stages.
func (b *PipelineBuilder) Pipeline() *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), b.stages...)}
}

// Build compiles the registered stages into a single [Handler] whose
// innermost handler does nothing and returns nil.
//
// Build may be called many times; each call yields an equivalent, independent [Handler].
func (b *PipelineBuilder) Build() Handler {
	return b.Pipeline().Handler()
}

// Pipeline is an immutable, ordered sequence of stages.
//
// The same Pipeline serves the listener shape (via [*Server] or by calling
// [Pipeline.Handler] directly) and the dial shape (via [*ConnectBridge]).
type Pipeline struct {
	stages []Stage
}

// NewPipeline returns a [*Pipeline] with the given stages, outermost first.
func NewPipeline(stages ...Stage) *Pipeline {
	b := NewPipelineBuilder()
	for _, stage := range stages {
		b.Use(stage)
	}
	return b.Pipeline()
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// With returns a new [*Pipeline] with stage appended as the innermost stage.
func (p *Pipeline) With(stage Stage) *Pipeline {
	stages := make([]Stage, 0, len(p.stages)+1)
	stages = append(stages, p.stages...)
	if stage != nil {
		stages = append(stages, stage)
	}
	return &Pipeline{stages: stages}
}

// Compile folds the stages right-to-left around terminal, so that stage i
// calls stage i+1 as its next and the last stage calls terminal.
func (p *Pipeline) Compile(terminal Handler) Handler {
	handler := terminal
	for idx := len(p.stages) - 1; idx >= 0; idx-- {
		handler = p.stages[idx](handler)
	}
	return handler
}

// Handler compiles the pipeline with a terminal handler that returns nil.
//
// Use this for the listener shape when the innermost stage is the
// application and never calls next.
func (p *Pipeline) Handler() Handler {
	return p.Compile(func(ctx context.Context, conn Conn) error {
		return nil
	})
}

// StageFunc builds a [Stage] from before/after hooks.
//
// before runs ahead of next and may return a replacement [Conn] or an error
// that stops the pipeline; after runs once next returns and receives its error.
// Either hook may be nil.
func StageFunc(
	before func(ctx context.Context, conn Conn) (Conn, error),
	after func(ctx context.Context, conn Conn, err error) error,
) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, conn Conn) error {
			if before != nil {
				wrapped, err := before(ctx, conn)
				if err != nil {
					return err
				}
				conn = wrapped
			}
			err := next(ctx, conn)
			if after != nil {
				err = after(ctx, conn, err)
			}
			return err
		}
	}
}
