// SPDX-License-Identifier: GPL-3.0-or-later

// Package connpipe provides transport-agnostic connection pipelines.
//
// # Core Abstraction
//
// A pipeline is an ordered list of stages, each wrapping the next handler:
//
//	type Handler func(ctx context.Context, conn Conn) error
//	type Stage func(next Handler) Handler
//
// A stage runs its "before" logic, calls next (possibly with a wrapped
// [Conn]), then runs its "after" logic. [*PipelineBuilder] compiles stages
// so that the first registered stage runs outermost. Stage execution within
// one connection is strictly nested. Different connections run in parallel.
//
// # Listener and Dial Shapes
//
// The same [*Pipeline] serves both sides of a connection:
//
//   - [*Server] runs the compiled [Handler] for each [Conn] accepted from a
//     [Listener]; the innermost stage is the application.
//
//   - [*ConnectBridge] runs the pipeline over a dialed [Conn] and returns the
//     connection as seen by the innermost stage as soon as every stage has
//     run its "before" logic. The stages stay active underneath until the
//     caller closes the returned [Conn], and Close waits for all of them to
//     unwind.
//
// Callers distinguish "never connected" (a [*ConnectError] or a
// [*PipelineFaultError] returned by Connect) from "connected then failed"
// (an error returned by Close, also logged as pipelineFault).
//
// # Available Stages
//
//   - [ObserveStage]: logs reads, writes, deadlines, close and abort
//   - [CancelWatchStage]: aborts the connection when the context is done
//   - [TLSStage]: performs a client or server TLS handshake and records ALPN
//   - [RateLimitStage]: admits connections through a token bucket
//   - [ConnLimitStage]: caps concurrent connections per client IP
//
// Any func(next Handler) Handler is a stage; [StageFunc] builds one from
// before/after hooks.
//
// # Transports
//
// The connection factory contract is Func[Endpoint, Conn]. [*ConnectFunc]
// dials with a [Dialer], [*MemoryTransport] connects in-process endpoints
// through [net.Pipe], [*ConnectBridge] adds a pipeline on top of another
// factory, and [*Pool.Func] adds connection reuse. [Func] values compose
// with [Compose2] and [Compose3].
//
// # Codecs
//
// A [MessageReader] parses messages out of a possibly multi-chunk [Buffer]
// and reports progress with a [ParseCursor], while a [MessageWriter]
// serializes them. [*MessageStream] is the buffering layer driving a
// reader over an [io.Reader]. [*LengthPrefixedCodec] implements frames
// made of a fixed header followed by a payload, with headers such as
// [Uint16LengthHeader], [Uint32LengthHeader] and [KindHeaderCodec]. All
// header fields are big-endian. [*DNSCodec] frames DNS messages and
// [*DNSConn] performs DNS exchanges over a [Conn].
//
// # Pooling
//
// [*Pool] caches connections per [PoolKey], bounding the issued connections
// per key. Waiters are served in FIFO order, and a returned connection goes
// to the longest-waiting caller.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled.
//
// Span events come in *Start/*Done pairs carrying connID, localAddr,
// remoteAddr, protocol, and t. The *Done events also carry t0, err, and
// errClass, where errClass comes from [Config.ErrClassifier]. I/O-level
// events are emitted at [slog.LevelDebug], stage failures that nobody can
// receive anymore at [slog.LevelWarn], and everything else at
// [slog.LevelInfo].
//
// [*Pool] and [*ConnectBridge] also emit metrics through the global
// go-metrics sink under the connpipe.pool and connpipe.bridge prefixes.
//
// # Timeout and Context Philosophy
//
// Operations never modify the context they receive, with one exception:
// the pipeline of a bridged connection outlives Connect, so it runs with
// a context that keeps the values of the Connect context but is cancelled
// only when the connection is closed or the Connect wait is abandoned.
// Include [CancelWatchStage] to abort the connection when that happens.
package connpipe
