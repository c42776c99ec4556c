// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/bassosimone/runtimex"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// NewPool returns a new [*Pool] creating connections with factory.
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The factory argument creates the connections (e.g., a [*ConnectFunc]
// or a [*ConnectBridge]).
//
// The logger argument is the [SLogger] to use for structured logging.
func NewPool(cfg *Config, factory Func[Endpoint, Conn], logger SLogger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ErrClassifier: cfg.ErrClassifier,
		Factory:       factory,
		Limit:         cfg.PoolLimit,
		LimitFor:      nil,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		WaitTimeout:   cfg.PoolWaitTimeout,
		cancel:        cancel,
		ctx:           ctx,
		slots:         make(map[PoolKey]*poolSlot),
	}
}

// Pool caches connections per [PoolKey] and bounds how many connections
// per key are issued at the same time.
//
// A connection obtained with [*Pool.GetConnection] is issued until it is
// given back with [*Pool.ReturnConnection] or [*Pool.DiscardConnection].
// When the limit is reached, callers wait in FIFO order and each returned
// connection goes to the longest-waiting caller. The pool never checks
// whether an idle connection is still alive: the caller decides whether
// to return or to discard.
//
// Keys are compared by value, so equal keys share a slot and its limit.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to the methods.
type Pool struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewPool] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Factory creates new connections.
	//
	// Set by [NewPool] to the user-provided factory.
	Factory Func[Endpoint, Conn]

	// Limit is the per-key limit used when LimitFor is nil or returns
	// a non-positive value.
	//
	// Set by [NewPool] from [Config.PoolLimit].
	Limit int

	// LimitFor optionally returns the limit of a given key. It is
	// consulted once, when the slot of the key is created.
	//
	// Set by [NewPool] to nil.
	LimitFor func(key PoolKey) int

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewPool] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewPool] from [Config.TimeNow].
	TimeNow func() time.Time

	// WaitTimeout bounds the wait for a free slot. See [Config.PoolWaitTimeout].
	//
	// Set by [NewPool] from [Config.PoolWaitTimeout].
	WaitTimeout time.Duration

	cancel context.CancelFunc
	ctx    context.Context
	closed bool
	mu     sync.Mutex
	slots  map[PoolKey]*poolSlot
}

// poolSlot is the per-key state. The semaphore holds one unit per issued
// connection. Idle connections do not hold units.
type poolSlot struct {
	closed bool
	idle   []Conn
	issued int
	labels []metrics.Label
	limit  int
	mu     sync.Mutex
	sema   *semaphore.Weighted
}

// PoolStats is a snapshot of the state of a [PoolKey] slot.
type PoolStats struct {
	// Limit is the maximum number of issued connections.
	Limit int

	// Issued is the number of connections currently issued.
	Issued int

	// Idle is the number of connections available for reuse.
	Idle int
}

func (p *Pool) slot(key PoolKey) (*poolSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	slot := p.slots[key]
	if slot == nil {
		limit := p.Limit
		if p.LimitFor != nil {
			if value := p.LimitFor(key); value > 0 {
				limit = value
			}
		}
		limit = max(limit, 1)
		slot = &poolSlot{
			labels: []metrics.Label{
				{Name: "endpoint", Value: key.Endpoint.String()},
				{Name: "route", Value: key.Route},
			},
			limit: limit,
			sema:  semaphore.NewWeighted(int64(limit)),
		}
		p.slots[key] = slot
	}
	return slot, nil
}

func (p *Pool) lookup(key PoolKey) *poolSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[key]
}

// GetConnection returns an idle connection for key or creates a new one.
//
// When the key already has as many issued connections as its limit, the
// call waits for one to be given back, subject to ctx and WaitTimeout.
// Waiting fails with [ErrPoolTimeout] on deadline, with [ErrPoolExhausted]
// when WaitTimeout is negative, and with [ErrPoolClosed] if the pool is
// closed meanwhile. A factory error is returned only to this caller.
func (p *Pool) GetConnection(ctx context.Context, key PoolKey) (Conn, error) {
	t0 := p.TimeNow()
	p.logGetStart(key, t0)
	conn, reused, err := p.getConnection(ctx, key)
	p.logGetDone(key, t0, conn, reused, err)
	return conn, err
}

func (p *Pool) getConnection(ctx context.Context, key PoolKey) (Conn, bool, error) {
	slot, err := p.slot(key)
	if err != nil {
		return nil, false, err
	}
	metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "get"}, 1, slot.labels)

	if err := p.acquire(ctx, slot); err != nil {
		return nil, false, err
	}

	slot.mu.Lock()
	if slot.closed {
		slot.mu.Unlock()
		slot.sema.Release(1)
		return nil, false, ErrPoolClosed
	}
	slot.issued++
	if count := len(slot.idle); count > 0 {
		conn := slot.idle[count-1]
		slot.idle[count-1] = nil
		slot.idle = slot.idle[:count-1]
		slot.updateGauges()
		slot.mu.Unlock()
		metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "reuse"}, 1, slot.labels)
		return conn, true, nil
	}
	slot.updateGauges()
	slot.mu.Unlock()

	// The issued count already includes this connection, so concurrent
	// callers cannot overshoot the limit while we dial without the lock.
	conn, err := p.Factory.Call(ctx, key.Endpoint)
	if err != nil {
		slot.mu.Lock()
		slot.issued--
		slot.updateGauges()
		slot.mu.Unlock()
		slot.sema.Release(1)
		metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "create_error"}, 1, slot.labels)
		return nil, false, err
	}
	metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "create"}, 1, slot.labels)
	return conn, false, nil
}

func (p *Pool) acquire(ctx context.Context, slot *poolSlot) error {
	if slot.sema.TryAcquire(1) {
		return nil
	}
	if p.WaitTimeout < 0 {
		metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "exhausted"}, 1, slot.labels)
		return ErrPoolExhausted
	}

	t0 := p.TimeNow()
	defer metrics.MeasureSinceWithLabels([]string{"connpipe", "pool", "wait"}, t0, slot.labels)

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.ctx, func() {
		cancel(ErrPoolClosed)
	})
	defer stop()
	if p.WaitTimeout > 0 {
		var cancelTimeout context.CancelFunc
		wctx, cancelTimeout = context.WithTimeout(wctx, p.WaitTimeout)
		defer cancelTimeout()
	}

	err := slot.sema.Acquire(wctx, 1)
	switch {
	case err == nil:
		return nil
	case errors.Is(context.Cause(wctx), ErrPoolClosed):
		return ErrPoolClosed
	case errors.Is(err, context.DeadlineExceeded):
		metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "timeout"}, 1, slot.labels)
		return fmt.Errorf("%w: %w", ErrPoolTimeout, err)
	default:
		return err
	}
}

// ReturnConnection gives conn back to the slot of key for reuse.
//
// If conn is already closed, this is equivalent to [*Pool.DiscardConnection].
// If the pool is closed, conn is closed.
func (p *Pool) ReturnConnection(key PoolKey, conn Conn) {
	select {
	case <-conn.Closed():
		p.DiscardConnection(key, conn)
		return
	default:
	}

	slot := p.lookup(key)
	runtimex.Assert(slot != nil)

	slot.mu.Lock()
	runtimex.Assert(slot.issued > 0)
	slot.issued--
	closed := slot.closed
	if !closed {
		// Push before releasing, so that the waiter we wake finds it.
		slot.idle = append(slot.idle, conn)
	}
	slot.updateGauges()
	slot.mu.Unlock()

	if closed {
		_ = conn.Close()
	}
	slot.sema.Release(1)
	p.logRelease("poolReturn", key, conn)
}

// DiscardConnection closes conn and frees its slot capacity, so that a
// waiter, if any, creates a fresh connection.
func (p *Pool) DiscardConnection(key PoolKey, conn Conn) {
	_ = conn.Close()

	slot := p.lookup(key)
	runtimex.Assert(slot != nil)

	slot.mu.Lock()
	runtimex.Assert(slot.issued > 0)
	slot.issued--
	slot.updateGauges()
	slot.mu.Unlock()

	slot.sema.Release(1)
	metrics.IncrCounterWithLabels([]string{"connpipe", "pool", "discard"}, 1, slot.labels)
	p.logRelease("poolDiscard", key, conn)
}

// Stats returns a snapshot of the slot of key.
//
// The zero value is returned for keys never requested.
func (p *Pool) Stats(key PoolKey) PoolStats {
	slot := p.lookup(key)
	if slot == nil {
		return PoolStats{}
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return PoolStats{Limit: slot.limit, Issued: slot.issued, Idle: len(slot.idle)}
}

// Close closes the idle connections and makes the pool unusable.
//
// Pending and later calls to [*Pool.GetConnection] fail with [ErrPoolClosed].
// Issued connections are closed when they are given back. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	slots := make([]*poolSlot, 0, len(p.slots))
	for _, slot := range p.slots {
		slots = append(slots, slot)
	}
	p.mu.Unlock()
	p.cancel()

	var result *multierror.Error
	for _, slot := range slots {
		slot.mu.Lock()
		slot.closed = true
		idle := slot.idle
		slot.idle = nil
		slot.updateGauges()
		slot.mu.Unlock()
		for _, conn := range idle {
			if err := conn.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Func returns a [Func] getting connections for [PoolKey]{Endpoint: endpoint}.
//
// Closing a returned [Conn] gives it back to the pool, while aborting it
// discards it. This lets a pool serve as the factory of a [*ConnectBridge].
func (p *Pool) Func() Func[Endpoint, Conn] {
	return FuncAdapter[Endpoint, Conn](func(ctx context.Context, endpoint Endpoint) (Conn, error) {
		key := PoolKey{Endpoint: endpoint}
		conn, err := p.GetConnection(ctx, key)
		if err != nil {
			return nil, err
		}
		return &pooledConn{Conn: conn, key: key, pool: p}, nil
	})
}

// pooledConn gives the connection back to the pool instead of closing it.
type pooledConn struct {
	Conn
	key  PoolKey
	once sync.Once
	pool *Pool
}

// Close returns the connection to the pool.
func (c *pooledConn) Close() error {
	c.once.Do(func() {
		c.pool.ReturnConnection(c.key, c.Conn)
	})
	return nil
}

// Abort aborts the connection and discards it.
func (c *pooledConn) Abort(reason error) {
	c.once.Do(func() {
		c.Conn.Abort(reason)
		c.pool.DiscardConnection(c.key, c.Conn)
	})
}

// updateGauges must be called with the slot locked.
func (slot *poolSlot) updateGauges() {
	metrics.SetGaugeWithLabels([]string{"connpipe", "pool", "issued"}, float32(slot.issued), slot.labels)
	metrics.SetGaugeWithLabels([]string{"connpipe", "pool", "idle"}, float32(len(slot.idle)), slot.labels)
}

func (p *Pool) logGetStart(key PoolKey, t0 time.Time) {
	p.Logger.Info(
		"poolGetStart",
		slog.String("poolKey", key.String()),
		slog.Time("t", t0),
	)
}

func (p *Pool) logGetDone(key PoolKey, t0 time.Time, conn Conn, reused bool, err error) {
	var connID string
	if conn != nil {
		connID = conn.ID()
	}
	p.Logger.Info(
		"poolGetDone",
		slog.String("connID", connID),
		slog.Any("err", err),
		slog.String("errClass", p.ErrClassifier.Classify(err)),
		slog.String("poolKey", key.String()),
		slog.Bool("reused", reused),
		slog.Time("t0", t0),
		slog.Time("t", p.TimeNow()),
	)
}

func (p *Pool) logRelease(event string, key PoolKey, conn Conn) {
	p.Logger.Debug(
		event,
		slog.String("connID", conn.ID()),
		slog.String("poolKey", key.String()),
		slog.Time("t", p.TimeNow()),
	)
}
