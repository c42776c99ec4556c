// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPool returns a pool with the given limit backed by a [*rawFactory].
func newTestPool(limit int) (*Pool, *rawFactory) {
	cfg := newTestConfig()
	cfg.PoolLimit = limit
	factory := &rawFactory{cfg: cfg}
	return NewPool(cfg, factory, DefaultSLogger()), factory
}

var testPoolKey = PoolKey{Endpoint: testEndpoint, Route: "default"}

// NewPool populates all fields from Config and the provided arguments.
func TestNewPool(t *testing.T) {
	cfg := NewConfig()
	cfg.PoolLimit = 4
	cfg.PoolWaitTimeout = time.Second
	factory := &rawFactory{cfg: cfg}

	pool := NewPool(cfg, factory, DefaultSLogger())

	require.NotNil(t, pool)
	assert.NotNil(t, pool.ErrClassifier)
	assert.Equal(t, factory, pool.Factory)
	assert.Equal(t, 4, pool.Limit)
	assert.Nil(t, pool.LimitFor)
	assert.NotNil(t, pool.Logger)
	assert.NotNil(t, pool.TimeNow)
	assert.Equal(t, time.Second, pool.WaitTimeout)
}

// A returned connection is reused by the next GetConnection.
func TestPoolReuse(t *testing.T) {
	pool, factory := newTestPool(2)
	defer pool.Close()

	conn, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	assert.Equal(t, PoolStats{Limit: 2, Issued: 1, Idle: 0}, pool.Stats(testPoolKey))

	pool.ReturnConnection(testPoolKey, conn)
	assert.Equal(t, PoolStats{Limit: 2, Issued: 0, Idle: 1}, pool.Stats(testPoolKey))

	again, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, int64(1), factory.created.Load())
	pool.ReturnConnection(testPoolKey, again)
}

// Stats returns the zero value for keys never requested.
func TestPoolStatsUnknownKey(t *testing.T) {
	pool, _ := newTestPool(2)
	assert.Equal(t, PoolStats{}, pool.Stats(testPoolKey))
}

// Waiting for a slot fails according to WaitTimeout and the context.
func TestPoolWaitFailures(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// waitTimeout is the value of Pool.WaitTimeout.
		waitTimeout time.Duration

		// cancelled indicates whether the context is already cancelled.
		cancelled bool

		// wantErr is the error we expect.
		wantErr error
	}{
		{
			name:        "negative timeout does not wait",
			waitTimeout: -1,
			wantErr:     ErrPoolExhausted,
		},

		{
			name:        "positive timeout expires",
			waitTimeout: 20 * time.Millisecond,
			wantErr:     ErrPoolTimeout,
		},

		{
			name:        "zero timeout waits on the context",
			waitTimeout: 0,
			cancelled:   true,
			wantErr:     context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, factory := newTestPool(1)
			pool.WaitTimeout = tt.waitTimeout
			defer pool.Close()

			held, err := pool.GetConnection(context.Background(), testPoolKey)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancelled {
				cancel()
			}
			defer cancel()

			conn, err := pool.GetConnection(ctx, testPoolKey)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, conn)
			assert.Equal(t, int64(1), factory.created.Load())
			assert.Equal(t, 1, pool.Stats(testPoolKey).Issued)

			pool.ReturnConnection(testPoolKey, held)
		})
	}
}

// A returned connection goes to the longest-waiting caller.
func TestPoolFIFOHandOff(t *testing.T) {
	pool, factory := newTestPool(1)
	defer pool.Close()

	held, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)

	order := make(chan string, 2)
	wg := &sync.WaitGroup{}
	for _, name := range []string{"first", "second"} {
		wg.Go(func() {
			conn, err := pool.GetConnection(context.Background(), testPoolKey)
			if !assert.NoError(t, err) {
				return
			}
			order <- name
			time.Sleep(50 * time.Millisecond)
			pool.ReturnConnection(testPoolKey, conn)
		})
		// let the waiter enqueue before starting the next one
		time.Sleep(50 * time.Millisecond)
	}

	pool.ReturnConnection(testPoolKey, held)

	// the slot now belongs to the first waiter: a newcomer cannot take it
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.GetConnection(ctx, testPoolKey)
	require.ErrorIs(t, err, context.Canceled)

	wg.Wait()
	close(order)
	var got []string
	for name := range order {
		got = append(got, name)
	}
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, int64(1), factory.created.Load())
	assert.Equal(t, PoolStats{Limit: 1, Issued: 0, Idle: 1}, pool.Stats(testPoolKey))
}

// Equal keys share a slot while different keys are independent.
func TestPoolKeys(t *testing.T) {
	pool, factory := newTestPool(1)
	pool.WaitTimeout = -1
	defer pool.Close()

	conn1, err := pool.GetConnection(context.Background(), PoolKey{Endpoint: testEndpoint, Route: "a"})
	require.NoError(t, err)

	_, err = pool.GetConnection(context.Background(), PoolKey{Endpoint: testEndpoint, Route: "a"})
	require.ErrorIs(t, err, ErrPoolExhausted)

	conn2, err := pool.GetConnection(context.Background(), PoolKey{Endpoint: testEndpoint, Route: "b"})
	require.NoError(t, err)

	other := Endpoint{Network: "tcp", Address: "10.0.0.2:443"}
	conn3, err := pool.GetConnection(context.Background(), PoolKey{Endpoint: other, Route: "a"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), factory.created.Load())
	pool.ReturnConnection(PoolKey{Endpoint: testEndpoint, Route: "a"}, conn1)
	pool.ReturnConnection(PoolKey{Endpoint: testEndpoint, Route: "b"}, conn2)
	pool.ReturnConnection(PoolKey{Endpoint: other, Route: "a"}, conn3)
}

// LimitFor overrides the limit of selected keys.
func TestPoolLimitFor(t *testing.T) {
	pool, _ := newTestPool(1)
	pool.LimitFor = func(key PoolKey) int {
		if key.Route == "bulk" {
			return 3
		}
		return 0
	}
	defer pool.Close()

	bulk := PoolKey{Endpoint: testEndpoint, Route: "bulk"}
	_, err := pool.GetConnection(context.Background(), bulk)
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Stats(bulk).Limit)

	_, err = pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats(testPoolKey).Limit)
}

// A non-positive limit is treated as one.
func TestPoolMinimumLimit(t *testing.T) {
	pool, _ := newTestPool(0)
	defer pool.Close()

	_, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats(testPoolKey).Limit)
}

// A factory failure is returned to the caller and frees the capacity.
func TestPoolFactoryFailure(t *testing.T) {
	pool, factory := newTestPool(1)
	pool.WaitTimeout = -1
	defer pool.Close()

	wantErr := errors.New("connection refused")
	factory.err = wantErr
	_, err := pool.GetConnection(context.Background(), testPoolKey)
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, pool.Stats(testPoolKey).Issued)

	factory.err = nil
	conn, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	pool.ReturnConnection(testPoolKey, conn)
}

// DiscardConnection closes the connection and lets the next caller create a new one.
func TestPoolDiscard(t *testing.T) {
	pool, factory := newTestPool(1)
	defer pool.Close()

	conn, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)

	pool.DiscardConnection(testPoolKey, conn)
	assert.Equal(t, int64(1), factory.closed.Load())
	assert.Equal(t, PoolStats{Limit: 1, Issued: 0, Idle: 0}, pool.Stats(testPoolKey))

	fresh, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	assert.Equal(t, int64(2), factory.created.Load())
}

// Returning a closed connection discards it.
func TestPoolReturnClosedConnection(t *testing.T) {
	pool, factory := newTestPool(1)
	defer pool.Close()

	conn, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	pool.ReturnConnection(testPoolKey, conn)
	assert.Equal(t, PoolStats{Limit: 1, Issued: 0, Idle: 0}, pool.Stats(testPoolKey))
	assert.Equal(t, int64(1), factory.closed.Load())
}

// Close closes idle connections and fails pending and later calls.
func TestPoolClose(t *testing.T) {
	pool, factory := newTestPool(2)

	idle, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	issued, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	pool.ReturnConnection(testPoolKey, idle)

	// fill the slot again so that a caller has to wait
	again, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := pool.GetConnection(context.Background(), testPoolKey)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	pool.ReturnConnection(testPoolKey, again)
	// the waiter takes the returned connection
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not served")
	}
	assert.Equal(t, 2, pool.Stats(testPoolKey).Issued)

	pool2Err := make(chan error, 1)
	go func() {
		_, err := pool.GetConnection(context.Background(), testPoolKey)
		pool2Err <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	select {
	case err := <-pool2Err:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	_, err = pool.GetConnection(context.Background(), testPoolKey)
	require.ErrorIs(t, err, ErrPoolClosed)

	// issued connections are closed when given back
	closedBefore := factory.closed.Load()
	pool.ReturnConnection(testPoolKey, issued)
	assert.Equal(t, closedBefore+1, factory.closed.Load())
}

// Close closes the idle connections.
func TestPoolCloseIdle(t *testing.T) {
	pool, factory := newTestPool(2)

	conn1, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	conn2, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	pool.ReturnConnection(testPoolKey, conn1)
	pool.ReturnConnection(testPoolKey, conn2)

	require.NoError(t, pool.Close())
	assert.Equal(t, int64(2), factory.closed.Load())
	assert.Equal(t, 0, pool.Stats(testPoolKey).Idle)
}

// The issued connections of a key never exceed its limit.
func TestPoolConcurrentLimit(t *testing.T) {
	const limit = 3
	pool, factory := newTestPool(limit)
	defer pool.Close()

	var current, peak atomic.Int64
	wg := &sync.WaitGroup{}
	for range 16 {
		wg.Go(func() {
			for range 10 {
				conn, err := pool.GetConnection(context.Background(), testPoolKey)
				if !assert.NoError(t, err) {
					return
				}
				value := current.Add(1)
				for {
					old := peak.Load()
					if value <= old || peak.CompareAndSwap(old, value) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				pool.ReturnConnection(testPoolKey, conn)
			}
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.LessOrEqual(t, factory.created.Load(), int64(limit))
	assert.Equal(t, 0, pool.Stats(testPoolKey).Issued)
}

// Func hands out connections that go back to the pool on Close and are discarded on Abort.
func TestPoolFunc(t *testing.T) {
	pool, factory := newTestPool(1)
	defer pool.Close()
	key := PoolKey{Endpoint: testEndpoint}
	dial := pool.Func()

	conn, err := dial.Call(context.Background(), testEndpoint)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, PoolStats{Limit: 1, Issued: 0, Idle: 1}, pool.Stats(key))
	assert.Equal(t, int64(0), factory.closed.Load())

	conn, err = dial.Call(context.Background(), testEndpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), factory.created.Load())

	conn.Abort(errors.New("broken"))
	assert.Equal(t, PoolStats{Limit: 1, Issued: 0, Idle: 0}, pool.Stats(key))
	assert.Equal(t, int64(1), factory.closed.Load())
}

// A pool can serve as the factory of a ConnectBridge.
func TestPoolBehindBridge(t *testing.T) {
	pool, factory := newTestPool(1)
	defer pool.Close()
	events := &eventLog{}
	bridge := NewConnectBridge(NewConfig(), pool.Func(), NewPipeline(recordingStage("A", events)), DefaultSLogger())

	for range 3 {
		conn, err := bridge.Connect(context.Background(), testEndpoint)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	assert.Equal(t, int64(1), factory.created.Load())
	assert.Equal(t, 1, pool.Stats(PoolKey{Endpoint: testEndpoint}).Idle)
	assert.Len(t, events.get(), 6)
}

// GetConnection emits poolGetStart/poolGetDone events.
func TestPoolLogging(t *testing.T) {
	cfg := newTestConfig()
	logger, records := newCapturingLogger()
	pool := NewPool(cfg, &rawFactory{cfg: cfg}, logger)
	defer pool.Close()

	conn, err := pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)
	pool.ReturnConnection(testPoolKey, conn)
	_, err = pool.GetConnection(context.Background(), testPoolKey)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"poolGetStart", "poolGetDone", "poolReturn", "poolGetStart", "poolGetDone",
	}, records.Messages())

	var reused []bool
	for _, record := range records.Records() {
		if record.Message == "poolGetDone" {
			attrs := recordAttrs(record)
			assert.Equal(t, "conn-1", attrs["connID"].String())
			assert.Equal(t, testPoolKey.String(), attrs["poolKey"].String())
			reused = append(reused, attrs["reused"].Bool())
		}
	}
	assert.Equal(t, []bool{false, true}, reused)
}
