// Package iopool runs storage opens and closes with bounded concurrency.
//
// It is used only when every column lives in its own file: opening a bucket
// generation then means one backend open per requested column, which is slow
// on network storage and worth doing in parallel.
package iopool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"kstore/logger"
	"kstore/metrics"
)

// Pool bounds the number of concurrently running tasks. A pool of size 0
// runs every task in the caller.
type Pool struct {
	size     int
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a pool of size workers
func New(size int) *Pool {
	p := &Pool{size: size, log: logger.Named("iopool")}
	if size > 0 {
		p.sem = semaphore.NewWeighted(int64(size))
	}
	return p
}

// Size returns the concurrency bound
func (p *Pool) Size() int {
	return p.size
}

// Sync reports whether tasks run in the caller
func (p *Pool) Sync() bool {
	if p == nil || p.size == 0 {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// InFlight returns the number of running tasks
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Go runs task on the pool and returns once a slot was taken. The task's
// result reaches done, which may be nil. A shut down or synchronous pool runs
// the task before returning.
func (p *Pool) Go(ctx context.Context, task func() error, done func(error)) error {
	if done == nil {
		done = func(error) {}
	}
	if p.Sync() {
		metrics.PoolTasks.WithLabelValues("sync").Inc()
		done(task())
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "failed to acquire pool slot")
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.sem.Release(1)
		metrics.PoolTasks.WithLabelValues("sync").Inc()
		done(task())
		return nil
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	metrics.PoolTasks.WithLabelValues("async").Inc()
	n := p.inFlight.Add(1)
	metrics.PoolInFlight.Inc()
	p.log.Debug("task started", zap.Int64("in_flight", n))
	go func() {
		defer func() {
			left := p.inFlight.Add(-1)
			metrics.PoolInFlight.Dec()
			p.log.Debug("task finished", zap.Int64("in_flight", left))
			p.sem.Release(1)
			p.wg.Done()
		}()
		done(task())
	}()
	return nil
}

// Wait blocks until every started task finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown makes further tasks run in the caller and waits for running
// tasks. Running tasks are not cancelled.
func (p *Pool) Shutdown() {
	if p.size == 0 {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// OpenAll calls open(i) for i in [0,n) through the pool and returns the
// first error once every call finished.
func OpenAll(ctx context.Context, p *Pool, n int, open func(i int) error) error {
	if p.Sync() {
		for i := 0; i < n; i++ {
			if err := open(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		results := make(chan error, 1)
		if err := p.Go(ctx, func() error { return open(i) }, func(err error) { results <- err }); err != nil {
			g.Wait()
			return err
		}
		g.Go(func() error { return <-results })
	}
	return g.Wait()
}

// CloseAll closes every closer, through the pool when it is asynchronous and
// sequentially otherwise. Nil closers are skipped. All close errors are combined.
func CloseAll(ctx context.Context, p *Pool, closers []io.Closer) error {
	var (
		mu     sync.Mutex
		result error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		result = errors.CombineErrors(result, err)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, c := range closers {
		if c == nil {
			continue
		}
		if p.Sync() {
			record(c.Close())
			continue
		}
		wg.Add(1)
		err := p.Go(ctx, c.Close, func(err error) {
			record(err)
			wg.Done()
		})
		if err != nil {
			wg.Done()
			record(c.Close())
		}
	}
	wg.Wait()
	return result
}

// Shared holds the process-wide pool. It is created on first use and can
// be replaced at runtime.
type Shared struct {
	size int
	pool atomic.Pointer[Pool]
	mu   sync.Mutex
}

// NewShared creates a holder whose pool will have size workers
func NewShared(size int) *Shared {
	return &Shared{size: size}
}

// Get returns the current pool, creating it on first use
func (s *Shared) Get() *Pool {
	if p := s.pool.Load(); p != nil {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.pool.Load(); p != nil {
		return p
	}
	p := New(s.size)
	s.pool.Store(p)
	return p
}

// Reset installs a pool of size workers. The previous pool finishes its
// running tasks in the background and then shuts down.
func (s *Shared) Reset(size int) *Pool {
	s.mu.Lock()
	s.size = size
	p := New(size)
	old := s.pool.Swap(p)
	s.mu.Unlock()

	if old != nil {
		logger.Named("iopool").Info("pool reset",
			zap.Int("old_size", old.Size()),
			zap.Int("new_size", size),
			zap.Int64("draining", old.InFlight()))
		go old.Shutdown()
	}
	return p
}
