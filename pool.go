package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/handler"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var ErrPoolClosed = errors.New("pool is closed")

// WorkerFactory builds and initializes one handler.
type WorkerFactory func() (*handler.Handler, error)

// WorkerPool hands out initialized handlers, one request at a time each.
type WorkerPool struct {
	workers    chan *handler.Handler
	size       int
	live       int
	newWorker  WorkerFactory
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
	weights    string
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int    `json:"pool_size"`
	Live            int    `json:"live_workers"`
	InUse           int    `json:"workers_in_use"`
	TotalAcquired   int64  `json:"total_acquired"`
	TotalReleased   int64  `json:"total_released"`
	AcquireFailures int64  `json:"acquire_failures"`
	Discarded       int64  `json:"discarded"`
	WaitTime        string `json:"wait_time"`
}

func NewWorkerPool(size int, newWorker WorkerFactory) (*WorkerPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &WorkerPool{
		workers:   make(chan *handler.Handler, size),
		size:      size,
		newWorker: newWorker,
		done:      make(chan struct{}),
		metrics:   &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		w, err := newWorker()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize worker %d: %w", i, err)
		}
		if pool.weights == "" {
			pool.weights = w.Weights()
		}
		pool.live++
		pool.workers <- w
	}
	log.WithField("workers", size).Info("[Pool] workers initialized")

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *WorkerPool) Acquire(ctx context.Context) (*handler.Handler, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case w, ok := <-p.workers:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return w, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available worker")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *WorkerPool) Release(w *handler.Handler) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.Close()
		return
	}
	p.workers <- w
}

// Discard closes a worker that should not serve again. The health check
// replaces it.
func (p *WorkerPool) Discard(w *handler.Handler) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	if err := w.Close(); err != nil {
		p.recordError(err)
	}
	log.Warn("[Pool] worker discarded")
}

// Ready reports whether at least one worker can serve.
func (p *WorkerPool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.live > 0
}

func (p *WorkerPool) Weights() string { return p.weights }

func (p *WorkerPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.workers)

	for w := range p.workers {
		w.Close()
	}
	p.live = 0
}

func (p *WorkerPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish brings the pool back to its configured size.
func (p *WorkerPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		w, err := p.newWorker()
		if err != nil {
			p.recordError(err)
			log.WithError(err).Error("[Pool] failed to replace worker")
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			w.Close()
			return
		}
		p.live++
		p.workers <- w
		p.mu.Unlock()
	}
}

func (p *WorkerPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *WorkerPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *WorkerPool) GetMetrics() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
		WaitTime:        p.metrics.waitTime.String(),
	}
}
