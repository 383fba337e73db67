// Package persister batches accepted pings into warm-store writes. Pings
// buffer in memory and flush as one transaction when the batch fills or the
// interval elapses, whichever comes first. A failed flush puts the batch back
// at the head of the buffer so ordering survives retries.
package persister

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// Store is the flush target.
type Store interface {
	AppendPings(ctx context.Context, batch []types.PingJob) error
}

// Persister owns the ping buffer and its flush loop.
type Persister struct {
	store    Store
	size     int
	interval time.Duration
	maxDepth int

	mu     sync.Mutex
	buffer []types.PingJob

	kick   chan struct{}
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// New builds a persister flushing at size pings or every interval. The
// buffer holds at most ten batches; beyond that Add sheds load back to the
// queue, whose retry backoff becomes the backpressure.
func New(store Store, size int, interval time.Duration) *Persister {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Persister{
		store:    store,
		size:     size,
		interval: interval,
		maxDepth: size * 10,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the flush loop.
func (p *Persister) Start() {
	p.wg.Add(1)
	go p.run()
}

// Add buffers one ping. Returns an error when the buffer is at capacity so
// the caller can retry later.
func (p *Persister) Add(_ context.Context, job types.PingJob) error {
	p.mu.Lock()
	if len(p.buffer) >= p.maxDepth {
		p.mu.Unlock()
		return fmt.Errorf("ping buffer full at %d entries", p.maxDepth)
	}
	p.buffer = append(p.buffer, job)
	depth := len(p.buffer)
	p.mu.Unlock()

	metrics.BufferDepth.Set(float64(depth))
	if depth >= p.size {
		p.kickFlush()
	}
	return nil
}

// Pending returns the current buffer depth.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Drain stops the flush loop and writes out everything left in the buffer.
// On error the unwritten remainder stays buffered and is lost with the
// process; the caller decides how loudly to complain.
func (p *Persister) Drain(ctx context.Context) error {
	p.stop.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	for {
		batch := p.detach()
		if len(batch) == 0 {
			return nil
		}
		if err := p.store.AppendPings(ctx, batch); err != nil {
			p.requeue(batch)
			return fmt.Errorf("drain ping buffer: %w", err)
		}
		metrics.BatchFlushes.WithLabelValues("ok").Inc()
		metrics.PersistedPings.Add(float64(len(batch)))
	}
}

func (p *Persister) kickFlush() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Persister) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.flushOnce()
		case <-p.kick:
			p.flushOnce()
		}
	}
}

func (p *Persister) flushOnce() {
	batch := p.detach()
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := p.store.AppendPings(context.Background(), batch)
	if err != nil {
		metrics.BatchFlushes.WithLabelValues("error").Inc()
		logging.Error(context.Background(), "ping batch flush failed",
			zap.Int("batch", len(batch)), zap.Error(err))
		// Back to the head; the next tick retries, so a down database never
		// spins this loop hot.
		p.requeue(batch)
		return
	}

	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.BatchFlushes.WithLabelValues("ok").Inc()
	metrics.PersistedPings.Add(float64(len(batch)))

	p.mu.Lock()
	backlog := len(p.buffer) >= p.size
	p.mu.Unlock()
	if backlog {
		p.kickFlush()
	}
}

// detach removes up to one batch from the buffer head.
func (p *Persister) detach() []types.PingJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.buffer)
	if n == 0 {
		return nil
	}
	if n > p.size {
		n = p.size
	}
	batch := make([]types.PingJob, n)
	copy(batch, p.buffer[:n])

	rest := make([]types.PingJob, len(p.buffer)-n)
	copy(rest, p.buffer[n:])
	p.buffer = rest

	metrics.BufferDepth.Set(float64(len(p.buffer)))
	return batch
}

// requeue puts a failed batch back in front of anything buffered since.
func (p *Persister) requeue(batch []types.PingJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(batch, p.buffer...)
	metrics.BufferDepth.Set(float64(len(p.buffer)))
}
