package resilience

import (
	"context"
	"errors"
	"sync"
)

var ErrWorkerPoolClosed = errors.New("worker pool is closed")

// SyncJob is one partition-sync unit submitted to the pool: the
// partition and remote cluster it targets, paired with the work
// itself, so a queued or in-flight job can be identified by what it's
// reconciling rather than by an anonymous closure.
type SyncJob struct {
	Partition     uint64
	RemoteCluster string
	Run           func()
}

// WorkerPool bounds how many per-partition fullsync exchanges the
// coordinator runs concurrently. Submitted jobs queue once all workers
// are busy instead of spawning unbounded goroutines.
type WorkerPool struct {
	jobs   chan SyncJob
	closed bool
	mu     sync.RWMutex
	once   sync.Once
	wg     sync.WaitGroup
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	p := &WorkerPool{
		jobs: make(chan SyncJob, queueSize),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				if job.Run != nil {
					job.Run()
				}
			}
		}()
	}

	return p
}

func (p *WorkerPool) Submit(ctx context.Context, job SyncJob) error {
	if job.Run == nil {
		return nil
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrWorkerPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

func (p *WorkerPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
