// Package coordinator is the "fullsync coordinator" spec.md §3-§7
// leaves external: it creates one exchange.Engine per partition, per
// next hop the cascade topology names, bounds how many run
// concurrently, and resolves a cluster name to a dialable address
// before handing it to a new Engine.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/gosdk/logger"

	"github.com/anthanhphan/go-aae-fullsync/internal/cascade"
	"github.com/anthanhphan/go-aae-fullsync/internal/exchange"
	"github.com/anthanhphan/go-aae-fullsync/pkg/clustermap"
	"github.com/anthanhphan/go-aae-fullsync/pkg/idgen"
	"github.com/anthanhphan/go-aae-fullsync/pkg/resilience"
)

// AddressResolver turns a cluster name into a dialable address,
// satisfied in production by *clustermap.Map.
type AddressResolver interface {
	Resolve(clusterName string) (string, bool)
}

// Options configures a Coordinator.
type Options struct {
	LocalCluster string
	Started      string // the cascade origin this node syncs fullsyncs as
	Partitions   []uint64
	PreflistSize int
	Interval     time.Duration

	Workers   int
	QueueSize int

	WireVersion string
	DialTimeout time.Duration
	Timeout     time.Duration

	Cascade    *cascade.Service
	Clustermap AddressResolver

	TreeSvc   exchange.HashTreeService
	VnodeSvc  exchange.VnodeService
	ObjHelper exchange.ObjectHelper

	// Breakers, if non-nil, supplies one circuit breaker per remote
	// cluster name so a down peer's dial failures don't pile up across
	// every partition engine targeting it.
	Breakers func(remoteCluster string) *resilience.CircuitBreaker

	// IDGen, if non-nil, is shared across every Engine this coordinator
	// launches so wire-frame correlation IDs stay ordered process-wide
	// rather than reset per partition exchange.
	IDGen *idgen.Snowflake
}

// Coordinator periodically reconciles every configured partition
// against each next-hop cluster the cascade topology names, the same
// ticker-driven loop shape as the teacher's antiEntropyService, scaled
// out with a bounded worker pool instead of unbounded goroutines.
type Coordinator struct {
	opts Options
	pool *resilience.WorkerPool

	mu      sync.Mutex
	active  map[string]*exchange.Engine // key: fmt.Sprintf("%d/%s", partition, remoteCluster)
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Coordinator. Start must be called to begin the
// periodic reconciliation loop.
func New(opts Options) *Coordinator {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = workers
	}
	return &Coordinator{
		opts:   opts,
		pool:   resilience.NewWorkerPool(workers, queueSize),
		active: make(map[string]*exchange.Engine),
		stopCh: make(chan struct{}),
	}
}

// Start runs the reconciliation loop in a new goroutine until ctx is
// canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
}

// Stop halts the reconciliation loop, waits for in-flight engines to
// drain, and closes the worker pool.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.pool.Close()
	c.pool.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	interval := c.opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runReconciliation(ctx)
		}
	}
}

// runReconciliation launches one fullsync per (partition, next-hop
// cluster) pair named by the cascade topology, bounded by the worker
// pool.
func (c *Coordinator) runReconciliation(ctx context.Context) {
	nexts := c.opts.Cascade.Graph().ChooseNexts(c.opts.Started, c.opts.LocalCluster)
	if len(nexts) == 0 {
		logger.Debugw("coordinator: no cascade next hops", "started", c.opts.Started, "current", c.opts.LocalCluster)
		return
	}

	for _, partition := range c.opts.Partitions {
		for _, remoteCluster := range nexts {
			partition, remoteCluster := partition, remoteCluster
			err := c.pool.Submit(ctx, resilience.SyncJob{
				Partition:     partition,
				RemoteCluster: remoteCluster,
				Run: func() {
					c.runPartitionSync(ctx, partition, remoteCluster)
				},
			})
			if err != nil {
				logger.Warnw("coordinator: submit fullsync failed", "partition", partition, "remote", remoteCluster, "error", err.Error())
			}
		}
	}
}

func (c *Coordinator) key(partition uint64, remoteCluster string) string {
	return fmt.Sprintf("%d/%s", partition, remoteCluster)
}

// runPartitionSync resolves remoteCluster to an address, builds one
// Engine for partition, and blocks until it completes — the blocking
// is what lets the worker pool bound true concurrent fullsyncs, not
// just launches.
func (c *Coordinator) runPartitionSync(ctx context.Context, partition uint64, remoteCluster string) {
	key := c.key(partition, remoteCluster)

	c.mu.Lock()
	if _, inFlight := c.active[key]; inFlight {
		c.mu.Unlock()
		logger.Debugw("coordinator: skip, already syncing", "partition", partition, "remote", remoteCluster)
		return
	}
	c.mu.Unlock()

	addr, ok := c.opts.Clustermap.Resolve(remoteCluster)
	if !ok {
		logger.Warnw("coordinator: cannot resolve cluster", "remote", remoteCluster)
		return
	}

	preflist := make([]exchange.IndexN, 0, c.preflistSize())
	for n := 0; n < c.preflistSize(); n++ {
		preflist = append(preflist, exchange.IndexN{Index: partition, N: n})
	}

	done := make(chan struct{})
	var breaker *resilience.CircuitBreaker
	if c.opts.Breakers != nil {
		breaker = c.opts.Breakers(remoteCluster)
	}

	e := exchange.NewEngine(exchange.EngineOptions{
		Partition:   partition,
		RemoteAddr:  addr,
		RemoteName:  remoteCluster,
		Preflist:    preflist,
		WireVersion: c.opts.WireVersion,
		DialTimeout: c.opts.DialTimeout,
		Timeout:     c.opts.Timeout,
		TreeSvc:     c.opts.TreeSvc,
		VnodeSvc:    c.opts.VnodeSvc,
		ObjHelper:   c.opts.ObjHelper,
		Breaker:     breaker,
		IDGen:       c.opts.IDGen,
		OnComplete: func(partition uint64, err error) {
			if err != nil {
				logger.Warnw("coordinator: fullsync failed", "partition", partition, "remote", remoteCluster, "error", err.Error())
			} else {
				logger.Infow("coordinator: fullsync complete", "partition", partition, "remote", remoteCluster)
			}
			if breaker != nil {
				m := breaker.Metrics()
				logger.Debugw("coordinator: breaker metrics", "remote", remoteCluster, "state", string(m.State), "failures", m.FailureCount, "successes", m.SuccessCount)
			}
			close(done)
		},
	})

	c.mu.Lock()
	c.active[key] = e
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	e.Start(ctx)
	<-done
}

func (c *Coordinator) preflistSize() int {
	if c.opts.PreflistSize <= 0 {
		return 1
	}
	return c.opts.PreflistSize
}

// Active returns the partition/remote-cluster pairs currently syncing.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for k := range c.active {
		out = append(out, k)
	}
	return out
}

var _ AddressResolver = (*clustermap.Map)(nil)
