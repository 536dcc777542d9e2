// Package app wires fullsyncd's config, clustermap gossip, cascade
// topology, and fullsync coordinator together and runs them until a
// shutdown signal arrives.
package app

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anthanhphan/gosdk/logger"

	"github.com/anthanhphan/go-aae-fullsync/internal/cascade"
	"github.com/anthanhphan/go-aae-fullsync/internal/config"
	"github.com/anthanhphan/go-aae-fullsync/internal/coordinator"
	"github.com/anthanhphan/go-aae-fullsync/internal/refvnode"
	"github.com/anthanhphan/go-aae-fullsync/internal/reftree"
	"github.com/anthanhphan/go-aae-fullsync/pkg/clustermap"
	"github.com/anthanhphan/go-aae-fullsync/pkg/idgen"
	"github.com/anthanhphan/go-aae-fullsync/pkg/resilience"
)

// App owns every long-lived component fullsyncd runs: the clustermap
// gossip membership, the cascade topology, and the fullsync
// coordinator that drives per-partition Exchange Engines between them.
type App struct {
	cfg *config.Config

	clustermap  *clustermap.Map
	cascade     *cascade.Service
	coordinator *coordinator.Coordinator

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New loads configuration, initializes logging, and wires the
// clustermap, cascade topology, and coordinator without starting any
// of them.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.InitLogger(&cfg.Logger)

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%d", host, cfg.Gossip.Port)
	}

	cm, err := clustermap.New(nodeID, cfg.Server.Hostname, cfg.Gossip.Port, cfg.Server.SinkPort, cfg.Server.Cluster)
	if err != nil {
		return nil, fmt.Errorf("failed to init clustermap: %w", err)
	}

	cascadeSvc := cascade.NewService()

	a := &App{
		cfg:        cfg,
		clustermap: cm,
		cascade:    cascadeSvc,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}

	edges := make([]cascade.Edge, 0, len(cfg.Cascade.Edges))
	for _, e := range cfg.Cascade.Edges {
		edges = append(edges, cascade.Edge{Source: e.Source, Sink: e.Sink})
	}
	if err := cascadeSvc.Start(edges); err != nil {
		return nil, fmt.Errorf("failed to start cascade topology: %w", err)
	}

	treeSvc := reftree.New(hashtreeSegments)
	vnodeStore := refvnode.New()
	objHelper := &refvnode.Helper{}

	ids, err := newCorrelationIDGen(cfg.Redis, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to init correlation ID generator: %w", err)
	}

	a.coordinator = coordinator.New(coordinator.Options{
		LocalCluster: cfg.Server.Cluster,
		Started:      cfg.Cascade.Started,
		Partitions:   cfg.Coordinator.Partitions,
		PreflistSize: cfg.Coordinator.PreflistSize,
		Interval:     cfg.Coordinator.Interval(),
		Workers:      cfg.Coordinator.Workers,
		QueueSize:    cfg.Coordinator.QueueSize,
		WireVersion:  cfg.Exchange.WireVersion,
		DialTimeout:  cfg.Exchange.DialTimeout(),
		Timeout:      cfg.Exchange.Timeout(),
		Cascade:      cascadeSvc,
		Clustermap:   cm,
		TreeSvc:      treeSvc,
		VnodeSvc:     vnodeStore,
		ObjHelper:    objHelper,
		Breakers:     a.breakerFor,
		IDGen:        ids,
	})

	return a, nil
}

// hashtreeSegments is the reference HashTreeService's fixed leaf
// fan-out; production deployments would wire their own hash-tree
// service and this constant would not exist.
const hashtreeSegments = 1024

// newCorrelationIDGen builds the process-wide Snowflake generator
// every Engine this process launches shares (coordinator.Options.IDGen),
// so wire-frame correlation IDs stay time-ordered across every
// partition exchange instead of resetting per socket. When redisCfg
// names an address, its TIME command backs the clock so IDs also stay
// ordered across every other coordinator process pointed at the same
// Redis instance; otherwise the generator falls back to the local
// system clock.
func newCorrelationIDGen(redisCfg config.RedisConfig, nodeID string) (*idgen.Snowflake, error) {
	var clock idgen.Clock
	if redisCfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		clock = idgen.NewRedisClock(client)
	}

	snowflakeNodeID := redisCfg.NodeID
	if snowflakeNodeID == 0 {
		snowflakeNodeID = int64(crc32.ChecksumIEEE([]byte(nodeID))) % 1024
	}
	return idgen.New(snowflakeNodeID, clock)
}

// breakerFor returns (creating if absent) the circuit breaker guarding
// dials to remoteCluster.
func (a *App) breakerFor(remoteCluster string) *resilience.CircuitBreaker {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()

	cb, ok := a.breakers[remoteCluster]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: remoteCluster})
		a.breakers[remoteCluster] = cb
	}
	return cb
}

// Run joins the gossip cluster, starts the coordinator, and blocks
// until SIGINT or SIGTERM arrives, then shuts everything down.
func (a *App) Run() error {
	seeds := make([]string, 0, len(a.cfg.Gossip.Seeds))
	selfSeedSuffix := fmt.Sprintf(":%d", a.cfg.Gossip.Port)
	for _, seed := range a.cfg.Gossip.Seeds {
		if seed == "" {
			continue
		}
		if strings.HasSuffix(seed, selfSeedSuffix) && strings.Contains(seed, a.cfg.Server.Hostname) {
			continue
		}
		seeds = append(seeds, seed)
	}

	if len(seeds) > 0 {
		var joinErr error
		for i := 0; i < 5; i++ {
			joinErr = a.clustermap.Join(seeds)
			if joinErr == nil {
				break
			}
			logger.Warnw("Failed to join cluster, retrying...", "attempt", i+1, "error", joinErr.Error())
			time.Sleep(2 * time.Second)
		}
		if joinErr != nil {
			logger.Errorw("Failed to join cluster after retries", "error", joinErr.Error())
		}
	}

	logger.Infow("Fullsync coordinator starting",
		"cluster", a.cfg.Server.Cluster,
		"started", a.cfg.Cascade.Started,
		"partitions", len(a.cfg.Coordinator.Partitions))

	ctx, cancel := context.WithCancel(context.Background())
	a.coordinator.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	sig := <-stop
	logger.Infow("Shutdown signal received", "signal", sig.String())

	logger.Info("Shutting down fullsync coordinator")
	cancel()
	a.coordinator.Stop()
	a.cascade.Stop()

	if err := a.clustermap.Leave(); err != nil {
		logger.Warnw("Clustermap leave failed", "error", err.Error())
	}

	return nil
}
