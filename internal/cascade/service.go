package cascade

import (
	"fmt"
	"sync"

	"github.com/anthanhphan/gosdk/logger"
)

// Edge is a configured (source, sink) cascade relationship, the
// wire-format counterpart of a Graph edge.
type Edge struct {
	Source string
	Sink   string
}

// Service is the process-wide cascade-topology singleton: spec §3
// calls for "explicit start/stop" lifecycle around an otherwise
// always-mutable graph.
type Service struct {
	mu      sync.Mutex
	started bool
	graph   *Graph
}

// NewService returns a stopped Service over an empty graph.
func NewService() *Service {
	return &Service{graph: NewGraph()}
}

// Start marks the service running and seeds the graph with the given
// configured edges.
func (s *Service) Start(edges []Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cascade: service already started")
	}
	for _, e := range edges {
		s.graph.AddEdge(e.Source, e.Sink)
	}
	s.started = true
	logger.Infow("cascade: topology started", "edges", len(edges))
	return nil
}

// Stop marks the service stopped. The graph itself is left intact;
// Stop only governs whether the owning process considers the topology
// live.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	logger.Info("cascade: topology stopped")
}

// Running reports whether Start has been called without a matching
// Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Graph returns the underlying topology. Every Graph method is itself
// safe for concurrent use and returns snapshots, so callers may hold
// onto this reference for the Service's lifetime.
func (s *Service) Graph() *Graph {
	return s.graph
}
