// Package cascade maintains the cascading-replication topology: a
// mutable directed graph of cluster-to-cluster replication edges and
// next-hop selection over it (spec §4.3). It shares no types with the
// Exchange Engine or Merkle Helper — the only thing tying the three
// together is that a coordinator may use a cascade edge's sink cluster
// name to look up a dialable address (pkg/clustermap) before starting
// an exchange.Engine against it.
package cascade

import (
	"sort"
	"sync"
)

// Graph is a mutable directed graph whose vertices are cluster names
// and whose edges are cascade relationships. Every query method
// returns a fresh copy rather than a live handle, closing the race
// the original's "clients fetch the live graph" design left open
// (spec §9 Design Notes).
type Graph struct {
	mu       sync.RWMutex
	vertices map[string]struct{}
	out      map[string]map[string]struct{} // source -> sinks
	in       map[string]map[string]struct{} // sink -> sources
}

// NewGraph returns an empty topology.
func NewGraph() *Graph {
	return &Graph{
		vertices: make(map[string]struct{}),
		out:      make(map[string]map[string]struct{}),
		in:       make(map[string]map[string]struct{}),
	}
}

// AddVertex adds name as an isolated vertex if it is not already
// present.
func (g *Graph) AddVertex(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addVertexLocked(name)
}

func (g *Graph) addVertexLocked(name string) {
	if _, ok := g.vertices[name]; ok {
		return
	}
	g.vertices[name] = struct{}{}
	g.out[name] = make(map[string]struct{})
	g.in[name] = make(map[string]struct{})
}

// DropVertex removes name and every edge incident to it, in either
// direction.
func (g *Graph) DropVertex(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.vertices[name]; !ok {
		return
	}
	for sink := range g.out[name] {
		delete(g.in[sink], name)
	}
	for source := range g.in[name] {
		delete(g.out[source], name)
	}
	delete(g.out, name)
	delete(g.in, name)
	delete(g.vertices, name)
}

// AddEdge records a cascade from source to sink, creating either
// endpoint that does not already exist.
func (g *Graph) AddEdge(source, sink string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addVertexLocked(source)
	g.addVertexLocked(sink)
	g.out[source][sink] = struct{}{}
	g.in[sink][source] = struct{}{}
}

// DropEdge removes the (source, sink) cascade, if present. Endpoints
// themselves are left in place.
func (g *Graph) DropEdge(source, sink string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.out[source], sink)
	delete(g.in[sink], source)
}

// DropAllOutEdges removes every cascade for which node is the source,
// leaving node and every other vertex in place.
func (g *Graph) DropAllOutEdges(node string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for sink := range g.out[node] {
		delete(g.in[sink], node)
	}
	g.out[node] = make(map[string]struct{})
}

// Clusters returns every vertex name, sorted.
func (g *Graph) Clusters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.vertices))
	for name := range g.vertices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CascadeEntry is one row of Cascades' source -> sorted-sinks mapping.
type CascadeEntry struct {
	Source string
	Sinks  []string
}

// Cascades enumerates every cascade as an ordered mapping from source
// to its sorted sink set, sources themselves sorted.
func (g *Graph) Cascades() []CascadeEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entries := make([]CascadeEntry, 0, len(g.out))
	for source, sinks := range g.out {
		if len(sinks) == 0 {
			continue
		}
		sorted := make([]string, 0, len(sinks))
		for sink := range sinks {
			sorted = append(sorted, sink)
		}
		sort.Strings(sorted)
		entries = append(entries, CascadeEntry{Source: source, Sinks: sorted})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Source < entries[j].Source })
	return entries
}

// OutNeighbors returns node's out-edge sinks, sorted.
func (g *Graph) OutNeighbors(node string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.out[node])
}

// InNeighbors returns node's in-edge sources, sorted.
func (g *Graph) InNeighbors(node string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.in[node])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ShortestPath returns any shortest path from a to b (inclusive of
// both endpoints) via breadth-first search, or ok=false if b is
// unreachable from a.
func (g *Graph) ShortestPath(a, b string) (path []string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.shortestPathLocked(a, b)
}

func (g *Graph) shortestPathLocked(a, b string) (path []string, ok bool) {
	if a == b {
		if _, exists := g.vertices[a]; !exists {
			return nil, false
		}
		return []string{a}, true
	}
	if _, exists := g.vertices[a]; !exists {
		return nil, false
	}

	prev := map[string]string{a: ""}
	queue := []string{a}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for _, next := range sortedKeys(g.out[node]) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = node
			if next == b {
				return reconstructPath(prev, a, b), true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

func reconstructPath(prev map[string]string, a, b string) []string {
	var rev []string
	for node := b; ; {
		rev = append(rev, node)
		if node == a {
			break
		}
		node = prev[node]
	}
	path := make([]string, len(rev))
	for i, node := range rev {
		path[len(rev)-1-i] = node
	}
	return path
}

// pathLenLocked returns the number of edges on a shortest path from a
// to b, or ok=false if unreachable. Caller must hold g.mu (read or
// write).
func (g *Graph) pathLenLocked(a, b string) (int, bool) {
	path, ok := g.shortestPathLocked(a, b)
	if !ok {
		return 0, false
	}
	return len(path) - 1, true
}
