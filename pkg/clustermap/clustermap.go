// Package clustermap tracks, via gossip, which remote clusters are
// reachable and at what address a fullsync sink for each can be dialed.
//
// The Exchange Engine and Cascade Topology both name clusters by opaque
// cluster name; this package is the piece that turns a cascade edge's
// sink cluster name into a concrete address the coordinator can hand to
// a new exchange engine.
package clustermap

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/hashicorp/memberlist"
)

// ClusterNode is one gossip-known member willing to act as a fullsync
// sink for its cluster.
type ClusterNode struct {
	ClusterName string
	Addr        string // host:port of the fullsync listener
}

// Map is a gossip-backed registry of cluster name -> sink addresses.
type Map struct {
	mu sync.RWMutex

	list       *memberlist.Memberlist
	localName  string
	clusterTag string
	sinkPort   int
	bindAddr   string

	byCluster map[string][]ClusterNode // clusterName -> member addrs
}

var _ memberlist.Delegate = (*Map)(nil)
var _ memberlist.EventDelegate = (*Map)(nil)

// New creates a gossip membership map. clusterTag identifies which
// cascade-topology cluster name this local process belongs to;
// sinkPort is the TCP port a remote exchange engine should dial to
// reach this process's fullsync sink.
func New(nodeID, bindAddr string, bindPort, sinkPort int, clusterTag string) (*Map, error) {
	config := memberlist.DefaultLANConfig()
	config.Name = nodeID
	config.BindAddr = bindAddr
	config.BindPort = bindPort
	config.AdvertisePort = bindPort
	config.LogOutput = io.Discard

	m := &Map{
		localName:  nodeID,
		clusterTag: clusterTag,
		sinkPort:   sinkPort,
		bindAddr:   bindAddr,
		byCluster:  make(map[string][]ClusterNode),
	}
	config.Events = m
	config.Delegate = m

	list, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("clustermap: create memberlist: %w", err)
	}
	m.list = list

	m.addLocked(ClusterNode{ClusterName: clusterTag, Addr: m.serverHost()})
	return m, nil
}

// Join contacts the given seed addresses to discover the rest of the
// gossip cluster.
func (m *Map) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	if _, err := m.list.Join(seeds); err != nil {
		return fmt.Errorf("clustermap: join: %w", err)
	}
	return nil
}

// Leave gracefully removes the local node from the gossip cluster.
func (m *Map) Leave() error {
	if err := m.list.Leave(5 * time.Second); err != nil {
		return err
	}
	return m.list.Shutdown()
}

// Resolve returns a reachable sink address for clusterName, or false if
// no gossip member has advertised one.
func (m *Map) Resolve(clusterName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := m.byCluster[clusterName]
	if len(nodes) == 0 {
		return "", false
	}
	return nodes[0].Addr, true
}

// Clusters returns every cluster name currently known to gossip.
func (m *Map) Clusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.byCluster))
	for name := range m.byCluster {
		names = append(names, name)
	}
	return names
}

func (m *Map) addLocked(n ClusterNode) {
	for _, existing := range m.byCluster[n.ClusterName] {
		if existing.Addr == n.Addr {
			return
		}
	}
	m.byCluster[n.ClusterName] = append(m.byCluster[n.ClusterName], n)
}

func (m *Map) removeAddr(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for cluster, nodes := range m.byCluster {
		kept := make([]ClusterNode, 0, len(nodes))
		for _, n := range nodes {
			if n.Addr != addr {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(m.byCluster, cluster)
		} else {
			m.byCluster[cluster] = kept
		}
	}
}

// NodeMeta returns the metadata gossiped with this node: which cluster
// it belongs to and which port its fullsync sink listens on.
func (m *Map) NodeMeta(limit int) []byte {
	data, err := json.Marshal(map[string]any{
		"cluster":   m.clusterTag,
		"sink_port": m.sinkPort,
	})
	if err != nil {
		logger.Warnw("clustermap: failed to marshal node meta", "error", err.Error())
		return nil
	}
	return data
}

func (m *Map) NotifyMsg([]byte)                           {}
func (m *Map) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *Map) LocalState(join bool) []byte                { return nil }
func (m *Map) MergeRemoteState(buf []byte, join bool)      {}

// NotifyJoin registers a remote member's cluster+sink address.
func (m *Map) NotifyJoin(node *memberlist.Node) {
	cluster, sinkPort := decodeMeta(node.Meta)
	if cluster == "" {
		return
	}
	addr := net.JoinHostPort(node.Addr.String(), strconv.Itoa(sinkPort))

	m.mu.Lock()
	m.addLocked(ClusterNode{ClusterName: cluster, Addr: addr})
	m.mu.Unlock()

	logger.Infow("clustermap: node joined", "cluster", cluster, "addr", addr)
}

// NotifyLeave drops a remote member's sink address from every cluster it
// was registered under.
func (m *Map) NotifyLeave(node *memberlist.Node) {
	cluster, sinkPort := decodeMeta(node.Meta)
	addr := net.JoinHostPort(node.Addr.String(), strconv.Itoa(sinkPort))
	logger.Infow("clustermap: node left", "cluster", cluster, "addr", addr)
	m.removeAddr(addr)
}

// NotifyUpdate re-registers a member whose metadata changed.
func (m *Map) NotifyUpdate(node *memberlist.Node) {
	m.NotifyJoin(node)
}

func decodeMeta(meta []byte) (cluster string, sinkPort int) {
	if len(meta) == 0 {
		return "", 0
	}
	var m struct {
		Cluster  string `json:"cluster"`
		SinkPort int    `json:"sink_port"`
	}
	if err := json.Unmarshal(meta, &m); err != nil {
		logger.Warnw("clustermap: failed to decode node meta", "error", err.Error())
		return "", 0
	}
	return m.Cluster, m.SinkPort
}

func (m *Map) serverHost() string {
	if m.bindAddr != "" {
		if ip := net.ParseIP(m.bindAddr); ip != nil && !ip.IsUnspecified() {
			return net.JoinHostPort(m.bindAddr, strconv.Itoa(m.sinkPort))
		}
	}
	if m.list != nil && m.list.LocalNode() != nil {
		if adv := m.list.LocalNode().Addr.String(); adv != "" {
			return net.JoinHostPort(adv, strconv.Itoa(m.sinkPort))
		}
	}
	return net.JoinHostPort(m.bindAddr, strconv.Itoa(m.sinkPort))
}
