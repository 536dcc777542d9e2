package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthanhphan/go-aae-fullsync/internal/cascade"
	"github.com/anthanhphan/go-aae-fullsync/internal/reftree"
	"github.com/anthanhphan/go-aae-fullsync/internal/refvnode"
)

type fakeResolver struct {
	addrs map[string]string
}

func (f *fakeResolver) Resolve(cluster string) (string, bool) {
	a, ok := f.addrs[cluster]
	return a, ok
}

// fakeSink accepts a connection and immediately closes it, just enough
// for the Engine's dial to succeed and the run loop to then fail on
// the INIT round-trip, which still drives OnComplete.
func fakeSink(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestCoordinator_RunReconciliation_LaunchesOnePerPartitionAndNextHop(t *testing.T) {
	addr := fakeSink(t)

	cs := cascade.NewService()
	require.NoError(t, cs.Start([]cascade.Edge{{Source: "origin", Sink: "local"}, {Source: "local", Sink: "remote-a"}}))

	c := New(Options{
		LocalCluster: "local",
		Started:      "origin",
		Partitions:   []uint64{1, 2},
		PreflistSize: 1,
		Workers:      4,
		QueueSize:    8,
		WireVersion:  "w1",
		DialTimeout:  time.Second,
		Cascade:      cs,
		Clustermap:   &fakeResolver{addrs: map[string]string{"remote-a": addr}},
		TreeSvc:      reftree.New(4),
		VnodeSvc:     refvnode.New(),
		ObjHelper:    &refvnode.Helper{},
	})
	defer c.pool.Close()

	c.runReconciliation(context.Background())

	require.Eventually(t, func() bool {
		return len(c.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond, "expected both partition syncs to finish")
}

func TestCoordinator_RunPartitionSync_UnresolvableClusterIsNoop(t *testing.T) {
	cs := cascade.NewService()
	require.NoError(t, cs.Start(nil))

	c := New(Options{
		LocalCluster: "local",
		Started:      "local",
		PreflistSize: 1,
		Workers:      1,
		QueueSize:    1,
		Cascade:      cs,
		Clustermap:   &fakeResolver{addrs: map[string]string{}},
		TreeSvc:      reftree.New(4),
		VnodeSvc:     refvnode.New(),
		ObjHelper:    &refvnode.Helper{},
	})
	defer c.pool.Close()

	c.runPartitionSync(context.Background(), 1, "nowhere")
	assert.Empty(t, c.Active())
}

func TestCoordinator_StartStop_StopsTheLoop(t *testing.T) {
	cs := cascade.NewService()
	require.NoError(t, cs.Start(nil))

	c := New(Options{
		LocalCluster: "local",
		Started:      "local",
		Interval:     10 * time.Millisecond,
		Workers:      1,
		QueueSize:    1,
		Cascade:      cs,
		Clustermap:   &fakeResolver{addrs: map[string]string{}},
		TreeSvc:      reftree.New(4),
		VnodeSvc:     refvnode.New(),
		ObjHelper:    &refvnode.Helper{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Stop()
}
