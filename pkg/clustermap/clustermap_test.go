package clustermap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeMeta(t *testing.T) {
	meta := map[string]any{
		"cluster":   "dc-east",
		"sink_port": 9131,
	}
	data, _ := json.Marshal(meta)

	cluster, sinkPort := decodeMeta(data)

	assert.Equal(t, "dc-east", cluster)
	assert.Equal(t, 9131, sinkPort)
}

func TestDecodeMeta_Empty(t *testing.T) {
	cluster, sinkPort := decodeMeta(nil)
	assert.Equal(t, "", cluster)
	assert.Equal(t, 0, sinkPort)
}

func TestMap_NodeMeta(t *testing.T) {
	m := &Map{clusterTag: "dc-west", sinkPort: 9132}

	data := m.NodeMeta(0)
	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "dc-west", decoded["cluster"])
	assert.Equal(t, float64(9132), decoded["sink_port"])
}

func TestMap_AddAndResolve(t *testing.T) {
	m := &Map{byCluster: make(map[string][]ClusterNode)}

	m.addLocked(ClusterNode{ClusterName: "dc-east", Addr: "10.0.0.1:9131"})
	m.addLocked(ClusterNode{ClusterName: "dc-east", Addr: "10.0.0.1:9131"}) // duplicate, no-op

	addr, ok := m.Resolve("dc-east")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:9131", addr)
	assert.Len(t, m.byCluster["dc-east"], 1)

	_, ok = m.Resolve("dc-north")
	assert.False(t, ok)
}

func TestMap_RemoveAddr(t *testing.T) {
	m := &Map{byCluster: make(map[string][]ClusterNode)}
	m.addLocked(ClusterNode{ClusterName: "dc-east", Addr: "10.0.0.1:9131"})
	m.addLocked(ClusterNode{ClusterName: "dc-east", Addr: "10.0.0.2:9131"})

	m.removeAddr("10.0.0.1:9131")

	addr, ok := m.Resolve("dc-east")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2:9131", addr)

	m.removeAddr("10.0.0.2:9131")
	_, ok = m.Resolve("dc-east")
	assert.False(t, ok)
}

func TestMap_Clusters(t *testing.T) {
	m := &Map{byCluster: make(map[string][]ClusterNode)}
	m.addLocked(ClusterNode{ClusterName: "dc-east", Addr: "10.0.0.1:9131"})
	m.addLocked(ClusterNode{ClusterName: "dc-west", Addr: "10.0.0.2:9131"})

	assert.ElementsMatch(t, []string{"dc-east", "dc-west"}, m.Clusters())
}
