package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_AddEdge_CreatesAbsentEndpoints(t *testing.T) {
	g := NewGraph()
	g.AddEdge("A", "B")
	assert.ElementsMatch(t, []string{"A", "B"}, g.Clusters())
	assert.Equal(t, []string{"B"}, g.OutNeighbors("A"))
}

func TestGraph_DropVertex_RemovesIncidentEdges(t *testing.T) {
	g := NewGraph()
	g.AddEdge("A", "B")
	g.AddEdge("B", "C")
	g.DropVertex("B")

	assert.ElementsMatch(t, []string{"A", "C"}, g.Clusters())
	assert.Empty(t, g.OutNeighbors("A"))
	assert.Empty(t, g.InNeighbors("C"))
}

func TestGraph_DropAllOutEdges(t *testing.T) {
	g := NewGraph()
	g.AddEdge("A", "B")
	g.AddEdge("A", "C")
	g.AddEdge("B", "C")

	g.DropAllOutEdges("A")
	assert.Empty(t, g.OutNeighbors("A"))
	assert.NotContains(t, g.InNeighbors("C"), "A")
	assert.Equal(t, []string{"C"}, g.OutNeighbors("B"))
}

func TestGraph_Cascades_OrderedBySourceThenSink(t *testing.T) {
	g := NewGraph()
	g.AddEdge("B", "Z")
	g.AddEdge("B", "A")
	g.AddEdge("A", "C")

	entries := g.Cascades()
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].Source)
	assert.Equal(t, []string{"C"}, entries[0].Sinks)
	assert.Equal(t, "B", entries[1].Source)
	assert.Equal(t, []string{"A", "Z"}, entries[1].Sinks)
}

func TestGraph_ShortestPath_LinearChain(t *testing.T) {
	g := NewGraph()
	g.AddEdge("A", "B")
	g.AddEdge("B", "C")

	path, ok := g.ShortestPath("A", "C")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, path)
}

func TestGraph_ShortestPath_Unreachable(t *testing.T) {
	g := NewGraph()
	g.AddVertex("A")
	g.AddVertex("B")

	_, ok := g.ShortestPath("A", "B")
	assert.False(t, ok)
}

func TestChooseNexts_SameAsCurrent_ReturnsAllOutNeighbours(t *testing.T) {
	g := NewGraph()
	g.AddEdge("A", "B")
	g.AddEdge("A", "C")

	assert.Equal(t, []string{"B", "C"}, g.ChooseNexts("A", "A"))
}

func TestChooseNexts_LinearChain_KeepsSoleSuccessor(t *testing.T) {
	g := NewGraph()
	g.AddEdge("A", "B")
	g.AddEdge("B", "C")

	assert.Equal(t, []string{"C"}, g.ChooseNexts("A", "B"))

	path, ok := g.ShortestPath("A", "C")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, path)
}

func TestChooseNexts_OriginHasDirectEdge_RejectsCandidate(t *testing.T) {
	// {(A,B),(A,C),(B,C)}: A is a direct in-neighbour of C, so the
	// origin wins and choose_nexts(A, B) = ∅ (spec §8).
	g := NewGraph()
	g.AddEdge("A", "B")
	g.AddEdge("A", "C")
	g.AddEdge("B", "C")

	assert.Empty(t, g.ChooseNexts("A", "B"))
}
