package hashtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTree_RejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(3)
	assert.Error(t, err)

	_, err = New(1024)
	assert.NoError(t, err)
}

func TestTree_PutUpdatesRootAndSegment(t *testing.T) {
	tree, err := New(4)
	assert.NoError(t, err)
	assert.Equal(t, "", tree.Root())

	tree.Put([]byte("b/k1"), "h1")
	root1 := tree.Root()
	assert.NotEmpty(t, root1)

	tree.Put([]byte("b/k2"), "h2")
	root2 := tree.Root()
	assert.NotEqual(t, root1, root2)

	seg := tree.SegmentFor([]byte("b/k1"))
	entries, err := tree.SegmentKeyHashes(seg)
	assert.NoError(t, err)
	found := false
	for _, e := range entries {
		if string(e.BKey) == "b/k1" {
			assert.Equal(t, "h1", e.Hash)
			found = true
		}
	}
	assert.True(t, found)
}

func TestTree_PutSameKeyReplacesHash(t *testing.T) {
	tree, _ := New(4)
	tree.Put([]byte("x"), "h1")
	root1 := tree.Root()

	tree.Put([]byte("x"), "h2")
	root2 := tree.Root()
	assert.NotEqual(t, root1, root2)

	seg := tree.SegmentFor([]byte("x"))
	entries, _ := tree.SegmentKeyHashes(seg)
	assert.Len(t, entries, 1)
	assert.Equal(t, "h2", entries[0].Hash)
}

func TestTree_DeleteByEmptyHash(t *testing.T) {
	tree, _ := New(4)
	tree.Put([]byte("x"), "h1")
	tree.Put([]byte("x"), "")

	seg := tree.SegmentFor([]byte("x"))
	entries, _ := tree.SegmentKeyHashes(seg)
	assert.Empty(t, entries)
}

func TestTree_BucketHashesMatchRootChildren(t *testing.T) {
	tree, _ := New(4)
	tree.Put([]byte("k1"), "h1")
	tree.Put([]byte("k2"), "h2")

	children, err := tree.BucketHashes(1, 0)
	assert.NoError(t, err)
	assert.Len(t, children, 2)

	// Leaf level should expose the same hashes as individual segments.
	leaf, err := tree.BucketHashes(tree.NumLevels(), 0)
	assert.NoError(t, err)
	assert.NotEmpty(t, leaf)
}

func TestTree_BucketHashesOutOfRange(t *testing.T) {
	tree, _ := New(4)
	_, err := tree.BucketHashes(0, 0)
	assert.Error(t, err)
	_, err = tree.BucketHashes(tree.NumLevels()+1, 0)
	assert.Error(t, err)
}

func TestTree_IdenticalTreesHaveEqualRoots(t *testing.T) {
	a, _ := New(8)
	b, _ := New(8)

	for _, kv := range []struct{ k, h string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		a.Put([]byte(kv.k), kv.h)
		b.Put([]byte(kv.k), kv.h)
	}

	assert.Equal(t, a.Root(), b.Root())
}
