// Package hashtree implements a leveled, segment-addressed Merkle hash
// tree: the same flattened-array technique as a classic heap-based Merkle
// tree, generalized so that comparisons can happen at two granularities —
// a bucket hash at an arbitrary level (GET_AAE_BUCKET) and the raw
// key-hash list of a leaf segment (GET_AAE_SEGMENT).
//
// It does not specify how a production hash tree persists or builds its
// segments; that is explicitly out of scope. It exists so the rest of
// this module has a concrete, in-memory HashTreeService to exchange
// against in tests and the demo binary.
package hashtree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

// KeyHash pairs a packed bkey with the hash of its current value.
type KeyHash struct {
	BKey []byte
	Hash string
}

// Tree is a fixed-size, leveled Merkle tree over NumSegments leaf
// segments. Internal levels double in fan-out from the root down to the
// segment level, same flattened-array layout as a classic binary heap.
type Tree struct {
	mu sync.RWMutex

	numSegments int
	numLevels   int // number of internal levels, root = level 0
	levels      [][]string
	segments    [][]KeyHash
}

// New builds an empty tree with numSegments leaves. numSegments must be a
// power of two.
func New(numSegments int) (*Tree, error) {
	if numSegments < 2 || (numSegments&(numSegments-1)) != 0 {
		return nil, fmt.Errorf("hashtree: numSegments must be a power of 2 and >= 2, got %d", numSegments)
	}

	numLevels := 0
	for n := numSegments; n > 1; n >>= 1 {
		numLevels++
	}

	levels := make([][]string, numLevels+1)
	width := 1
	for lvl := 0; lvl <= numLevels; lvl++ {
		levels[lvl] = make([]string, width)
		width *= 2
	}

	return &Tree{
		numSegments: numSegments,
		numLevels:   numLevels,
		levels:      levels,
		segments:    make([][]KeyHash, numSegments),
	}, nil
}

// NumSegments returns the leaf fan-out.
func (t *Tree) NumSegments() int {
	return t.numSegments
}

// SegmentFor maps a packed bkey to its owning segment index via murmur3,
// mirroring the ring hashing the teacher used for chunk placement.
func (t *Tree) SegmentFor(bkey []byte) int {
	return int(murmur3.Sum32(bkey)) % t.numSegments
}

// Put inserts or replaces the hash for bkey and recomputes every ancestor
// hash up to the root. A zero-length hash removes the key.
func (t *Tree) Put(bkey []byte, hash string) {
	seg := t.SegmentFor(bkey)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.putLocked(seg, bkey, hash)
	t.recomputeLocked(seg)
}

func (t *Tree) putLocked(seg int, bkey []byte, hash string) {
	entries := t.segments[seg]
	idx := sort.Search(len(entries), func(i int) bool {
		return string(entries[i].BKey) >= string(bkey)
	})

	if hash == "" {
		if idx < len(entries) && string(entries[idx].BKey) == string(bkey) {
			t.segments[seg] = append(entries[:idx], entries[idx+1:]...)
		}
		return
	}

	if idx < len(entries) && string(entries[idx].BKey) == string(bkey) {
		entries[idx].Hash = hash
		return
	}

	entries = append(entries, KeyHash{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = KeyHash{BKey: append([]byte(nil), bkey...), Hash: hash}
	t.segments[seg] = entries
}

// recomputeLocked rehashes the leaf level entry for seg and propagates the
// change up through every internal level to the root.
func (t *Tree) recomputeLocked(seg int) {
	leafLevel := t.numLevels
	t.levels[leafLevel][seg] = hashSegment(t.segments[seg])

	idx := seg
	for lvl := leafLevel; lvl > 0; lvl-- {
		parentIdx := idx / 2
		left := t.levels[lvl][parentIdx*2]
		var right string
		if parentIdx*2+1 < len(t.levels[lvl]) {
			right = t.levels[lvl][parentIdx*2+1]
		}
		t.levels[lvl-1][parentIdx] = hashPair(left, right)
		idx = parentIdx
	}
}

// Root returns the current root hash.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.levels[0][0]
}

// BucketHashes returns the hashes of every bucket at level under the
// given parent bucket, i.e. the children of (level-1, parentBucket).
// level 1 returns the root's two children, and so on down to numLevels
// which returns individual segment hashes.
func (t *Tree) BucketHashes(level, parentBucket int) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if level < 1 || level > t.numLevels {
		return nil, fmt.Errorf("hashtree: level %d out of range [1,%d]", level, t.numLevels)
	}

	row := t.levels[level]
	first := parentBucket * 2
	if first < 0 || first >= len(row) {
		return nil, fmt.Errorf("hashtree: bucket %d out of range at level %d", parentBucket, level)
	}

	out := []string{row[first]}
	if first+1 < len(row) {
		out = append(out, row[first+1])
	}
	return out, nil
}

// SegmentKeyHashes returns a copy of the sorted key-hash list for one
// leaf segment.
func (t *Tree) SegmentKeyHashes(segment int) ([]KeyHash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if segment < 0 || segment >= t.numSegments {
		return nil, fmt.Errorf("hashtree: segment %d out of range", segment)
	}

	entries := t.segments[segment]
	out := make([]KeyHash, len(entries))
	copy(out, entries)
	return out, nil
}

// NumLevels returns the number of internal levels above the segment row
// (the root is level 0, segments are level NumLevels).
func (t *Tree) NumLevels() int {
	return t.numLevels
}

func hashSegment(entries []KeyHash) string {
	if len(entries) == 0 {
		return ""
	}
	h := sha256.New()
	for _, e := range entries {
		h.Write(e.BKey)
		h.Write([]byte(e.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashPair(left, right string) string {
	if left == "" && right == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}
