package merklehelper

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/btree"
)

const btreeDegree = 32

// bkeyHashItem is one btree.Item: a packed bkey ordered by byte value,
// carrying its content hash.
type bkeyHashItem struct {
	bkey []byte
	hash string
}

func (i bkeyHashItem) Less(than btree.Item) bool {
	return bytes.Compare(i.bkey, than.(bkeyHashItem).bkey) < 0
}

// MerkleBTree is the "external key-ordered map from packed bkey to
// hash" of spec §3, backed by google/btree. A file at path holds the
// last published snapshot; OpenMerkleBTree loads it (if present) and
// takes an flock for the lifetime of the in-memory tree, mirroring
// KeyHashWriter's build-lock discipline.
type MerkleBTree struct {
	path string
	lock *flock.Flock
	tree *btree.BTree
}

// OpenMerkleBTree opens (or creates) the Merkle btree at path.
func OpenMerkleBTree(path string) (*MerkleBTree, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("merklehelper: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("merklehelper: %s is already open", path)
	}

	m := &MerkleBTree{path: path, lock: lock, tree: btree.New(btreeDegree)}

	if _, err := os.Stat(path); err == nil {
		if err := m.load(); err != nil {
			lock.Unlock()
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		lock.Unlock()
		return nil, fmt.Errorf("merklehelper: stat %s: %w", path, err)
	}

	return m, nil
}

func (m *MerkleBTree) load() error {
	r, err := OpenKeyHashReader(m.path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("merklehelper: load snapshot %s: %w", m.path, err)
		}
		m.tree.ReplaceOrInsert(bkeyHashItem{bkey: rec.BKey, hash: rec.Hash})
	}
}

// Put inserts or replaces the hash for bkey.
func (m *MerkleBTree) Put(bkey []byte, hash string) {
	m.tree.ReplaceOrInsert(bkeyHashItem{bkey: append([]byte(nil), bkey...), hash: hash})
}

// Len returns the number of keys currently held.
func (m *MerkleBTree) Len() int {
	return m.tree.Len()
}

// Ascend walks every (bkey, hash) pair in key order, stopping early if
// fn returns false.
func (m *MerkleBTree) Ascend(fn func(bkey []byte, hash string) bool) {
	m.tree.Ascend(func(it btree.Item) bool {
		e := it.(bkeyHashItem)
		return fn(e.bkey, e.hash)
	})
}

// Close persists the current contents to path atomically and releases
// the build lock. merkle_to_keylist's Ascend happens before Close, so
// callers that only read should still Close when done to free the
// lock.
func (m *MerkleBTree) Close() error {
	defer m.lock.Unlock()

	w, err := newKeyHashWriterNoLock(m.path)
	if err != nil {
		return err
	}

	var writeErr error
	m.tree.Ascend(func(it btree.Item) bool {
		e := it.(bkeyHashItem)
		if err := w.Write(e.bkey, e.hash); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	return w.Close()
}
