package merklehelper

import (
	"context"
	"fmt"
	"os"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
)

// Helper is a one-shot worker per spec §4.2: each call to one of its
// four operations registers a fresh opaque reference, does the work on
// its own goroutine, and posts exactly one terminal event (diff also
// posts intermediate merkle_diff events) back to onEvent.
type Helper struct {
	locator    NodeAvailability
	source     KeyHashSource
	vclocks    VClockSource
	bufferSize int
	onEvent    EventFunc
}

// New builds a Helper. bufferSize is make_merkle's buffered-flush
// threshold in bytes (spec §6 "merkle_buffer_size").
func New(locator NodeAvailability, source KeyHashSource, vclocks VClockSource, bufferSize int, onEvent EventFunc) *Helper {
	return &Helper{
		locator:    locator,
		source:     source,
		vclocks:    vclocks,
		bufferSize: bufferSize,
		onEvent:    onEvent,
	}
}

// precheck implements spec §4.2's "every operation rejects a partition
// whose owner node is not currently reachable". Returns false and
// posts EventError when the operation must not proceed.
func (h *Helper) precheck(ctx context.Context, ref uuid.UUID, partition uint64) bool {
	available, err := h.locator.OwnerAvailable(ctx, partition)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("merklehelper: reachability check: %w", err)})
		return false
	}
	if !available {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: ErrNodeNotAvailable})
		return false
	}
	return true
}

// MakeMerkle builds an external Merkle btree at filename from
// partition's keys and posts EventMerkleBuilt on success.
func (h *Helper) MakeMerkle(ctx context.Context, partition uint64, filename string) uuid.UUID {
	ref := uuid.New()
	go h.runMakeMerkle(ctx, ref, partition, filename)
	return ref
}

// recordOverhead is the 4-byte length-prefix-equivalent hash overhead
// spec §4.2 charges against the buffered-flush threshold for each
// pending (bkey, hash) pair.
const recordOverhead = 4

func (h *Helper) runMakeMerkle(ctx context.Context, ref uuid.UUID, partition uint64, filename string) {
	if !h.precheck(ctx, ref, partition) {
		return
	}

	tree, err := OpenMerkleBTree(filename)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("merkle_failed: %w", err)})
		return
	}

	type pending struct {
		bkey []byte
		hash string
	}
	var buf []pending
	var bufBytes int

	flush := func() {
		for _, p := range buf {
			tree.Put(p.bkey, p.hash)
		}
		buf = buf[:0]
		bufBytes = 0
	}

	foldErr := h.source.Fold(ctx, partition, func(bkey []byte, hash string) error {
		buf = append(buf, pending{bkey: append([]byte(nil), bkey...), hash: hash})
		bufBytes += len(bkey) + recordOverhead
		if bufBytes >= h.bufferSize {
			flush()
		}
		return nil
	})
	if foldErr != nil {
		_ = tree.Close()
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("merkle_failed: %w", foldErr)})
		return
	}
	flush()

	if err := tree.Close(); err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("merkle_failed: %w", err)})
		return
	}

	logger.Infow("merklehelper: merkle built", "partition", partition, "file", filename)
	h.onEvent(Event{Ref: ref, Kind: EventMerkleBuilt})
}

// MakeKeylist builds a sorted keyhash file at filename from
// partition's keys and posts EventKeylistBuilt on success.
func (h *Helper) MakeKeylist(ctx context.Context, partition uint64, filename string) uuid.UUID {
	ref := uuid.New()
	go h.runMakeKeylist(ctx, ref, partition, filename)
	return ref
}

func (h *Helper) runMakeKeylist(ctx context.Context, ref uuid.UUID, partition uint64, filename string) {
	if !h.precheck(ctx, ref, partition) {
		return
	}

	w, err := CreateKeyHashWriter(filename)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("keylist_failed: %w", err)})
		return
	}

	var writeErr error
	foldErr := h.source.Fold(ctx, partition, func(bkey []byte, hash string) error {
		if err := w.Write(bkey, hash); err != nil {
			writeErr = err
			return err
		}
		return nil
	})
	if foldErr != nil || writeErr != nil {
		err := foldErr
		if err == nil {
			err = writeErr
		}
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("keylist_failed: %w", err)})
		return
	}

	if err := w.Close(); err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("keylist_failed: %w", err)})
		return
	}

	if err := SortKeyHashFile(filename); err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("keylist_failed: %w", err)})
		return
	}

	logger.Infow("merklehelper: keylist built", "partition", partition, "file", filename)
	h.onEvent(Event{Ref: ref, Kind: EventKeylistBuilt})
}

// MerkleToKeylist converts an external Merkle btree into a sorted
// keyhash file and posts EventConverted on success.
func (h *Helper) MerkleToKeylist(ctx context.Context, merkleFn, keylistFn string) uuid.UUID {
	ref := uuid.New()
	go h.runMerkleToKeylist(ctx, ref, merkleFn, keylistFn)
	return ref
}

func (h *Helper) runMerkleToKeylist(_ context.Context, ref uuid.UUID, merkleFn, keylistFn string) {
	tree, err := OpenMerkleBTree(merkleFn)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("convert_failed: %w", err)})
		return
	}

	w, err := CreateKeyHashWriter(keylistFn)
	if err != nil {
		_ = tree.Close()
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("convert_failed: %w", err)})
		return
	}

	var writeErr error
	tree.Ascend(func(bkey []byte, hash string) bool {
		if err := w.Write(bkey, hash); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	_ = tree.Close()

	if writeErr != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("convert_failed: %w", writeErr)})
		return
	}
	if err := w.Close(); err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("convert_failed: %w", err)})
		return
	}

	sorted, err := CheckSorted(keylistFn)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("unsorted: %w", err)})
		return
	}
	if !sorted {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: fmt.Errorf("unsorted: %s is not sorted after conversion", keylistFn)})
		return
	}

	logger.Infow("merklehelper: merkle converted to keylist", "merkle", merkleFn, "keylist", keylistFn)
	h.onEvent(Event{Ref: ref, Kind: EventConverted})
}

// Diff compares two sorted keyhash files and posts one
// EventMerkleDiffKey per divergent key, followed by EventDiffDone.
// The input files are removed once the diff finishes, regardless of
// outcome (spec §4.2).
func (h *Helper) Diff(ctx context.Context, partition uint64, remoteFn, ourFn string) uuid.UUID {
	ref := uuid.New()
	go h.runDiff(ctx, ref, partition, remoteFn, ourFn)
	return ref
}

func (h *Helper) runDiff(ctx context.Context, ref uuid.UUID, partition uint64, remoteFn, ourFn string) {
	defer os.Remove(remoteFn)
	defer os.Remove(ourFn)

	if !h.precheck(ctx, ref, partition) {
		return
	}

	h.diffFiles(ctx, ref, remoteFn, ourFn)
}
