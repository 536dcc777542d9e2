// Package reftree is a reference HashTreeService (spec §6) backed by
// pkg/hashtree, used only to drive the Exchange Engine in tests and
// the demo binary. It is explicitly not a specification of hash-tree
// construction (spec §1 Non-goals) — just the simplest correct thing
// that answers the engine's Handle/GetLock/Update/Compare/Watch calls.
package reftree

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/anthanhphan/go-aae-fullsync/internal/exchange"
	"github.com/anthanhphan/go-aae-fullsync/pkg/hashtree"
)

type treeHandle struct{ partition uint64 }

func (h treeHandle) Partition() uint64 { return h.partition }

type partitionState struct {
	mu          sync.Mutex
	tree        *hashtree.Tree
	locked      bool
	lockTag     string
	responsible bool
	downCh      chan struct{}
	downOnce    sync.Once
}

// Service is an in-memory exchange.HashTreeService: one segmented
// hashtree.Tree per partition, a simple exclusive lock standing in for
// the fullsync-source lock, and a responsibility flag Update reports.
type Service struct {
	mu          sync.Mutex
	numSegments int
	partitions  map[uint64]*partitionState
}

// New returns a Service whose trees all have numSegments leaf
// segments.
func New(numSegments int) *Service {
	return &Service{
		numSegments: numSegments,
		partitions:  make(map[uint64]*partitionState),
	}
}

func (s *Service) state(partition uint64) *partitionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.partitions[partition]
	if !ok {
		tree, err := hashtree.New(s.numSegments)
		if err != nil {
			// numSegments is validated once at construction time by
			// every caller of New; a bad value is a programmer error.
			panic(fmt.Sprintf("reftree: %v", err))
		}
		ps = &partitionState{tree: tree, responsible: true, downCh: make(chan struct{})}
		s.partitions[partition] = ps
	}
	return ps
}

// Put seeds (or updates) the local tree for partition with a key's
// content hash — the test/demo stand-in for whatever real storage
// engine backs a production hash tree.
func (s *Service) Put(partition uint64, bkey []byte, hash string) {
	s.state(partition).tree.Put(bkey, hash)
}

// SetResponsible controls what Update reports for partition's next
// TreeBuiltEvent, simulating ring ownership changes.
func (s *Service) SetResponsible(partition uint64, responsible bool) {
	ps := s.state(partition)
	ps.mu.Lock()
	ps.responsible = responsible
	ps.mu.Unlock()
}

// Kill simulates the local tree process dying: any Watch call in
// progress observes it and invokes its down callback.
func (s *Service) Kill(partition uint64) {
	ps := s.state(partition)
	ps.downOnce.Do(func() { close(ps.downCh) })
}

// Release drops partition's fullsync-source lock, if held.
func (s *Service) Release(partition uint64) {
	ps := s.state(partition)
	ps.mu.Lock()
	ps.locked = false
	ps.lockTag = ""
	ps.mu.Unlock()
}

func (s *Service) Handle(_ context.Context, partition uint64) (exchange.TreeHandle, error) {
	return treeHandle{partition: partition}, nil
}

func (s *Service) GetLock(_ context.Context, handle exchange.TreeHandle, tag string) error {
	ps := s.state(handle.Partition())
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.locked {
		return fmt.Errorf("reftree: partition %d already locked by %q", handle.Partition(), ps.lockTag)
	}
	ps.locked = true
	ps.lockTag = tag
	return nil
}

func (s *Service) Update(_ context.Context, handle exchange.TreeHandle, index exchange.IndexN, done func(exchange.TreeBuiltEvent)) {
	ps := s.state(handle.Partition())
	go func() {
		ps.mu.Lock()
		responsible := ps.responsible
		ps.mu.Unlock()
		done(exchange.TreeBuiltEvent{Partition: handle.Partition(), Index: index, Responsible: responsible})
	}()
}

func (s *Service) Watch(handle exchange.TreeHandle, stop <-chan struct{}, down func()) {
	ps := s.state(handle.Partition())
	select {
	case <-ps.downCh:
		down()
	case <-stop:
	}
}

// Compare walks the local tree's buckets top-down, asking the remote
// side for the matching bucket hashes through cb, descending only
// where hashes disagree, and diffing the two sorted key-hash lists of
// any leaf segment that disagrees.
func (s *Service) Compare(ctx context.Context, handle exchange.TreeHandle, index exchange.IndexN, cb exchange.RemoteCallback, fold exchange.AccumulatorFunc) (exchange.Accumulator, error) {
	ps := s.state(handle.Partition())

	if _, err := cb(ctx, exchange.CallbackInit, nil, nil); err != nil {
		return exchange.Accumulator{}, err
	}

	acc := exchange.AccumulatorEmpty

	type bucketJob struct{ level, bucket int }
	queue := []bucketJob{{level: 1, bucket: 0}}
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]

		localHashes, err := ps.tree.BucketHashes(job.level, job.bucket)
		if err != nil {
			return acc, fmt.Errorf("reftree: local bucket hashes: %w", err)
		}
		remoteRaw, err := cb(ctx, exchange.CallbackBucket, &exchange.BucketQuery{Level: job.level, Bucket: job.bucket, Index: index}, nil)
		if err != nil {
			return acc, err
		}
		remoteHashes, _ := remoteRaw.([]string)

		for i, localHash := range localHashes {
			var remoteHash string
			if i < len(remoteHashes) {
				remoteHash = remoteHashes[i]
			}
			if localHash == remoteHash {
				continue
			}

			childBucket := job.bucket*2 + i
			if job.level == ps.tree.NumLevels() {
				diffs, err := s.diffSegment(ctx, ps.tree, childBucket, index, cb)
				if err != nil {
					return acc, err
				}
				if len(diffs) > 0 {
					acc = fold(acc, diffs)
				}
				continue
			}
			queue = append(queue, bucketJob{level: job.level + 1, bucket: childBucket})
		}
	}

	if _, err := cb(ctx, exchange.CallbackFinal, nil, nil); err != nil {
		return acc, err
	}
	return acc, nil
}

func (s *Service) diffSegment(ctx context.Context, tree *hashtree.Tree, segment int, index exchange.IndexN, cb exchange.RemoteCallback) ([]exchange.KeyDiff, error) {
	localEntries, err := tree.SegmentKeyHashes(segment)
	if err != nil {
		return nil, fmt.Errorf("reftree: local segment key hashes: %w", err)
	}

	remoteRaw, err := cb(ctx, exchange.CallbackSegment, nil, &exchange.SegmentQuery{Segment: segment, Index: index})
	if err != nil {
		return nil, err
	}
	remotePairs, _ := remoteRaw.([]exchange.KeyHashPair)

	var diffs []exchange.KeyDiff
	i, j := 0, 0
	for i < len(localEntries) || j < len(remotePairs) {
		switch {
		case j >= len(remotePairs):
			diffs = append(diffs, exchange.KeyDiff{Kind: exchange.DiffMissing, BKey: exchange.BKey(localEntries[i].BKey)})
			i++
		case i >= len(localEntries):
			diffs = append(diffs, exchange.KeyDiff{Kind: exchange.DiffRemoteMissing, BKey: exchange.BKey(remotePairs[j].BKey)})
			j++
		case bytes.Equal(localEntries[i].BKey, remotePairs[j].BKey):
			if localEntries[i].Hash != remotePairs[j].Hash {
				diffs = append(diffs, exchange.KeyDiff{Kind: exchange.DiffDifferent, BKey: exchange.BKey(localEntries[i].BKey)})
			}
			i++
			j++
		case bytes.Compare(localEntries[i].BKey, remotePairs[j].BKey) < 0:
			diffs = append(diffs, exchange.KeyDiff{Kind: exchange.DiffMissing, BKey: exchange.BKey(localEntries[i].BKey)})
			i++
		default:
			diffs = append(diffs, exchange.KeyDiff{Kind: exchange.DiffRemoteMissing, BKey: exchange.BKey(remotePairs[j].BKey)})
			j++
		}
	}
	return diffs, nil
}
