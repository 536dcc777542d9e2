package reftree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthanhphan/go-aae-fullsync/internal/exchange"
	"github.com/anthanhphan/go-aae-fullsync/pkg/hashtree"
)

// remoteCallback answers bucket/segment queries directly against an
// in-memory remote tree, standing in for the wire round-trip the real
// engine drives through a socket.
func remoteCallback(remote *hashtree.Tree) exchange.RemoteCallback {
	return func(_ context.Context, kind exchange.CallbackKind, bucket *exchange.BucketQuery, segment *exchange.SegmentQuery) (any, error) {
		switch kind {
		case exchange.CallbackInit, exchange.CallbackFinal:
			return nil, nil
		case exchange.CallbackBucket:
			return remote.BucketHashes(bucket.Level, bucket.Bucket)
		case exchange.CallbackSegment:
			entries, err := remote.SegmentKeyHashes(segment.Segment)
			if err != nil {
				return nil, err
			}
			pairs := make([]exchange.KeyHashPair, len(entries))
			for i, e := range entries {
				pairs[i] = exchange.KeyHashPair{BKey: exchange.BKey(e.BKey), Hash: e.Hash}
			}
			return pairs, nil
		default:
			return nil, nil
		}
	}
}

func collectingFold() (exchange.AccumulatorFunc, *[]exchange.KeyDiff) {
	var all []exchange.KeyDiff
	return func(acc exchange.Accumulator, diffs []exchange.KeyDiff) exchange.Accumulator {
		all = append(all, diffs...)
		return acc
	}, &all
}

func TestService_Compare_IdenticalTreesYieldNoDiffs(t *testing.T) {
	s := New(4)
	remote, err := hashtree.New(4)
	require.NoError(t, err)

	for _, kv := range [][2]string{{"a", "h1"}, {"b", "h2"}, {"c", "h3"}} {
		s.Put(1, []byte(kv[0]), kv[1])
		remote.Put([]byte(kv[0]), kv[1])
	}

	handle, err := s.Handle(context.Background(), 1)
	require.NoError(t, err)

	fold, diffs := collectingFold()
	_, err = s.Compare(context.Background(), handle, exchange.IndexN{Index: 0, N: 1}, remoteCallback(remote), fold)
	require.NoError(t, err)
	assert.Empty(t, *diffs)
}

func TestService_Compare_SurfacesMissingChangedAndRemoteOnlyKeys(t *testing.T) {
	s := New(4)
	remote, err := hashtree.New(4)
	require.NoError(t, err)

	s.Put(1, []byte("missing-locally-absent-remote"), "h1") // present only locally

	s.Put(1, []byte("shared-changed"), "local-hash")
	remote.Put([]byte("shared-changed"), "remote-hash")

	remote.Put([]byte("remote-only"), "hr") // present only remotely

	handle, err := s.Handle(context.Background(), 1)
	require.NoError(t, err)

	fold, diffs := collectingFold()
	_, err = s.Compare(context.Background(), handle, exchange.IndexN{Index: 0, N: 1}, remoteCallback(remote), fold)
	require.NoError(t, err)

	var kinds []exchange.DiffKind
	for _, d := range *diffs {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, exchange.DiffMissing)
	assert.Contains(t, kinds, exchange.DiffDifferent)
	assert.Contains(t, kinds, exchange.DiffRemoteMissing)
}

func TestService_GetLock_RejectsSecondHolder(t *testing.T) {
	s := New(4)
	handle, err := s.Handle(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, s.GetLock(context.Background(), handle, "fullsync-1"))
	assert.Error(t, s.GetLock(context.Background(), handle, "fullsync-2"))

	s.Release(1)
	assert.NoError(t, s.GetLock(context.Background(), handle, "fullsync-3"))
}

func TestService_Update_ReportsResponsibility(t *testing.T) {
	s := New(4)
	handle, err := s.Handle(context.Background(), 1)
	require.NoError(t, err)

	s.SetResponsible(1, false)

	done := make(chan exchange.TreeBuiltEvent, 1)
	s.Update(context.Background(), handle, exchange.IndexN{Index: 0, N: 1}, func(ev exchange.TreeBuiltEvent) {
		done <- ev
	})

	ev := <-done
	assert.False(t, ev.Responsible)
	assert.EqualValues(t, 1, ev.Partition)
}

func TestService_Watch_FiresDownOnKill(t *testing.T) {
	s := New(4)
	handle, err := s.Handle(context.Background(), 7)
	require.NoError(t, err)

	stop := make(chan struct{})
	fired := make(chan struct{})
	go s.Watch(handle, stop, func() { close(fired) })

	s.Kill(7)
	<-fired
}

func TestService_Watch_StopSuppressesDown(t *testing.T) {
	s := New(4)
	handle, err := s.Handle(context.Background(), 9)
	require.NoError(t, err)

	stop := make(chan struct{})
	returned := make(chan struct{})
	called := false
	go func() {
		s.Watch(handle, stop, func() { called = true })
		close(returned)
	}()

	close(stop)
	<-returned
	assert.False(t, called)
}
