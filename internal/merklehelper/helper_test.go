package merklehelper

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocator struct {
	available bool
}

func (f *fakeLocator) OwnerAvailable(_ context.Context, _ uint64) (bool, error) {
	return f.available, nil
}

type fakeKeyHashSource struct {
	pairs []KeyHashRecord
}

func (f *fakeKeyHashSource) Fold(_ context.Context, _ uint64, emit func(bkey []byte, hash string) error) error {
	for _, p := range f.pairs {
		if err := emit(p.BKey, p.Hash); err != nil {
			return err
		}
	}
	return nil
}

type fakeVClockSource struct {
	clocks map[string]VClock
}

func (f *fakeVClockSource) VClockFor(_ context.Context, bkey []byte) (VClock, error) {
	return f.clocks[string(bkey)], nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) onEvent(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) waitFor(t *testing.T, kind EventKind) Event {
	deadline := time.After(3 * time.Second)
	for {
		c.mu.Lock()
		for _, e := range c.events {
			if e.Kind == kind {
				c.mu.Unlock()
				return e
			}
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %s", kind)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestHelper_MakeMerkle_ThenMerkleToKeylist_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	merkleFn := filepath.Join(dir, "partition.merkle")
	keylistFn := filepath.Join(dir, "partition.keylist")

	source := &fakeKeyHashSource{pairs: []KeyHashRecord{
		{BKey: []byte("b/k3"), Hash: "h3"},
		{BKey: []byte("b/k1"), Hash: "h1"},
		{BKey: []byte("b/k2"), Hash: "h2"},
	}}
	collector := &eventCollector{}
	h := New(&fakeLocator{available: true}, source, &fakeVClockSource{}, 1<<20, collector.onEvent)

	ref := h.MakeMerkle(context.Background(), 7, merkleFn)
	require.NotEqual(t, uuid.Nil, ref)
	built := collector.waitFor(t, EventMerkleBuilt)
	assert.Equal(t, ref, built.Ref)

	collector2 := &eventCollector{}
	h2 := New(&fakeLocator{available: true}, source, &fakeVClockSource{}, 1<<20, collector2.onEvent)
	h2.MerkleToKeylist(context.Background(), merkleFn, keylistFn)
	collector2.waitFor(t, EventConverted)

	sorted, err := CheckSorted(keylistFn)
	require.NoError(t, err)
	assert.True(t, sorted)

	records, err := readAllRecords(keylistFn)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "b/k1", string(records[0].BKey))
	assert.Equal(t, "b/k2", string(records[1].BKey))
	assert.Equal(t, "b/k3", string(records[2].BKey))
}

func TestHelper_MakeKeylist_ProducesSortedFile(t *testing.T) {
	dir := t.TempDir()
	keylistFn := filepath.Join(dir, "partition.keylist")

	source := &fakeKeyHashSource{pairs: []KeyHashRecord{
		{BKey: []byte("z"), Hash: "hz"},
		{BKey: []byte("a"), Hash: "ha"},
		{BKey: []byte("m"), Hash: "hm"},
	}}
	collector := &eventCollector{}
	h := New(&fakeLocator{available: true}, source, &fakeVClockSource{}, 64, collector.onEvent)

	h.MakeKeylist(context.Background(), 1, keylistFn)
	collector.waitFor(t, EventKeylistBuilt)

	sorted, err := CheckSorted(keylistFn)
	require.NoError(t, err)
	assert.True(t, sorted)
}

func TestHelper_UnavailableOwner_RejectsMakeMerkle(t *testing.T) {
	dir := t.TempDir()
	collector := &eventCollector{}
	h := New(&fakeLocator{available: false}, &fakeKeyHashSource{}, &fakeVClockSource{}, 64, collector.onEvent)

	h.MakeMerkle(context.Background(), 1, filepath.Join(dir, "m"))
	errEvt := collector.waitFor(t, EventError)
	assert.ErrorIs(t, errEvt.Err, ErrNodeNotAvailable)
}

func TestHelper_Diff_MergeWalkMatchesSpecTable(t *testing.T) {
	dir := t.TempDir()
	remoteFn := filepath.Join(dir, "remote.keylist")
	ourFn := filepath.Join(dir, "our.keylist")

	// remote: a, b(h2), c, e
	// local:  a, b(h1), d
	// expected diffs: b (hash mismatch), c (remote-only, fresh vclock),
	// e (remote-only, fresh vclock); d is local-only and skipped.
	writeFixture(t, remoteFn, []KeyHashRecord{
		{BKey: []byte("a"), Hash: "ha"},
		{BKey: []byte("b"), Hash: "h2"},
		{BKey: []byte("c"), Hash: "hc"},
		{BKey: []byte("e"), Hash: "he"},
	})
	writeFixture(t, ourFn, []KeyHashRecord{
		{BKey: []byte("a"), Hash: "ha"},
		{BKey: []byte("b"), Hash: "h1"},
		{BKey: []byte("d"), Hash: "hd"},
	})

	vclocks := &fakeVClockSource{clocks: map[string]VClock{"b": VClock("vclock-b")}}
	collector := &eventCollector{}
	h := New(&fakeLocator{available: true}, &fakeKeyHashSource{}, vclocks, 64, collector.onEvent)

	h.Diff(context.Background(), 3, remoteFn, ourFn)
	done := collector.waitFor(t, EventDiffDone)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 1, done.Summary.DifferingCount)
	assert.Equal(t, 2, done.Summary.MissingCount)

	var diffed []string
	for _, e := range collector.snapshot() {
		if e.Kind == EventMerkleDiffKey {
			diffed = append(diffed, string(e.BKey))
		}
	}
	sort.Strings(diffed)
	assert.Equal(t, []string{"b", "c", "e"}, diffed)
}

func writeFixture(t *testing.T, path string, records []KeyHashRecord) {
	w, err := CreateKeyHashWriter(path)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Write(r.BKey, r.Hash))
	}
	require.NoError(t, w.Close())
}
