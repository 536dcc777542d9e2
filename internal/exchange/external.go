package exchange

import "context"

// IndexN is a preflist tag selecting a hash subspace within a
// partition: the pair (index, n) from spec §3.
type IndexN struct {
	Index uint64
	N     int
}

func (n IndexN) String() string {
	return itoa(n.Index) + "/" + itoa(uint64(n.N))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// BKey is an encoded bucket/key pair identifying a replicated object.
type BKey []byte

// DiffKind discriminates the three KeyDiff shapes from spec §3.
type DiffKind int

const (
	// DiffMissing: the remote lacks a key the local side has.
	DiffMissing DiffKind = iota
	// DiffRemoteMissing: the remote has a key the local side lacks.
	DiffRemoteMissing
	// DiffDifferent: both sides have the key but the hashes disagree.
	DiffDifferent
)

// KeyDiff is one row of divergence surfaced by a tree comparison.
type KeyDiff struct {
	Kind DiffKind
	BKey BKey
}

// BucketQuery is the decoded payload of a GET_AAE_BUCKET request:
// compare the children of (level-1, bucket) for the given IndexN.
type BucketQuery struct {
	Level  int
	Bucket int
	Index  IndexN
}

// SegmentQuery is the decoded payload of a GET_AAE_SEGMENT request.
type SegmentQuery struct {
	Segment int
	Index   IndexN
}

// TreeHandle is an opaque identifier for the local hash tree managing
// one partition. The engine observes only its liveness.
type TreeHandle interface {
	// Partition returns the partition this handle governs.
	Partition() uint64
}

// CallbackKind says why HashTreeService.Compare is invoking its
// RemoteCallback: once per remote query it needs answered, and once more
// for each of the init/final bracketing signals described in spec §4.1
// "Socket ownership handoff".
//
// CallbackInit and CallbackFinal carry no query payload; Bucket/Segment
// are populated only for the matching CallbackKind.
type CallbackKind int

const (
	CallbackInit CallbackKind = iota
	CallbackBucket
	CallbackSegment
	CallbackFinal
)

// RemoteCallback is handed to HashTreeService.Compare by the engine; the
// tree-comparison algorithm calls it to ask the remote sink bucket and
// segment questions over the socket it has just been handed ownership
// of. The returned value's concrete type depends on kind:
// CallbackBucket yields []string (bucket hashes, outermost-first);
// CallbackSegment yields []exchange.KeyHashPair (the segment's sorted
// key/hash list); CallbackInit and CallbackFinal always return nil.
type RemoteCallback func(ctx context.Context, kind CallbackKind, bucket *BucketQuery, segment *SegmentQuery) (any, error)

// AccumulatorFunc folds a batch of KeyDiffs into the comparison
// accumulator. See Accumulator for the concrete sum type used by this
// implementation (spec §9 calls out the original's untyped `[]`/`[N]`
// shape as a sum-type opportunity).
type AccumulatorFunc func(acc Accumulator, diffs []KeyDiff) Accumulator

// HashTreeService is the external collaborator that owns hash-tree
// construction, locking, and segmented comparison. Its algorithm is
// explicitly out of scope (spec §1 Non-goals); internal/reftree
// provides a reference implementation for tests only.
type HashTreeService interface {
	// Handle returns the tree handle for partition, or an error if no
	// tree is running for it.
	Handle(ctx context.Context, partition uint64) (TreeHandle, error)

	// GetLock acquires the fullsync-source lock identified by tag on
	// the given tree handle.
	GetLock(ctx context.Context, handle TreeHandle, tag string) error

	// Update asks the tree to bring itself up to date for index. It
	// may run asynchronously; completion is delivered as a TreeBuilt
	// or NotResponsible event on done.
	Update(ctx context.Context, handle TreeHandle, index IndexN, done func(TreeBuiltEvent))

	// Compare drives a segmented comparison of index against the
	// remote side reachable through cb, folding KeyDiff batches with
	// fold, and returns the final accumulator.
	Compare(ctx context.Context, handle TreeHandle, index IndexN, cb RemoteCallback, fold AccumulatorFunc) (Accumulator, error)

	// Watch delivers a TreeDown event if handle's underlying process
	// exits while stop has not yet been closed.
	Watch(handle TreeHandle, stop <-chan struct{}, down func())
}

// TreeBuiltEvent is the asynchronous completion delivered by
// HashTreeService.Update.
type TreeBuiltEvent struct {
	Partition    uint64
	Index        IndexN
	Responsible  bool // false means NotResponsible
}

// VnodeObject is the opaque payload of a stored replica. Its on-disk
// representation is out of scope (spec §1 Non-goals); the engine only
// fetches, encodes, and forwards it.
type VnodeObject any

// VnodeService is the external collaborator fronting per-key fetch for
// the partition's vnode.
type VnodeService interface {
	// Get fetches bucket/key. ok is false on a clean not-found.
	Get(ctx context.Context, bucket, key []byte) (obj VnodeObject, ok bool, err error)

	// GetVClocks returns the local vector clock for each bkey. The
	// engine itself never calls it; the Merkle Helper looks clocks up
	// through its own merklehelper.VClockSource.
	GetVClocks(ctx context.Context, preflist []IndexN, bkeys []BKey) (map[string]VClock, error)
}

// VClock is an opaque vector clock attached to an object for conflict
// resolution at the sink; the source never inspects it (spec §1
// Non-goals: "reconciling causality").
type VClock []byte

// ObjectHelper is the external collaborator that knows how to ask a
// replication hook whether an object should be sent, and how to encode
// it for the wire.
type ObjectHelper interface {
	// ReplHelperSend returns the related objects to replicate alongside
	// obj (obj itself is always sent after them and must not be in the
	// list), or ok=false if the replication hook canceled the send.
	ReplHelperSend(ctx context.Context, obj VnodeObject) (related []VnodeObject, ok bool)

	// EncodeObjMsg encodes obj for wireVersion as a PUT_OBJ payload.
	EncodeObjMsg(wireVersion string, obj VnodeObject) ([]byte, error)

	// PackBKey / UnpackBKey are the round-trip helpers spec §8 requires
	// to be mutual inverses.
	PackBKey(bucket, key []byte) BKey
	UnpackBKey(bkey BKey) (bucket, key []byte)
}
