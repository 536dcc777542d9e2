// Package merklehelper implements the legacy Merkle-file helper: a
// one-shot worker that builds and diffs on-disk sorted key/hash files,
// independent of the Exchange Engine (spec'd as a distinct subsystem
// that merely shares vocabulary with it).
package merklehelper

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNodeNotAvailable is returned when an operation's partition owner
// is not currently reachable.
var ErrNodeNotAvailable = errors.New("merklehelper: partition owner not available")

// VClock is an opaque vector clock attached to a divergent key. The
// Merkle Helper never interprets it, only forwards what VClockSource
// gives it or substitutes a fresh one when the local side has no prior
// knowledge of the key.
type VClock []byte

// FreshVClock is the vclock attached to a diff row when the local side
// has nothing to compare against (remote key absent locally).
func FreshVClock() VClock { return nil }

// NodeAvailability is the external collaborator answering the
// "is this partition's owner node reachable" precheck that MakeMerkle,
// MakeKeylist and Diff run before doing any work. MerkleToKeylist takes
// no partition and runs no precheck.
type NodeAvailability interface {
	OwnerAvailable(ctx context.Context, partition uint64) (bool, error)
}

// KeyHashSource is the external vnode-fold collaborator: it walks a
// partition's keys in whatever order it chooses and reports each
// packed bkey alongside a content hash already computed by the caller
// (hash_object's algorithm is out of scope, same as the Exchange
// Engine's object format — spec §1 Non-goals). emit returning an error
// aborts the fold.
type KeyHashSource interface {
	Fold(ctx context.Context, partition uint64, emit func(bkey []byte, hash string) error) error
}

// VClockSource looks up the local vector clock for a key whose hash
// disagrees with the remote side, used only by Diff.
type VClockSource interface {
	VClockFor(ctx context.Context, bkey []byte) (VClock, error)
}

// EventKind discriminates the terminal (and, for Diff, intermediate)
// events a Helper operation posts to its owner.
type EventKind int

const (
	EventMerkleBuilt EventKind = iota
	EventKeylistBuilt
	EventConverted
	EventMerkleDiffKey
	EventDiffDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMerkleBuilt:
		return "merkle_built"
	case EventKeylistBuilt:
		return "keylist_built"
	case EventConverted:
		return "converted"
	case EventMerkleDiffKey:
		return "merkle_diff"
	case EventDiffDone:
		return "diff_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what a Helper operation posts to its owner, tagged with the
// opaque Ref returned when the operation was registered.
type Event struct {
	Ref  uuid.UUID
	Kind EventKind
	Err  error

	// EventMerkleDiffKey payload.
	BKey   []byte
	VClock VClock

	// EventDiffDone payload.
	Summary *DiffSummary
}

// EventFunc receives every event a Helper's operations post.
type EventFunc func(Event)

// DiffSummary is the tally posted alongside diff_done: running counts
// of differing/missing keys, a read-error histogram keyed by error
// reason, and each side's read count for diagnostics. DifferingCount
// counts keys present on both sides with mismatched hashes (conflicting
// replicas); MissingCount counts keys the remote has that the local
// side doesn't have at all.
type DiffSummary struct {
	DifferingCount  int
	MissingCount    int
	RemoteReadCount int
	LocalReadCount  int
	ErrorHistogram  map[string]int
}
