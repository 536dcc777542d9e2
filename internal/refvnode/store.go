// Package refvnode is a reference VnodeService/ObjectHelper (spec §6)
// backed by a plain in-memory map, used only to drive the Exchange
// Engine in tests and the demo binary. Object storage and replication
// hooks are explicitly out of scope (spec §1 Non-goals); this package
// is not a specification of either.
package refvnode

import (
	"context"
	"fmt"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/anthanhphan/go-aae-fullsync/internal/exchange"
)

// Object is the concrete value stored behind a bucket/key: a byte
// payload plus the vector clock attached when it was last written.
type Object struct {
	Value  []byte
	VClock exchange.VClock
}

type objKey struct {
	bucket, key string
}

// Store is an in-memory exchange.VnodeService: a single map keyed by
// (bucket, key), guarded by one mutex. It has no partitioning of its
// own — IndexN is accepted and ignored, since the reference
// implementation exists only to exercise the engine's fetch/pack path.
type Store struct {
	mu      sync.RWMutex
	objects map[objKey]Object
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[objKey]Object)}
}

// Put seeds or overwrites bucket/key's stored object.
func (s *Store) Put(bucket, key []byte, value []byte, vclock exchange.VClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objKey{string(bucket), string(key)}] = Object{Value: value, VClock: vclock}
}

// Delete removes bucket/key, if present.
func (s *Store) Delete(bucket, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objKey{string(bucket), string(key)})
}

func (s *Store) Get(_ context.Context, bucket, key []byte) (exchange.VnodeObject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objKey{string(bucket), string(key)}]
	if !ok {
		return nil, false, nil
	}
	return obj, true, nil
}

// GetVClocks looks up each bkey's current vector clock, unpacking it
// through UnpackBKey first. bkeys with no stored object are simply
// absent from the result, matching the spec §4.2 diff table's
// treatment of a clock fetch against a since-deleted key.
func (s *Store) GetVClocks(_ context.Context, _ []exchange.IndexN, bkeys []exchange.BKey) (map[string]exchange.VClock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]exchange.VClock, len(bkeys))
	for _, bk := range bkeys {
		bucket, key := UnpackBKey(bk)
		obj, ok := s.objects[objKey{string(bucket), string(key)}]
		if !ok {
			continue
		}
		out[string(bk)] = obj.VClock
	}
	return out, nil
}

// Helper is the reference exchange.ObjectHelper paired with a Store.
// ReplHelperSend is a pass-through unless a Related hook is set.
type Helper struct {
	// Related, if set, returns additional objects to replicate
	// alongside obj — the stand-in for a production replication hook
	// that might, say, also send a bucket's sibling index entries.
	Related func(obj exchange.VnodeObject) (related []exchange.VnodeObject, ok bool)
}

func (h *Helper) ReplHelperSend(_ context.Context, obj exchange.VnodeObject) ([]exchange.VnodeObject, bool) {
	if h.Related != nil {
		return h.Related(obj)
	}
	return nil, true
}

// objMsgPayload is the CBOR envelope EncodeObjMsg produces, matching
// the shape exchange.protocol.go's PutObjPayload expects as its body.
type objMsgPayload struct {
	VClock []byte `cbor:"c"`
	Value  []byte `cbor:"v"`
}

func (h *Helper) EncodeObjMsg(_ string, obj exchange.VnodeObject) ([]byte, error) {
	o, ok := obj.(Object)
	if !ok {
		return nil, fmt.Errorf("refvnode: EncodeObjMsg: unexpected object type %T", obj)
	}
	return cbor.Marshal(objMsgPayload{VClock: o.VClock, Value: o.Value})
}

const bkeySep = 0x00

// PackBKey joins bucket and key with a NUL separator. UnpackBKey splits
// at the first NUL, so the round-trip holds for any key bytes (slashes
// included, unlike a '/'-joined scheme) as long as bucket contains no
// NUL; a NUL inside bucket is not rejected and does not round-trip.
func PackBKey(bucket, key []byte) exchange.BKey {
	out := make([]byte, 0, len(bucket)+1+len(key))
	out = append(out, bucket...)
	out = append(out, bkeySep)
	out = append(out, key...)
	return exchange.BKey(out)
}

// UnpackBKey splits a PackBKey-produced key back into bucket and key.
func UnpackBKey(bkey exchange.BKey) (bucket, key []byte) {
	for i, b := range bkey {
		if b == bkeySep {
			return append([]byte(nil), bkey[:i]...), append([]byte(nil), bkey[i+1:]...)
		}
	}
	return append([]byte(nil), bkey...), nil
}

func (h *Helper) PackBKey(bucket, key []byte) exchange.BKey {
	return PackBKey(bucket, key)
}

func (h *Helper) UnpackBKey(bkey exchange.BKey) ([]byte, []byte) {
	return UnpackBKey(bkey)
}
