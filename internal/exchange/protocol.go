package exchange

import cbor "github.com/fxamacker/cbor/v2"

// Wire protocol: every frame carries a single-byte message tag
// followed by an optional CBOR-encoded payload, length-prefixed by
// Transport (see transport.go). This mirrors the Base{T,ID}-over-CBOR
// shape used elsewhere in this codebase's wire protocols, simplified
// to the closed tag set spec §4.1 requires.

// Tag is the single-byte message tag, a closed set per spec §4.1.
type Tag byte

const (
	TagInit          Tag = 1
	TagLockTree      Tag = 2
	TagUpdateTree    Tag = 3
	TagGetAAEBucket  Tag = 4
	TagGetAAESegment Tag = 5
	TagPutObj        Tag = 6
	TagComplete      Tag = 7
	TagReply         Tag = 8
)

func (t Tag) String() string {
	switch t {
	case TagInit:
		return "INIT"
	case TagLockTree:
		return "LOCK_TREE"
	case TagUpdateTree:
		return "UPDATE_TREE"
	case TagGetAAEBucket:
		return "GET_AAE_BUCKET"
	case TagGetAAESegment:
		return "GET_AAE_SEGMENT"
	case TagPutObj:
		return "PUT_OBJ"
	case TagComplete:
		return "COMPLETE"
	case TagReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// frameHeader is the 1-byte header token split off the frame on
// receipt, per spec §6's "split of the first byte as a separate header
// token" transport requirement. It is just the tag.
type frameHeader = Tag

// InitPayload is the encoded partition id sent with INIT. CID is the
// Snowflake-minted correlation ID this request is stamped with; the
// sink is expected to echo it back on the matching REPLY.
type InitPayload struct {
	Partition uint64 `cbor:"p"`
	CID       int64  `cbor:"cid,omitempty"`
}

// LockTreePayload carries only a correlation ID with LOCK_TREE, whose
// spec §4.1 payload is otherwise empty.
type LockTreePayload struct {
	CID int64 `cbor:"cid,omitempty"`
}

// UpdateTreePayload is the encoded IndexN sent with UPDATE_TREE.
type UpdateTreePayload struct {
	Index uint64 `cbor:"i"`
	N     int    `cbor:"n"`
	CID   int64  `cbor:"cid,omitempty"`
}

// BucketQueryPayload is the encoded (level, bucket, IndexN) triple sent
// with GET_AAE_BUCKET. Per spec §9 Open Question (c), the triple's
// wire shape is not documented on the sink side; the reference sink in
// internal/reftree is assumed version-compatible with this encoding.
type BucketQueryPayload struct {
	Level  int    `cbor:"l"`
	Bucket int    `cbor:"b"`
	Index  uint64 `cbor:"i"`
	N      int    `cbor:"n"`
	CID    int64  `cbor:"cid,omitempty"`
}

// SegmentQueryPayload is the encoded (segment, IndexN) pair sent with
// GET_AAE_SEGMENT.
type SegmentQueryPayload struct {
	Segment int    `cbor:"s"`
	Index   uint64 `cbor:"i"`
	N       int    `cbor:"n"`
	CID     int64  `cbor:"cid,omitempty"`
}

// BucketHashesReply is the REPLY payload answering GET_AAE_BUCKET. CID
// echoes the request's correlation ID back, zero if the sink predates
// correlation IDs.
type BucketHashesReply struct {
	Hashes []string `cbor:"h"`
	CID    int64    `cbor:"cid,omitempty"`
}

// SegmentKeyHashesReply is the REPLY payload answering GET_AAE_SEGMENT.
type SegmentKeyHashesReply struct {
	Keys   [][]byte `cbor:"k"`
	Hashes []string `cbor:"h"`
	CID    int64    `cbor:"cid,omitempty"`
}

// OkReply is the generic {ok} / {error, reason} REPLY shape used for
// INIT and LOCK_TREE acknowledgements.
type OkReply struct {
	OK     bool   `cbor:"ok"`
	Reason string `cbor:"err,omitempty"`
	CID    int64  `cbor:"cid,omitempty"`
}

// UpdateTreeReply is the REPLY shape for UPDATE_TREE: ok (treated as
// TreeBuilt) or not_responsible.
type UpdateTreeReply struct {
	Responsible bool  `cbor:"r"`
	CID         int64 `cbor:"cid,omitempty"`
}

// PutObjPayload is the encoded object sent with PUT_OBJ. Encoding is
// delegated to ObjectHelper.EncodeObjMsg; the payload here is already
// the wire-ready byte slice it returned.
type PutObjPayload struct {
	WireVersion string `cbor:"v"`
	Body        []byte `cbor:"b"`
}

func marshalPutObj(wireVersion string, body []byte) ([]byte, error) {
	return cbor.Marshal(PutObjPayload{WireVersion: wireVersion, Body: body})
}

// checkCID reports whether a REPLY's echoed correlation ID matches the
// one its request was stamped with. A zero replyCID means the sink
// didn't echo one back (predates correlation IDs, or the frame carries
// none) and is never treated as a mismatch.
func checkCID(sent, replyCID int64) bool {
	return replyCID == 0 || replyCID == sent
}
