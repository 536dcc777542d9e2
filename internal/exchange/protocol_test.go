package exchange

import (
	"testing"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
)

func TestTag_String(t *testing.T) {
	cases := map[Tag]string{
		TagInit:          "INIT",
		TagLockTree:      "LOCK_TREE",
		TagUpdateTree:    "UPDATE_TREE",
		TagGetAAEBucket:  "GET_AAE_BUCKET",
		TagGetAAESegment: "GET_AAE_SEGMENT",
		TagPutObj:        "PUT_OBJ",
		TagComplete:      "COMPLETE",
		TagReply:         "REPLY",
		Tag(99):          "UNKNOWN",
	}
	for tag, want := range cases {
		assert.Equal(t, want, tag.String())
	}
}

func TestCBORRoundTrip_InitPayload(t *testing.T) {
	p := InitPayload{Partition: 42}
	data, err := cbor.Marshal(p)
	assert.NoError(t, err)

	var out InitPayload
	assert.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, p, out)
}

func TestCBORRoundTrip_BucketQueryPayload(t *testing.T) {
	p := BucketQueryPayload{Level: 3, Bucket: 7, Index: 1, N: 3}
	data, err := cbor.Marshal(p)
	assert.NoError(t, err)

	var out BucketQueryPayload
	assert.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, p, out)
}

func TestCBORRoundTrip_SegmentKeyHashesReply(t *testing.T) {
	p := SegmentKeyHashesReply{
		Keys:   [][]byte{[]byte("b/k1"), []byte("b/k2")},
		Hashes: []string{"h1", "h2"},
		CID:    9001,
	}
	data, err := cbor.Marshal(p)
	assert.NoError(t, err)

	var out SegmentKeyHashesReply
	assert.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, p, out)
}

func TestCheckCID(t *testing.T) {
	assert.True(t, checkCID(42, 42), "matching correlation IDs must pass")
	assert.True(t, checkCID(42, 0), "a zero reply CID (sink predates correlation IDs) is never a mismatch")
	assert.False(t, checkCID(42, 7), "a nonzero reply CID that disagrees with the request must fail")
}
