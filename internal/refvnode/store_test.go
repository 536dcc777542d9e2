package refvnode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthanhphan/go-aae-fullsync/internal/exchange"
)

func TestPackUnpackBKey_RoundTrip(t *testing.T) {
	bkey := PackBKey([]byte("bucket-a"), []byte("key/with/slashes"))
	bucket, key := UnpackBKey(bkey)
	assert.Equal(t, []byte("bucket-a"), bucket)
	assert.Equal(t, []byte("key/with/slashes"), key)
}

func TestStore_Get_RoundTripsPutObject(t *testing.T) {
	s := New()
	s.Put([]byte("b"), []byte("k"), []byte("hello"), exchange.VClock("v1"))

	obj, ok, err := s.Get(context.Background(), []byte("b"), []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Object{Value: []byte("hello"), VClock: exchange.VClock("v1")}, obj)
}

func TestStore_Get_MissingKeyIsCleanNotFound(t *testing.T) {
	s := New()
	_, ok, err := s.Get(context.Background(), []byte("b"), []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GetVClocks_SkipsMissingKeys(t *testing.T) {
	s := New()
	s.Put([]byte("b"), []byte("k1"), []byte("v"), exchange.VClock("c1"))

	bkeys := []exchange.BKey{
		PackBKey([]byte("b"), []byte("k1")),
		PackBKey([]byte("b"), []byte("k2")),
	}
	clocks, err := s.GetVClocks(context.Background(), nil, bkeys)
	require.NoError(t, err)
	assert.Len(t, clocks, 1)
	assert.Equal(t, exchange.VClock("c1"), clocks[string(bkeys[0])])
}

func TestHelper_ReplHelperSend_DefaultsToPassThrough(t *testing.T) {
	h := &Helper{}
	related, ok := h.ReplHelperSend(context.Background(), Object{Value: []byte("x")})
	assert.True(t, ok)
	assert.Nil(t, related)
}

func TestHelper_ReplHelperSend_UsesRelatedHook(t *testing.T) {
	extra := Object{Value: []byte("sibling")}
	h := &Helper{Related: func(obj exchange.VnodeObject) ([]exchange.VnodeObject, bool) {
		return []exchange.VnodeObject{extra}, true
	}}
	related, ok := h.ReplHelperSend(context.Background(), Object{Value: []byte("x")})
	require.True(t, ok)
	require.Len(t, related, 1)
	assert.Equal(t, extra, related[0])
}

func TestHelper_EncodeObjMsg_RejectsWrongType(t *testing.T) {
	h := &Helper{}
	_, err := h.EncodeObjMsg("v1", "not-an-object")
	assert.Error(t, err)
}

func TestHelper_EncodeObjMsg_EncodesStoredObject(t *testing.T) {
	h := &Helper{}
	body, err := h.EncodeObjMsg("v1", Object{Value: []byte("hello"), VClock: exchange.VClock("c1")})
	require.NoError(t, err)
	assert.NotEmpty(t, body)
}
