package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmstore/shmstore"
)

func TestErrorCodeMapping(t *testing.T) {
	sentinels := []error{
		shmstore.ErrObjectExists,
		shmstore.ErrObjectNotFound,
		shmstore.ErrObjectInUse,
		shmstore.ErrInvalidState,
		shmstore.ErrReleaseWithoutHold,
		shmstore.ErrOutOfMemory,
	}
	for _, sentinel := range sentinels {
		code := CodeFromError(sentinel)
		require.NotEqual(t, CodeOK, code)
		require.ErrorIs(t, code.Err(), sentinel)
	}

	require.Equal(t, CodeOK, CodeFromError(nil))
	require.NoError(t, CodeOK.Err())
}

func TestCreateReplyCarriesError(t *testing.T) {
	encoded := EncodeCreateReply(CreateReply{Code: CodeOutOfMemory})
	reply, err := DecodeCreateReply(encoded)
	require.NoError(t, err)
	require.ErrorIs(t, reply.Code.Err(), shmstore.ErrOutOfMemory)
}

func TestCreateReplyCarriesRanges(t *testing.T) {
	in := CreateReply{
		Code: CodeOK,
		Ref: ObjectRef{
			ID:             shmstore.NewRandomID(),
			DataOffset:     4096,
			DataSize:       1000,
			MetadataOffset: 5096,
			MetadataSize:   24,
		},
		SegmentSize: 1 << 30,
	}
	out, err := DecodeCreateReply(EncodeCreateReply(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeCreateReply(EncodeCreateReply(in)[:10])
	require.ErrorIs(t, err, shmstore.ErrTransport)
}

func TestGetRequestTimeouts(t *testing.T) {
	ids := []shmstore.ObjectID{shmstore.NewRandomID(), shmstore.NewRandomID()}

	for _, timeout := range []int64{0, -1, 5e9} {
		out, err := DecodeGetRequest(EncodeGetRequest(GetRequest{TimeoutNanos: timeout, IDs: ids}))
		require.NoError(t, err)
		require.Equal(t, timeout, out.TimeoutNanos)
		require.Equal(t, ids, out.IDs)
	}
}

func TestGetReplyAbsentSlots(t *testing.T) {
	in := GetReply{
		SegmentSize: 1 << 20,
		Results: []GetResult{
			{Present: true, Ref: ObjectRef{ID: shmstore.NewRandomID(), DataSize: 64}},
			{Present: false},
			{Present: true, Ref: ObjectRef{ID: shmstore.NewRandomID(), MetadataSize: 16}},
		},
	}
	out, err := DecodeGetReply(EncodeGetReply(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeRejectsWrongLengths(t *testing.T) {
	_, err := DecodeCreateRequest([]byte{1, 2, 3})
	require.ErrorIs(t, err, shmstore.ErrTransport)
	_, err = DecodeIDRequest(make([]byte, shmstore.IDSize+1))
	require.ErrorIs(t, err, shmstore.ErrTransport)
	_, err = DecodeStatusReply(nil)
	require.ErrorIs(t, err, shmstore.ErrTransport)
	_, err = DecodeGetRequest(make([]byte, 11))
	require.ErrorIs(t, err, shmstore.ErrTransport)
}
