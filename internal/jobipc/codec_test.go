package jobipc

import (
	"bytes"
	"testing"

	"github.com/ChuLiYu/procpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestRoundTrip(t *testing.T) {
	codec := ProtoSerializer{}
	req := types.JobRequest{JobID: 42, FromWorkerID: 3, WorkerGroupID: 2, Priority: -5, Payload: []byte("hello")}

	body, err := codec.EncodeRequest(req)
	require.NoError(t, err)

	got, err := codec.DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequestEmptyPayload(t *testing.T) {
	codec := ProtoSerializer{}

	body, err := codec.EncodeRequest(types.JobRequest{JobID: 1, WorkerGroupID: 1})
	require.NoError(t, err)

	got, err := codec.DecodeRequest(body)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
	assert.Zero(t, got.Priority)
}

func TestResponseCarriesPayloadOrError(t *testing.T) {
	codec := ProtoSerializer{}

	ok := types.JobResponse{JobID: 7, FromWorkerID: 4, WorkerGroupID: 1, Payload: []byte("result")}
	body, err := codec.EncodeResponse(ok)
	require.NoError(t, err)
	got, err := codec.DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, ok, got)
	assert.False(t, got.Failed())

	failed := types.JobResponse{JobID: 8, FromWorkerID: 4, WorkerGroupID: 1, Error: "boom"}
	body, err = codec.EncodeResponse(failed)
	require.NoError(t, err)
	got, err = codec.DecodeResponse(body)
	require.NoError(t, err)
	assert.True(t, got.Failed())
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.Payload)
}

func TestEncodeRejectsNegativeIDs(t *testing.T) {
	_, err := ProtoSerializer{}.EncodeRequest(types.JobRequest{JobID: 1, FromWorkerID: -1})
	assert.Error(t, err)
}

func TestDecodeUnknownFieldsSkipped(t *testing.T) {
	codec := ProtoSerializer{}
	body, err := codec.EncodeRequest(types.JobRequest{JobID: 9, WorkerGroupID: 1, Payload: []byte("x")})
	require.NoError(t, err)

	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future field"))

	got, err := codec.DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.JobID)
}

func TestDecodeErrors(t *testing.T) {
	codec := ProtoSerializer{}

	tests := []struct {
		name string
		body []byte
	}{
		{"truncated varint", []byte{0x08, 0xff}},
		{"truncated bytes", []byte{0x2a, 0x05, 'a'}},
		{"missing job id", protowire.AppendBytes(protowire.AppendTag(nil, fieldPayload, protowire.BytesType), []byte("x"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodeRequest(tt.body)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, "request", decodeErr.Message)

			_, err = codec.DecodeResponse(tt.body)
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, "response", decodeErr.Message)
		})
	}
}

func TestFramesStayAlignedAfterBadBody(t *testing.T) {
	codec := ProtoSerializer{}
	var buf bytes.Buffer

	first, _ := codec.EncodeRequest(types.JobRequest{JobID: 1, WorkerGroupID: 1, Payload: []byte("a")})
	third, _ := codec.EncodeRequest(types.JobRequest{JobID: 3, WorkerGroupID: 1, Payload: []byte("c")})

	require.NoError(t, writeFrame(&buf, kindRequest, first))
	require.NoError(t, writeFrame(&buf, kindRequest, []byte{0x08, 0xff, 0xff}))
	require.NoError(t, writeFrame(&buf, kindRequest, third))

	var ids []uint64
	var decodeErrors int
	for i := 0; i < 3; i++ {
		kind, body, err := readFrame(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		require.Equal(t, kindRequest, kind)

		req, err := codec.DecodeRequest(body)
		if err != nil {
			decodeErrors++
			continue
		}
		ids = append(ids, req.JobID)
	}

	assert.Equal(t, 1, decodeErrors, "exactly one message is lost")
	assert.Equal(t, []uint64{1, 3}, ids)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, kindRequest, make([]byte, 100)))
	require.NoError(t, writeFrame(&buf, kindRequest, []byte{1}))

	_, _, err := readFrame(&buf, 10)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	kind, body, err := readFrame(&buf, 10)
	require.NoError(t, err, "the oversized frame was skipped entirely")
	assert.Equal(t, kindRequest, kind)
	assert.Equal(t, []byte{1}, body)
}
