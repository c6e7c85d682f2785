package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(TypeRPCRequest, "abc123", ResultSuccess, []byte(`{"method":"ping"}`))
	raw, err := f.Encode()
	require.NoError(t, err)

	decoded, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, f.Type, decoded.Type)
	require.Equal(t, f.Seq, decoded.Seq)
	require.Equal(t, f.Result, decoded.Result)
	require.Equal(t, f.Payload, decoded.Payload)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	f := NewFrame(TypeHeartbeat, "", ResultSuccess, nil)
	raw, err := f.Encode()
	require.NoError(t, err)
	decoded, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, "", decoded.Seq)
	require.Empty(t, decoded.Payload)
}

func TestReadWriteFrame(t *testing.T) {
	f := NewFrame(TypeTopicRequest, "seq-1", ResultSuccess, []byte("payload"))
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	decoded, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestDecodeFrameRejectsShortHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	f := NewFrame(TypeHeartbeat, "x", ResultSuccess, []byte("y"))
	raw, err := f.Encode()
	require.NoError(t, err)
	raw = append(raw, 0xFF) // an extra trailing byte breaks the length invariant
	_, err = DecodeFrame(raw)
	require.Error(t, err)
}

func TestTopicHeaderRoundTrip(t *testing.T) {
	encoded := encodeTopicHeader("orders", []byte("body"))
	topic, body, err := decodeTopicHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, "orders", topic)
	require.Equal(t, []byte("body"), body)
}
