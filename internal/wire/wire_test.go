package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []TaskHeader{
		{TaskID: 1, BodySize: 0, SkillID: 0},
		{TaskID: 42, BodySize: 5, SkillID: 7},
		{TaskID: ^uint32(0), BodySize: ^uint32(0), SkillID: ^uint32(0)},
	}
	for _, h := range cases {
		buf := h.Encode()
		got, err := DecodeHeader(buf[:])
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestHeaderValidate(t *testing.T) {
	require.Error(t, TaskHeader{TaskID: 0}.Validate(0))
	require.NoError(t, TaskHeader{TaskID: 1, BodySize: 10}.Validate(100))
	require.Error(t, TaskHeader{TaskID: 1, BodySize: 101}.Validate(100))
}

func TestTaskMessageRoundTrip(t *testing.T) {
	payload := []byte("hello")
	now := time.Now()
	msg, err := NewTaskMessage(7, 3, payload, now)
	require.NoError(t, err)
	require.True(t, msg.IsValid())
	require.Equal(t, uint32(len(payload)), msg.Header.BodySize)

	hdr, pl := msg.WireBytes()
	decoded, err := DecodeHeader(hdr[:])
	require.NoError(t, err)
	require.Equal(t, msg.Header, decoded)
	require.Equal(t, payload, pl)
}

func TestInvalidTaskMessage(t *testing.T) {
	require.False(t, InvalidTaskMessage.IsValid())
}

func TestTaskMessageAge(t *testing.T) {
	now := time.Now()
	msg, err := NewTaskMessage(1, 1, nil, now.Add(-time.Second))
	require.NoError(t, err)
	require.GreaterOrEqual(t, msg.Age(now), time.Second)
}
