package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	codec := JSONCodec{}

	msgs := []any{
		&Version{Version: 0x010500, Release: "1.5.0", OS: "linux"},
		&Authenticate{Username: "alice", Opus: true},
		&Ping{Timestamp: 12345},
		&ChannelState{ChannelID: 3, Name: strPtr("General")},
		&UserState{Session: 7, Mute: boolPtr(true)},
		&TextMessage{Actor: 1, Session: []uint32{2, 3}, Message: "hi"},
		&CryptSetup{Key: []byte{1, 2, 3}},
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, codec, m))
	}

	for _, want := range msgs {
		typ, got, err := ReadFrame(&buf, codec)
		require.NoError(t, err)

		wantTyp, err := TypeOf(want)
		require.NoError(t, err)
		require.Equal(t, wantTyp, typ)
		require.Equal(t, want, got)
	}
}

func TestReadHeaderRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, TypePing, MaxPayloadSize+1))

	_, _, err := ReadHeader(&buf)
	require.Error(t, err)
}

func TestReadHeaderTruncated(t *testing.T) {
	_, _, err := ReadHeader(bytes.NewReader([]byte{0x00, 0x01}))
	require.Error(t, err)
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "ping", TypePing.String())
	require.Equal(t, "unknown", MessageType(9999).String())
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
