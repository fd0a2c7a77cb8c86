package jitter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTripOpus(t *testing.T) {
	pos := [3]float32{1.5, -2.25, 0}
	p := &Packet{
		Codec:    CodecOpus,
		Target:   TargetNormal,
		Session:  42,
		Sequence: 7,
		Frames:   [][]byte{{0x01, 0x02, 0x03}},
		Position: &pos,
	}

	data := Encode(p, true)
	got, err := Decode(data, true)
	require.NoError(t, err)

	require.Equal(t, p.Codec, got.Codec)
	require.Equal(t, p.Target, got.Target)
	require.Equal(t, p.Session, got.Session)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.Frames, got.Frames)
	require.NotNil(t, got.Position)
	require.Equal(t, *p.Position, *got.Position)
}

func TestPacketRoundTripOpusNoSessionNoPosition(t *testing.T) {
	p := &Packet{
		Codec:    CodecOpus,
		Sequence: 1000,
		Frames:   [][]byte{{0xAA, 0xBB}},
	}
	data := Encode(p, false)
	got, err := Decode(data, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), got.Sequence)
	require.Nil(t, got.Position)
	require.Equal(t, p.Frames, got.Frames)
}

func TestPacketRoundTripOpusTerminator(t *testing.T) {
	p := &Packet{
		Codec:      CodecOpus,
		Sequence:   12,
		Frames:     [][]byte{{0x01, 0x02}},
		Terminator: true,
	}
	data := Encode(p, false)
	got, err := Decode(data, false)
	require.NoError(t, err)
	require.True(t, got.Terminator)
	require.Equal(t, p.Frames, got.Frames)

	// A bare terminator carries the flag and no audio.
	bare := &Packet{Codec: CodecOpus, Sequence: 13, Frames: [][]byte{{}}, Terminator: true}
	got, err = Decode(Encode(bare, false), false)
	require.NoError(t, err)
	require.True(t, got.Terminator)
	require.Equal(t, [][]byte{{}}, got.Frames)
}

func TestPacketOpusTerminatorWithPosition(t *testing.T) {
	pos := [3]float32{1, 2, 3}
	p := &Packet{
		Codec:      CodecOpus,
		Sequence:   5,
		Frames:     [][]byte{{0xAA}},
		Terminator: true,
		Position:   &pos,
	}
	got, err := Decode(Encode(p, false), false)
	require.NoError(t, err)
	require.True(t, got.Terminator)
	require.NotNil(t, got.Position)
	require.Equal(t, pos, *got.Position)
}

func TestPacketCeltZeroLengthFinalFrameIsTerminator(t *testing.T) {
	p := &Packet{
		Codec:    CodecCeltAlpha,
		Sequence: 4,
		Frames:   [][]byte{{1, 2}, {}},
	}
	got, err := Decode(Encode(p, false), false)
	require.NoError(t, err)
	require.True(t, got.Terminator)
	require.Equal(t, p.Frames, got.Frames)
}

func TestPacketRoundTripCeltChain(t *testing.T) {
	p := &Packet{
		Codec:    CodecCeltAlpha,
		Sequence: 3,
		Frames:   [][]byte{{1, 2, 3}, {4, 5}, {6}},
	}
	data := Encode(p, false)
	got, err := Decode(data, false)
	require.NoError(t, err)
	require.Equal(t, p.Frames, got.Frames)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(nil, false)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{EncodeHeader(CodecOpus, TargetNormal)}, false)
	require.Error(t, err)
}

func packet(seq uint64) *Packet {
	return &Packet{Codec: CodecOpus, Sequence: seq, Frames: [][]byte{{byte(seq)}}}
}

func TestBufferInOrderDelivery(t *testing.T) {
	b := New(1)
	for i := uint64(0); i < 3; i++ {
		b.Push(1, packet(i))
		frames := b.Pop()
		require.Len(t, frames, 1)
		require.NotNil(t, frames[0].Packet)
		require.Equal(t, i, frames[0].Packet.Sequence)
	}
}

func TestBufferPrimingDelaysFirstPop(t *testing.T) {
	b := New(3)
	b.Push(1, packet(0))
	b.Push(1, packet(1))
	// Not primed yet: no frame should be released for this stream.
	frames := b.Pop()
	require.Len(t, frames, 0)

	b.Push(1, packet(2))
	frames = b.Pop()
	require.Len(t, frames, 1)
	require.Equal(t, uint64(0), frames[0].Packet.Sequence)
}

func TestBufferReorderToleratedWithinWindow(t *testing.T) {
	b := New(1)
	b.Push(1, packet(0))
	b.Pop()

	b.Push(1, packet(2))
	b.Push(1, packet(1))

	f1 := b.Pop()
	require.Len(t, f1, 1)
	require.Equal(t, uint64(1), f1[0].Packet.Sequence)

	f2 := b.Pop()
	require.Len(t, f2, 1)
	require.Equal(t, uint64(2), f2[0].Packet.Sequence)
}

func TestBufferMissingSlotYieldsPLC(t *testing.T) {
	b := New(1)
	b.Push(1, packet(0))
	b.Pop()

	b.Push(1, packet(2)) // skip sequence 1 entirely

	frames := b.Pop()
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Packet, "missing slot should signal PLC with a nil packet")
}

func TestBufferSessionRestartReprimes(t *testing.T) {
	b := New(2)
	b.Push(1, packet(5))
	b.Push(1, packet(6))
	frames := b.Pop()
	require.Len(t, frames, 1)
	require.Equal(t, uint64(5), frames[0].Packet.Sequence)

	restarted := uint64(6 + restartGap + 10)
	b.Push(1, packet(restarted))
	frames = b.Pop()
	require.Len(t, frames, 0, "stream should reprime and not emit until depth is reached again")

	b.Push(1, packet(restarted+1))
	frames = b.Pop()
	require.Len(t, frames, 1)
	require.Equal(t, restarted, frames[0].Packet.Sequence)
}

func TestBufferActiveSendersAndReset(t *testing.T) {
	b := New(1)
	b.Push(1, packet(0))
	b.Push(2, packet(0))
	require.Equal(t, 2, b.ActiveSenders())

	b.Reset()
	require.Equal(t, 0, b.ActiveSenders())
}
