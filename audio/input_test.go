package audio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustyguts/mumble/jitter"
)

func newTestPipeline(t *testing.T, mutate func(*Config)) (*Pipeline, *fakeEncoder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableEchoCancellation = false
	if mutate != nil {
		mutate(&cfg)
	}
	enc := &fakeEncoder{}
	p := NewPipeline(cfg, fakeFactory{enc: enc, dec: &fakeDecoder{}}, nil, nil)
	require.NoError(t, p.Start())
	return p, enc
}

func loudFrame() []float32 {
	frame := make([]float32, FrameSize)
	for i := range frame {
		frame[i] = 0.2
	}
	return frame
}

func TestPipelinePacketizesAudioPerPacketFrames(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.AudioPerPacket = 2
		c.TransmitType = TransmitContinuous
	})
	ctx := context.Background()

	p.ProcessFrame(ctx, loudFrame())
	require.Empty(t, p.CaptureOut, "one frame is not yet a full packet")

	p.ProcessFrame(ctx, loudFrame())
	require.Len(t, p.CaptureOut, 1)

	pkt := <-p.CaptureOut
	require.EqualValues(t, 0, pkt.Sequence, "first packet carries the first frame's sequence")
	require.Equal(t, jitter.CodecOpus, pkt.Codec)
	require.Len(t, pkt.Frames, 1, "opus encodes the whole packet as one frame")
	require.NotEmpty(t, pkt.Frames[0])
}

func TestPipelineSequenceCountsFramesNotPackets(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.AudioPerPacket = 2
		c.TransmitType = TransmitContinuous
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		p.ProcessFrame(ctx, loudFrame())
	}

	first := <-p.CaptureOut
	second := <-p.CaptureOut
	require.EqualValues(t, 0, first.Sequence)
	require.EqualValues(t, 2, second.Sequence, "sequence advances by frames per packet")
}

func TestPipelineEmitsTerminatorWhenUtteranceEnds(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.AudioPerPacket = 2
		c.TransmitType = TransmitToggle
	})
	ctx := context.Background()

	p.SetPTTActive(true)
	p.ProcessFrame(ctx, loudFrame())
	p.ProcessFrame(ctx, loudFrame())
	require.Len(t, p.CaptureOut, 1)
	<-p.CaptureOut

	p.SetPTTActive(false)
	p.ProcessFrame(ctx, loudFrame())

	require.Len(t, p.CaptureOut, 1)
	term := <-p.CaptureOut
	require.True(t, term.Terminator)
	require.Equal(t, [][]byte{{}}, term.Frames, "utterance end without pending audio sends a bare terminator")
	require.EqualValues(t, 2, term.Sequence)
}

func TestPipelinePartialPacketFlushedOnRelease(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.AudioPerPacket = 4
		c.TransmitType = TransmitToggle
	})
	ctx := context.Background()

	p.SetPTTActive(true)
	p.ProcessFrame(ctx, loudFrame()) // one frame pending, under the 4-frame batch

	p.SetPTTActive(false)
	p.ProcessFrame(ctx, loudFrame())

	require.Len(t, p.CaptureOut, 1)
	pkt := <-p.CaptureOut
	require.NotEmpty(t, pkt.Frames[0], "the partial packet flushes with its audio, not as a bare terminator")
	require.True(t, pkt.Terminator, "the last packet of an utterance carries the terminator bit")
	require.EqualValues(t, 0, pkt.Sequence)
}

func TestPipelineFullPacketsAreNotTerminators(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.AudioPerPacket = 1
		c.TransmitType = TransmitContinuous
	})
	ctx := context.Background()

	p.ProcessFrame(ctx, loudFrame())
	pkt := <-p.CaptureOut
	require.False(t, pkt.Terminator, "mid-utterance packets must not carry the terminator bit")
}

func TestPipelineVADGatesSilence(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.TransmitType = TransmitVAD
	})
	ctx := context.Background()

	silent := make([]float32, FrameSize)
	for i := 0; i < 20; i++ {
		p.ProcessFrame(ctx, silent)
	}
	require.Empty(t, p.CaptureOut, "silence must not transmit in VAD mode")
}

func TestPipelineMutedDropsPackets(t *testing.T) {
	p, _ := newTestPipeline(t, func(c *Config) {
		c.AudioPerPacket = 1
		c.TransmitType = TransmitContinuous
	})
	ctx := context.Background()

	p.SetMuted(true)
	p.ProcessFrame(ctx, loudFrame())
	require.Empty(t, p.CaptureOut)

	p.SetMuted(false)
	p.ProcessFrame(ctx, loudFrame())
	require.Len(t, p.CaptureOut, 1)
}
