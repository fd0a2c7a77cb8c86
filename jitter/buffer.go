package jitter

import "time"

const (
	ringSize     = 64 // power of 2; large enough for audioPerPacket up to 6 frames at depth 8
	ringMask     = ringSize - 1
	staleTimeout = 500 * time.Millisecond

	// restartGap is the backward sequence jump past which a stream is
	// treated as a fresh session (the sender reconnected or reset its
	// encoder) rather than a very late packet. A forward jump restarts the
	// stream once it reaches ringSize.
	restartGap = 128

	minDepth = 1
	maxDepth = ringSize / 2
)

// Frame is one jitter-buffer output: either a decoded voice packet ready
// to play, or a PLC placeholder (Packet == nil) signaling the decoder
// should synthesize concealment audio for a dropped slot.
type Frame struct {
	Session uint64
	Packet  *Packet
}

type slot struct {
	packet *Packet
	seq    uint64
	set    bool
}

type stream struct {
	ring       [ringSize]slot
	nextPlay   uint64
	primed     bool
	count      int
	lastRecv   time.Time
}

// Buffer absorbs reordering independently per speaker (session id) before
// handing packets to the mixer in sequence order, synthesizing PLC
// placeholders for slots that never arrive.
type Buffer struct {
	streams map[uint64]*stream
	depth   int
}

// New returns a Buffer that waits for depth packets to arrive per speaker
// before it starts releasing frames, clamped to [minDepth, maxDepth].
func New(depth int) *Buffer {
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	return &Buffer{streams: make(map[uint64]*stream), depth: depth}
}

// SetDepth adjusts the priming depth for subsequently (re)primed streams.
func (b *Buffer) SetDepth(depth int) {
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	b.depth = depth
}

// Push admits one packet from session into its stream.
func (b *Buffer) Push(session uint64, p *Packet) {
	s, ok := b.streams[session]
	if !ok {
		s = &stream{}
		b.streams[session] = s
	}
	s.lastRecv = time.Now()

	seq := p.Sequence

	if !s.primed {
		idx := seq & ringMask
		s.ring[idx] = slot{packet: p, seq: seq, set: true}
		s.count++
		if s.count == 1 {
			s.nextPlay = seq
		}
		if s.count >= b.depth {
			s.primed = true
		}
		return
	}

	dist := int64(seq - s.nextPlay)
	switch {
	case dist < 0 && dist > -restartGap:
		// Late arrival of an already-passed slot: drop it.
		return
	case dist >= ringSize || dist <= -restartGap:
		// Either a huge forward jump or a huge backward jump: treat as a
		// session restart and reprime from this packet.
		*s = stream{lastRecv: s.lastRecv}
		idx := seq & ringMask
		s.ring[idx] = slot{packet: p, seq: seq, set: true}
		s.count = 1
		s.nextPlay = seq
		if s.count >= b.depth {
			s.primed = true
		}
		return
	default:
		idx := seq & ringMask
		s.ring[idx] = slot{packet: p, seq: seq, set: true}
	}
}

// Pop returns one Frame per active, primed stream, pruning stale senders
// first. A stream not yet primed is skipped until it fills to depth.
func (b *Buffer) Pop() []Frame {
	now := time.Now()
	for session, s := range b.streams {
		if now.Sub(s.lastRecv) > staleTimeout {
			delete(b.streams, session)
		}
	}

	var out []Frame
	for session, s := range b.streams {
		if !s.primed {
			continue
		}
		idx := s.nextPlay & ringMask
		cur := s.ring[idx]
		if cur.set && cur.seq == s.nextPlay {
			out = append(out, Frame{Session: session, Packet: cur.packet})
			s.ring[idx] = slot{}
		} else {
			out = append(out, Frame{Session: session, Packet: nil})
		}
		s.nextPlay++
	}
	return out
}

// Reset clears every stream.
func (b *Buffer) Reset() {
	b.streams = make(map[uint64]*stream)
}

// ActiveSenders reports how many distinct sessions currently have a live
// stream (primed or still priming).
func (b *Buffer) ActiveSenders() int {
	return len(b.streams)
}

// Sessions reports every session with a live stream right now (primed or
// still priming), so a caller tracking per-session decode state (package
// audio's Mixer) can tell "not primed yet this tick" apart from "this
// sender's stream was pruned or restarted" and only drop decode state in
// the latter case.
func (b *Buffer) Sessions() []uint64 {
	out := make([]uint64, 0, len(b.streams))
	for session := range b.streams {
		out = append(out, session)
	}
	return out
}
