// Package reorder implements the short-window reordering ring and XOR FEC
// groups of §4.3: packets that arrive slightly out of order are held long
// enough to be delivered in sequence, and a single loss per FEC group can be
// reconstructed from its parity packet.
package reorder

import "errors"

const (
	DefaultWindow      = 128
	DefaultGroupSize   = 5
	DefaultMaxWaitMS   = 40
	DefaultFramePeriod = 960 // ticks per 20ms frame at 48kHz; callers override
)

var ErrFull = errors.New("reorder: buffer full")

// Packet is one entry in the reorder window (spec.md §3, "Packet record").
type Packet struct {
	Seq             uint16
	ExtendedSeq     uint32
	RTPTimestamp    uint32
	ArrivalUs       int64
	Payload         []byte
	IsFECRecovered  bool
	ScheduledPlayUs int64
}

type slot struct {
	valid bool
	pkt   Packet
}

// Buffer is a fixed-size ring of W slots, owned exclusively by one Stream
// (§5: never accessed concurrently).
type Buffer struct {
	slots       []slot
	groupSize   int
	maxWaitUs   int64
	framePeriod uint32
	groups      map[uint32]*fecGroup

	newestGroupIdx  uint32
	haveNewestGroup bool
	maxGroupsBehind uint32

	RecoveredByFEC uint64
}

// New creates a reorder buffer of window size w holding XOR FEC groups of
// groupSize media packets each. maxWaitMs bounds how long a slot may sit
// before it is considered ready for forced delivery or eviction.
func New(w, groupSize, maxWaitMs int, framePeriodTicks uint32) *Buffer {
	if w <= 0 {
		w = DefaultWindow
	}
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	if maxWaitMs <= 0 {
		maxWaitMs = DefaultMaxWaitMS
	}
	if framePeriodTicks == 0 {
		framePeriodTicks = DefaultFramePeriod
	}
	maxGroupsBehind := uint32(w/groupSize) + 2
	return &Buffer{
		slots:           make([]slot, w),
		groupSize:       groupSize,
		maxWaitUs:       int64(maxWaitMs) * 1000,
		framePeriod:     framePeriodTicks,
		groups:          make(map[uint32]*fecGroup),
		maxGroupsBehind: maxGroupsBehind,
	}
}

// GroupSize returns the configured FEC group size K.
func (b *Buffer) GroupSize() int { return b.groupSize }

func (b *Buffer) groupFor(seq uint16) (*fecGroup, uint32, int) {
	idx := uint32(seq) / uint32(b.groupSize)
	pos := int(seq) % b.groupSize
	g, ok := b.groups[idx]
	if !ok {
		g = newFECGroup(b.groupSize)
		b.groups[idx] = g
		b.trackNewestGroup(idx)
	}
	return g, idx, pos
}

// trackNewestGroup prunes groups that have fallen far enough behind the
// newest group seen that they can no longer be waiting on a parity packet
// still in flight — membership in a group persists independently of ring
// eviction (a media packet already delivered to playout still contributes
// its payload to a later recovery), so without this a long-running stream
// would grow b.groups without bound.
func (b *Buffer) trackNewestGroup(idx uint32) {
	if !b.haveNewestGroup || idx > b.newestGroupIdx {
		b.newestGroupIdx = idx
		b.haveNewestGroup = true
	}
	for gi := range b.groups {
		if b.newestGroupIdx-gi > b.maxGroupsBehind {
			delete(b.groups, gi)
		}
	}
}

// Insert stores a media packet, keeping its own copy of the payload. Each
// sequence maps to one slot (seq mod W): if that slot holds a different
// sequence that has not aged past maxWaitMs, it rejects with ErrFull;
// otherwise any occupant is overwritten.
func (b *Buffer) Insert(pkt Packet, nowUs int64) error {
	idx := int(pkt.Seq) % len(b.slots)
	if b.slots[idx].valid {
		occupant := b.slots[idx].pkt
		if occupant.Seq != pkt.Seq && nowUs-occupant.ArrivalUs < b.maxWaitUs {
			return ErrFull
		}
	}
	if pkt.Payload != nil {
		pkt.Payload = append(make([]byte, 0, len(pkt.Payload)), pkt.Payload...)
	}
	b.slots[idx] = slot{valid: true, pkt: pkt}

	g, _, pos := b.groupFor(pkt.Seq)
	g.setMedia(pos, pkt.Seq, pkt.RTPTimestamp, pkt.Payload)
	return nil
}

// InsertParity attaches a parity payload to the FEC group whose base
// sequence is groupBaseSeq (the first media sequence the group covers).
// Per the spec's resolved Open Question, parity always overwrites any
// earlier value for the group so recovery uses the final parity. The
// payload is copied.
func (b *Buffer) InsertParity(groupBaseSeq uint16, payload []byte) {
	if payload != nil {
		payload = append(make([]byte, 0, len(payload)), payload...)
	}
	g, _, _ := b.groupFor(groupBaseSeq)
	g.setParity(payload)
}

// TryPopNext returns the packet at expectedSeq if present; otherwise the
// nearest future packet whose wait has exceeded maxWaitMs; otherwise reports
// not ready.
func (b *Buffer) TryPopNext(expectedSeq uint16, nowUs int64) (Packet, bool) {
	idx := int(expectedSeq) % len(b.slots)
	if s := b.slots[idx]; s.valid && s.pkt.Seq == expectedSeq {
		b.evict(expectedSeq)
		return s.pkt, true
	}

	bestIdx := -1
	bestDist := -1
	for i, s := range b.slots {
		if !s.valid {
			continue
		}
		dist := int(s.pkt.Seq - expectedSeq) // uint16 wraparound distance
		if dist == 0 {
			continue
		}
		if nowUs-s.pkt.ArrivalUs < b.maxWaitUs {
			continue
		}
		if bestIdx == -1 || dist < bestDist {
			bestIdx, bestDist = i, dist
		}
	}
	if bestIdx == -1 {
		return Packet{}, false
	}
	pkt := b.slots[bestIdx].pkt
	b.evict(pkt.Seq)
	return pkt, true
}

// evict frees seq's ring slot for reuse once it has been delivered onward.
// It does not clear the packet's FEC group membership: a group's parity
// covers every member for as long as the group might still need recovery,
// independent of whether an individual member has already reached playout.
func (b *Buffer) evict(seq uint16) {
	idx := int(seq) % len(b.slots)
	if b.slots[idx].valid && b.slots[idx].pkt.Seq == seq {
		b.slots[idx] = slot{}
	}
}

// AttemptFECRecovery tries to reconstruct missingSeq from its group's parity
// and remaining members. On success it increments RecoveredByFEC and
// returns a synthesized packet flagged IsFECRecovered.
func (b *Buffer) AttemptFECRecovery(missingSeq uint16) (Packet, bool) {
	g, _, pos := b.groupFor(missingSeq)
	payload, ts, ok := g.recover(pos, b.framePeriod)
	if !ok {
		return Packet{}, false
	}
	b.RecoveredByFEC++
	return Packet{
		Seq:            missingSeq,
		RTPTimestamp:   ts,
		Payload:        payload,
		IsFECRecovered: true,
	}, true
}
