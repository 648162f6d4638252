package reorder

// fecGroup tracks one XOR FEC group of GroupSize contiguous media packets
// plus the one parity packet covering them. No XOR result is cached: recover
// XORs the latest parity against whichever media members are present at the
// time of the call, so recovery always uses the final parity rather than a
// stale snapshot.
type fecGroup struct {
	size int

	mediaSeq  []uint16
	mediaTS   []uint32
	media     [][]byte
	present   int
	maxLen    int

	parity []byte
}

func newFECGroup(size int) *fecGroup {
	return &fecGroup{
		size:     size,
		mediaSeq: make([]uint16, size),
		mediaTS:  make([]uint32, size),
		media:    make([][]byte, size),
	}
}

func (g *fecGroup) setMedia(pos int, seq uint16, ts uint32, payload []byte) {
	if g.media[pos] == nil {
		g.present++
	}
	g.media[pos] = payload
	g.mediaSeq[pos] = seq
	g.mediaTS[pos] = ts
	if len(payload) > g.maxLen {
		g.maxLen = len(payload)
	}
}

func (g *fecGroup) setParity(payload []byte) {
	g.parity = payload
	if len(payload) > g.maxLen {
		g.maxLen = len(payload)
	}
}

// recover reconstructs the media payload at pos, which must currently be
// missing, provided the parity packet has arrived and every other member of
// the group is present. It also interpolates an RTP timestamp for the
// recovered packet using framePeriodTicks (the clock-tick span of one
// codec frame) against any known member's timestamp.
func (g *fecGroup) recover(pos int, framePeriodTicks uint32) ([]byte, uint32, bool) {
	if g.parity == nil {
		return nil, 0, false
	}
	if g.media[pos] != nil {
		return nil, 0, false
	}
	if g.present != g.size-1 {
		return nil, 0, false
	}

	out := make([]byte, g.maxLen)
	copy(out, g.parity)
	for i, m := range g.media {
		if i == pos || m == nil {
			continue
		}
		xorInto(out, m)
	}

	var ts uint32
	found := false
	for i, m := range g.media {
		if m == nil {
			continue
		}
		ts = g.mediaTS[i] + uint32(int32(pos-i))*framePeriodTicks
		found = true
		break
	}
	if !found {
		ts = 0
	}

	return out, ts, true
}

// xorInto XORs src into dst byte-wise, treating any length past src's end as
// zero padding (dst is sized to the group's largest member).
func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
