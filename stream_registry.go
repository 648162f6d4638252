package rtpcore

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pidato/rtpcore/internal/codec"
	"github.com/pidato/rtpcore/internal/jitter"
	"github.com/pidato/rtpcore/internal/reorder"
	"github.com/pidato/rtpcore/internal/seqts"
)

// Direction distinguishes the two legs of a monitored call.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// DefaultMaxStreams is the per-session capacity bound from §4.1.
const DefaultMaxStreams = 32

// DefaultInactivityTimeout evicts a Stream that has gone silent (§5).
const DefaultInactivityTimeout = 30 * time.Second

// FiveTuple identifies one media flow on the wire.
type FiveTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// StreamKey is the Stream Registry's hash/compare key: the five-tuple plus
// SSRC and direction (§4.1). Addresses are normalized before a StreamKey is
// built so NAT64-embedded and bare IPv4 forms of the same address collide.
type StreamKey struct {
	Tuple     FiveTuple
	SSRC      uint32
	Direction Direction
}

// normalizeAddr maps an IPv4-embedded IPv6 address down to its plain IPv4
// form so two wire representations of one address key identically, per
// §4.1: IPv4-mapped (::ffff:a.b.c.d) addresses and addresses under the
// NAT64 well-known prefix 64:ff9b::/96. Plain stdlib net/netip is used
// here — nothing in the example pack carries a dedicated IP-normalization
// library, and netip.Addr already exposes unmapping and prefix matching.
func normalizeAddr(a netip.Addr) netip.Addr {
	if a.Is4In6() {
		return a.Unmap()
	}
	if netip.MustParsePrefix("64:ff9b::/96").Contains(a) {
		b := a.As16()
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
	}
	return a
}

// NewFiveTuple builds a FiveTuple with both addresses normalized.
func NewFiveTuple(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) FiveTuple {
	return FiveTuple{
		LocalAddr:  normalizeAddr(localAddr),
		LocalPort:  localPort,
		RemoteAddr: normalizeAddr(remoteAddr),
		RemotePort: remotePort,
	}
}

// StreamParams configures per-payload-type codec and pipeline behavior,
// supplied at session open (§6).
type StreamParams struct {
	ClockRateHz   uint32
	CodecConfig   codec.Config
	ReorderWindow int
	FECGroupSize  int
	MaxReorderWaitMS int
	Jitter        jitter.Config
}

// Stream is the shared per-flow state §3 describes: identity, the
// sequence/timestamp machine, the owned reorder and jitter buffers, and
// the owned codec engine. A Stream is never accessed by more than one
// goroutine at a time (§5); the Registry hands out pointers and itself only
// updates a Stream's activity time, reads its counters for snapshots, and
// closes its codec on session close.
type Stream struct {
	Key       StreamKey
	PayloadType uint8
	ClockRateHz uint32

	Seq    *seqts.Machine
	Reorder *reorder.Buffer
	Jitter  *jitter.Buffer
	Codec   *codec.Engine

	nextExpectedSeq uint16
	haveExpected    bool

	nextPlayoutSeq uint16
	havePlayout    bool

	lastSeenAt time.Time

	Failed bool

	stats Stats
}

func newStream(key StreamKey, payloadType uint8, params StreamParams, now time.Time) (*Stream, error) {
	eng, err := codec.NewEngine(params.CodecConfig)
	if err != nil {
		return nil, err
	}
	framePeriodTicks := params.ClockRateHz / 50
	return &Stream{
		Key:         key,
		PayloadType: payloadType,
		ClockRateHz: params.ClockRateHz,
		Seq:         seqts.New(params.ClockRateHz),
		Reorder:     reorder.New(params.ReorderWindow, params.FECGroupSize, params.MaxReorderWaitMS, framePeriodTicks),
		Jitter:      jitter.New(params.Jitter),
		Codec:       eng,
		lastSeenAt:  now,
	}, nil
}

// touch marks the stream as having seen activity, for inactivity eviction.
func (s *Stream) touch(now time.Time) { s.lastSeenAt = now }

func (s *Stream) idleSince(now time.Time) time.Duration { return now.Sub(s.lastSeenAt) }

// Snapshot copies this Stream's counters, deriving the fields that are
// computed rather than stored (§6 Stats snapshot fields).
func (s *Stream) Snapshot() Stats {
	st := s.stats
	st.PacketsReceived = s.Seq.PacketsReceived
	st.PacketsLost = s.Seq.LostPackets
	st.OutOfOrder = s.Seq.OutOfOrder
	st.Duplicates = s.Seq.Duplicates
	st.JitterSpikes = s.Seq.JitterSpikes
	st.CorrectedTimestamps = s.Seq.CorrectedTimestamps
	st.CurrentJitterMS = s.Seq.JitterMS()
	st.MaxJitterMS = s.Seq.MaxJitterMS()
	st.BufferSizeMS = s.Jitter.BufferSizeMS()
	st.BufferTargetMS = s.Jitter.TargetDelayMS()
	st.RecoveredByFEC = s.Reorder.RecoveredByFEC
	st.PacketLossRate = lossRate(s.Seq.LostPackets, s.Seq.Received())
	st.CurrentBitrateBPS = s.Codec.CurrentBitrateBPS()
	st.PLCUsed = s.Codec.PLCUsed
	st.FECUsed = s.Codec.FECUsed
	switch s.Codec.LastFrameClass() {
	case codec.FrameDTX:
		st.LastFrameType = LastFrameDtx
	case codec.FrameComfortNoise:
		st.LastFrameType = LastFrameComfortNoise
	default:
		st.LastFrameType = LastFrameVoice
	}
	return st
}

// Registry is the Stream Registry (§4.1): one coarse lock protects
// find-or-create, find, close-session, and snapshot across all Streams of
// a session. Snapshot and CloseSession also read each Stream's counters
// (and CloseSession closes its codec) while holding this lock.
type Registry struct {
	mu                sync.RWMutex
	streams           map[StreamKey]*Stream
	maxStreams        int
	inactivityTimeout time.Duration
}

// NewRegistry creates an empty registry bounded to maxStreams entries.
func NewRegistry(maxStreams int, inactivityTimeout time.Duration) *Registry {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	return &Registry{
		streams:           make(map[StreamKey]*Stream),
		maxStreams:        maxStreams,
		inactivityTimeout: inactivityTimeout,
	}
}

// FindOrCreate returns the Stream for key, creating it with params if this
// is the first packet seen for the flow. Fails with ErrTooManyStreams once
// the registry is at capacity.
func (r *Registry) FindOrCreate(key StreamKey, payloadType uint8, params StreamParams, now time.Time) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[key]; ok {
		s.touch(now)
		return s, nil
	}
	if len(r.streams) >= r.maxStreams {
		return nil, ErrTooManyStreams
	}
	s, err := newStream(key, payloadType, params, now)
	if err != nil {
		return nil, ErrCodecFailed
	}
	r.streams[key] = s
	return s, nil
}

// Find returns the Stream for key without creating one.
func (r *Registry) Find(key StreamKey) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// EvictInactive removes and returns streams that have been silent longer
// than the registry's inactivity timeout (§5).
func (r *Registry) EvictInactive(now time.Time) []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []*Stream
	for k, s := range r.streams {
		if s.idleSince(now) >= r.inactivityTimeout {
			evicted = append(evicted, s)
			delete(r.streams, k)
		}
	}
	return evicted
}

// CloseSession destroys every Stream and returns a final snapshot of each
// (§4.1, §6 close_session).
func (r *Registry) CloseSession() []FinalStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	final := make([]FinalStats, 0, len(r.streams))
	for key, s := range r.streams {
		final = append(final, FinalStats{Key: key, Stats: s.Snapshot()})
		s.Codec.Close()
	}
	r.streams = make(map[StreamKey]*Stream)
	return final
}

// Snapshot copies every live Stream's counters, for the session-wide
// snapshot call (§6).
func (r *Registry) Snapshot() map[StreamKey]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[StreamKey]Stats, len(r.streams))
	for k, s := range r.streams {
		out[k] = s.Snapshot()
	}
	return out
}

// Len reports the number of live streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
