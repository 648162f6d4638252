package rtpcore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pidato/rtpcore/internal/jitter"
	"github.com/pidato/rtpcore/internal/reorder"
	"github.com/pidato/rtpcore/internal/rtpwire"
	"github.com/pidato/rtpcore/internal/seqts"
)

// SessionHandle identifies one open monitoring session (§6 open_session).
type SessionHandle = uuid.UUID

// Params configures a session at open time: per-payload-type stream
// parameters plus registry-wide bounds (§6).
type Params struct {
	// Streams maps a negotiated RTP payload type to the pipeline
	// configuration for flows using it.
	Streams map[uint8]StreamParams

	// FECPayloadTypes optionally designates certain payload types as
	// carrying XOR parity rather than media for a given media payload
	// type. A parity packet's RTP sequence number is the base sequence
	// of the media group it protects — a wire convention this session
	// layer assumes since the specification does not fix one.
	FECPayloadTypes map[uint8]uint8 // media PT -> FEC PT

	MaxStreams        int
	InactivityTimeout time.Duration
}

// Session is the open handle returned by OpenSession: one Stream Registry
// plus the stream parameters needed to lazily construct new Streams.
type Session struct {
	ID     SessionHandle
	params Params

	registry *Registry

	mu     sync.Mutex
	closed bool
}

// OpenSession validates params and returns a ready session handle.
func OpenSession(params Params) (*Session, error) {
	if len(params.Streams) == 0 {
		return nil, fmt.Errorf("rtpcore: open session: %w: no stream parameters configured", ErrOutOfMemory)
	}
	return &Session{
		ID:       uuid.New(),
		params:   params,
		registry: NewRegistry(params.MaxStreams, params.InactivityTimeout),
	}, nil
}

func (s *Session) fecPayloadTypeFor(mediaPT uint8) (uint8, bool) {
	pt, ok := s.params.FECPayloadTypes[mediaPT]
	return pt, ok
}

// mediaPTForFEC reverse-looks-up which media payload type an FEC payload
// type protects.
func (s *Session) mediaPTForFEC(fecPT uint8) (uint8, bool) {
	for media, fec := range s.params.FECPayloadTypes {
		if fec == fecPT {
			return media, true
		}
	}
	return 0, false
}

// OnRTPPacket ingests one raw RTP packet for the flow identified by tuple,
// ssrc, and direction (§6). Never blocks and never returns a propagating
// error — malformed input and backpressure are folded into the Outcome.
func (s *Session) OnRTPPacket(arrivalUs int64, tuple FiveTuple, ssrc uint32, direction Direction, raw []byte) Outcome {
	if s.isClosed() {
		return Failed
	}

	pkt, err := rtpwire.Parse(raw)
	if err != nil {
		return Failed
	}

	mediaPT := pkt.PayloadType
	isParity := false
	if mPT, ok := s.mediaPTForFEC(pkt.PayloadType); ok {
		mediaPT, isParity = mPT, true
	}

	sp, ok := s.params.Streams[mediaPT]
	if !ok {
		return Failed
	}

	key := StreamKey{Tuple: tuple, SSRC: ssrc, Direction: direction}
	now := time.UnixMicro(arrivalUs)
	stream, err := s.registry.FindOrCreate(key, mediaPT, sp, now)
	if err != nil {
		return Failed
	}
	if stream.Failed {
		return Failed
	}

	if isParity {
		stream.Reorder.InsertParity(pkt.SequenceNumber, pkt.Payload)
		if s.tryRecoverGroup(stream, pkt.SequenceNumber, arrivalUs) {
			s.drainReorderToJitter(stream, arrivalUs)
			return Recovered
		}
		return Accepted
	}

	res := stream.Seq.Accept(pkt.SequenceNumber, pkt.Timestamp, arrivalUs)
	switch res.Verdict {
	case seqts.VerdictStale:
		return DroppedStaleOutcome
	case seqts.VerdictDuplicate:
		return DroppedDuplicateOutcome
	}

	// Every other verdict — including the two probation verdicts — still
	// carries real media that must reach the reorder/FEC buffer and,
	// eventually, playout: probation only gates when counters become
	// trustworthy, not whether audio flows (§4.2, §4.3).
	if !stream.haveExpected {
		stream.nextExpectedSeq = pkt.SequenceNumber
		stream.haveExpected = true
	}
	if err := stream.Reorder.Insert(reorder.Packet{
		Seq:          pkt.SequenceNumber,
		ExtendedSeq:  res.ExtendedSeq,
		RTPTimestamp: res.RTPTimestamp,
		ArrivalUs:    arrivalUs,
		Payload:      pkt.Payload,
	}, arrivalUs); err != nil {
		return Failed
	}

	recovered := s.tryRecoverGroup(stream, pkt.SequenceNumber, arrivalUs)
	s.drainReorderToJitter(stream, arrivalUs)

	if recovered {
		return Recovered
	}
	if res.Verdict == seqts.VerdictOutOfOrder {
		return OutOfOrderBuffered
	}
	return Accepted
}

// tryRecoverGroup attempts FEC recovery for every position in the group
// seq belongs to. Recovery only succeeds for a group with exactly one
// missing position (recover() refuses filled slots and groups with more
// than one gap), so this is safe to call speculatively after every insert.
func (s *Session) tryRecoverGroup(stream *Stream, seq uint16, arrivalUs int64) bool {
	groupSize := stream.Reorder.GroupSize()
	groupBase := seq - seq%uint16(groupSize)
	recoveredAny := false
	for off := 0; off < groupSize; off++ {
		candidate := groupBase + uint16(off)
		if rec, ok := stream.Reorder.AttemptFECRecovery(candidate); ok {
			_ = stream.Reorder.Insert(rec, arrivalUs)
			recoveredAny = true
		}
	}
	return recoveredAny
}

// drainReorderToJitter moves every consecutively-ready packet from the
// reorder window into the jitter buffer, advancing the stream's expected
// sequence as it goes (§2's arrival-path pipeline: reorder → jitter).
func (s *Session) drainReorderToJitter(stream *Stream, nowUs int64) {
	if !stream.haveExpected {
		return
	}
	for {
		pkt, ok := stream.Reorder.TryPopNext(stream.nextExpectedSeq, nowUs)
		if !ok {
			return
		}
		entry := jitter.Entry{
			Seq:            pkt.Seq,
			RTPTimestamp:   pkt.RTPTimestamp,
			ArrivalUs:      pkt.ArrivalUs,
			Payload:        pkt.Payload,
			IsFECRecovered: pkt.IsFECRecovered,
		}
		// Overflow is silently absorbed here: jitter.Buffer.Insert already
		// counts it in LostPackets, matching the data-path error policy of
		// never propagating past the triggering packet.
		_ = stream.Jitter.Insert(entry, stream.Seq.SmoothedJitterMS())
		stream.nextExpectedSeq = pkt.Seq + 1
	}
}

// NextPlayoutFrame pulls one frame's worth of PCM for the given stream
// (§6 next_playout_frame).
func (s *Session) NextPlayoutFrame(key StreamKey, nowUs int64) (FrameKind, []int16, error) {
	stream, ok := s.registry.Find(key)
	if !ok {
		return NotReady, nil, ErrUnknownStream
	}
	if stream.Failed {
		return NotReady, nil, ErrCodecFailed
	}

	stream.Jitter.Adapt(stream.Seq.SmoothedJitterMS(), lossRate(stream.Seq.LostPackets, stream.Seq.Received()))

	head, haveHead := stream.Jitter.Peek()
	if !haveHead {
		return NotReady, nil, nil
	}
	if !stream.havePlayout {
		stream.nextPlayoutSeq = head.Seq
		stream.havePlayout = true
	}

	// A gap between the buffer's head and the sequence due for playout
	// means the reorder stage already gave up on those positions (its own
	// max-wait skip-ahead, or an unrecoverable multi-loss FEC group) — they
	// will never arrive. §4.5's middle decode path applies first: if the
	// packet immediately after the gap is already buffered, its payload may
	// carry in-band FEC data for the missing frame directly preceding it.
	// Only the one immediately-following packet can help this way, so this
	// is tried once per missing position, falling back to PLC otherwise.
	if head.Seq != stream.nextPlayoutSeq {
		if head.Seq == stream.nextPlayoutSeq+1 {
			if pcm, err := stream.Codec.DecodeFEC(head.Payload); err == nil {
				stream.nextPlayoutSeq++
				return Fec, pcm, nil
			}
		}
		pcm := stream.Codec.Conceal()
		stream.stats.ConcealedMS += uint64(stream.Codec.FrameDurationMS())
		stream.nextPlayoutSeq++
		return Plc, pcm, nil
	}

	res := stream.Jitter.GetNext(nowUs)
	if !res.Ready {
		return NotReady, nil, nil
	}
	stream.nextPlayoutSeq = res.Entry.Seq + 1

	if res.Late {
		pcm := stream.Codec.Conceal()
		stream.stats.ConcealedMS += uint64(stream.Codec.FrameDurationMS())
		return Plc, pcm, nil
	}

	pcm, err := stream.Codec.Decode(res.Entry.Payload)
	if err != nil {
		stream.Failed = true
		return NotReady, nil, ErrCodecFailed
	}

	if res.Entry.IsFECRecovered {
		return Fec, pcm, nil
	}
	return Decoded, pcm, nil
}

// Snapshot copies every stream's counters (§6 snapshot). Safe to call from
// any goroutine.
func (s *Session) Snapshot() map[StreamKey]Stats {
	return s.registry.Snapshot()
}

// EvictInactive drops streams that have been silent past the configured
// inactivity timeout (§5).
func (s *Session) EvictInactive(now time.Time) []*Stream {
	return s.registry.EvictInactive(now)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseSession destroys every stream and returns their final statistics
// (§6 close_session).
func (s *Session) CloseSession() []FinalStats {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.registry.CloseSession()
}
