// Package seqts implements the RFC-3550-style sequence and timestamp state
// machine for a single RTP source: extended-sequence tracking across 16-bit
// wraps, a probation period for freshly seen sources, loss accounting, and
// the inter-arrival jitter estimator.
package seqts

// Tunables, defaults per spec.
const (
	MinSequential  = 2     // probation packets required before trusting a source
	MaxDropout     = 3000  // forward udelta still considered in-order
	MaxMisorder    = 100   // backward window still considered reorder, not a restart
	SeqMod         = 1 << 16
	dedupeHistory  = 32    // default sequence_history_size
	jitterGain     = 16    // RFC 3550 §6.4.1, gain 1/16
	smoothedGain   = 8     // gain 1/8 used for jitter-buffer sizing
	spikeThreshold = 100   // d > clockRate/spikeThreshold triggers a jitter spike
	tsToleranceDiv = 100   // 10ms-equivalent tolerance window: clockRate/tsToleranceDiv
	framePeriodDiv = 50    // 20ms frame period: clockRate/framePeriodDiv
)

// Verdict classifies how Accept handled one packet.
type Verdict int

const (
	VerdictProbation Verdict = iota
	VerdictProbationReset
	VerdictInOrder
	VerdictOutOfOrder
	VerdictRestart
	VerdictStale
	VerdictDuplicate
)

func (v Verdict) String() string {
	switch v {
	case VerdictProbation:
		return "Probation"
	case VerdictProbationReset:
		return "ProbationReset"
	case VerdictInOrder:
		return "InOrder"
	case VerdictOutOfOrder:
		return "OutOfOrder"
	case VerdictRestart:
		return "Restart"
	case VerdictStale:
		return "Stale"
	case VerdictDuplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}

// Result is what Accept reports for one packet.
type Result struct {
	Verdict       Verdict
	ExtendedSeq   uint32
	RTPTimestamp  uint32 // possibly corrected
	TSCorrected   bool
	JitterMS      float64
}

// dedupeWindow is a small ring of recently accepted extended sequence
// numbers, used to catch duplicate delivery that a pure udelta check would
// miss (e.g. a retransmitted packet arriving just outside the immediate
// in-order slot). Grounded on original_source's is_sequence_out_of_order.
type dedupeWindow struct {
	seen []uint32
	head int
	full bool
}

func newDedupeWindow(n int) *dedupeWindow {
	if n <= 0 {
		n = dedupeHistory
	}
	return &dedupeWindow{seen: make([]uint32, n)}
}

func (d *dedupeWindow) contains(ext uint32) bool {
	n := len(d.seen)
	if !d.full {
		n = d.head
	}
	for i := 0; i < n; i++ {
		if d.seen[i] == ext {
			return true
		}
	}
	return false
}

func (d *dedupeWindow) add(ext uint32) {
	d.seen[d.head] = ext
	d.head++
	if d.head == len(d.seen) {
		d.head = 0
		d.full = true
	}
}

// Machine tracks one Stream's sequence and timestamp state.
type Machine struct {
	ClockRate uint32

	probation int
	started   bool

	baseSeq uint16
	maxSeq  uint16
	cycles  uint32
	badSeq  uint32

	received uint64

	lastRTPTS     uint32
	lastArrivalUs int64
	haveTiming    bool
	transit       int64
	jitter        float64
	smoothedMS    float64
	maxJitterMS   float64

	dedupe *dedupeWindow

	PacketsReceived     uint64
	LostPackets         int64
	OutOfOrder          uint64
	Duplicates          uint64
	JitterSpikes        uint64
	CorrectedTimestamps uint64
}

// New creates a fresh Machine for a source running at clockRate Hz.
func New(clockRate uint32) *Machine {
	return &Machine{
		ClockRate: clockRate,
		probation: MinSequential,
		dedupe:    newDedupeWindow(dedupeHistory),
	}
}

// BaseSeq, MaxSeq, Cycles expose state for invariant checks and tests.
func (m *Machine) BaseSeq() uint16 { return m.baseSeq }
func (m *Machine) MaxSeq() uint16  { return m.maxSeq }
func (m *Machine) Cycles() uint32  { return m.cycles }
func (m *Machine) Received() uint64 { return m.received }
func (m *Machine) InProbation() bool { return m.probation > 0 }

// Expected returns the number of packets expected since base, per §4.2.
func (m *Machine) Expected() uint64 {
	return uint64(m.cycles) + uint64(m.maxSeq) - uint64(m.baseSeq) + 1
}

// Accept validates one packet's sequence number and timestamp, updates all
// derived counters, and reports the verdict. arrivalUs is the monotonic
// arrival time in microseconds.
func (m *Machine) Accept(seq uint16, rtpTS uint32, arrivalUs int64) Result {
	if !m.started {
		return m.acceptFirst(seq, rtpTS, arrivalUs)
	}
	if m.probation > 0 {
		return m.acceptProbation(seq, rtpTS, arrivalUs)
	}
	return m.acceptSteady(seq, rtpTS, arrivalUs)
}

func (m *Machine) acceptFirst(seq uint16, rtpTS uint32, arrivalUs int64) Result {
	m.started = true
	m.maxSeq = seq
	m.baseSeq = seq
	m.probation--
	m.recordTiming(rtpTS, arrivalUs)
	m.PacketsReceived++
	if m.probation == 0 {
		// A single packet satisfies MinSequential==1 in degenerate configs.
		// RFC 3550's update_seq calls init_seq (received = 0) and then
		// counts the transition packet itself (received++), so the base
		// position is not left one short of Expected().
		m.baseSeq = m.maxSeq
		m.received = 0
		m.cycles = 0
		m.received++
		return Result{Verdict: VerdictProbation, RTPTimestamp: rtpTS}
	}
	return Result{Verdict: VerdictProbation, RTPTimestamp: rtpTS}
}

func (m *Machine) acceptProbation(seq uint16, rtpTS uint32, arrivalUs int64) Result {
	if seq == m.maxSeq+1 {
		m.probation--
		m.maxSeq = seq
		m.recordTiming(rtpTS, arrivalUs)
		m.PacketsReceived++
		if m.probation == 0 {
			// Same RFC 3550 init_seq-then-count-this-packet sequence as
			// acceptFirst's completion branch.
			m.baseSeq = m.maxSeq
			m.received = 0
			m.cycles = 0
			m.received++
			m.dedupe.add(m.cycles + uint32(seq))
			return Result{Verdict: VerdictProbation, RTPTimestamp: rtpTS}
		}
		return Result{Verdict: VerdictProbation, RTPTimestamp: rtpTS}
	}
	// Out-of-sequence during probation: reset per spec's resolved Open
	// Question — adopt the new sequence as max_seq, do not roll back.
	m.probation = MinSequential - 1
	m.maxSeq = seq
	m.PacketsReceived++
	return Result{Verdict: VerdictProbationReset, RTPTimestamp: rtpTS}
}

func (m *Machine) acceptSteady(seq uint16, rtpTS uint32, arrivalUs int64) Result {
	udelta := seq - m.maxSeq // uint16 wraparound subtraction == mod 2^16

	switch {
	case udelta == 0:
		m.Duplicates++
		return Result{Verdict: VerdictDuplicate, RTPTimestamp: rtpTS}

	case udelta < MaxDropout:
		ext := m.cycles + uint32(seq)
		if seq < m.maxSeq {
			m.cycles += SeqMod
			ext = m.cycles + uint32(seq)
		}
		if m.dedupe.contains(ext) {
			return Result{Verdict: VerdictDuplicate, RTPTimestamp: rtpTS}
		}
		m.maxSeq = seq
		m.received++
		m.PacketsReceived++
		m.dedupe.add(ext)
		corrected, wasCorrected := m.correctTimestamp(rtpTS, arrivalUs)
		jms := m.updateJitter(corrected, arrivalUs)
		m.recalcLoss()
		return Result{
			Verdict:      VerdictInOrder,
			ExtendedSeq:  ext,
			RTPTimestamp: corrected,
			TSCorrected:  wasCorrected,
			JitterMS:     jms,
		}

	case udelta > uint16(SeqMod-MaxMisorder):
		ext := m.cycles + uint32(seq)
		if m.dedupe.contains(ext) {
			m.Duplicates++
			return Result{Verdict: VerdictDuplicate, RTPTimestamp: rtpTS}
		}
		m.OutOfOrder++
		m.received++
		m.PacketsReceived++
		m.dedupe.add(ext)
		m.recalcLoss()
		return Result{Verdict: VerdictOutOfOrder, ExtendedSeq: ext, RTPTimestamp: rtpTS}

	default:
		if seq == uint16(m.badSeq) {
			m.baseSeq = seq
			m.maxSeq = seq
			m.cycles = 0
			m.received = 1
			m.PacketsReceived++
			m.dedupe = newDedupeWindow(dedupeHistory)
			m.dedupe.add(uint32(seq))
			m.recalcLoss()
			return Result{Verdict: VerdictRestart, ExtendedSeq: uint32(seq), RTPTimestamp: rtpTS}
		}
		m.badSeq = (uint32(seq) + 1) & (SeqMod - 1)
		return Result{Verdict: VerdictStale, RTPTimestamp: rtpTS}
	}
}

func (m *Machine) recalcLoss() {
	expected := m.Expected()
	lost := int64(expected) - int64(m.received) - int64(m.Duplicates)
	m.LostPackets = lost
}

func (m *Machine) recordTiming(rtpTS uint32, arrivalUs int64) {
	m.lastRTPTS = rtpTS
	m.lastArrivalUs = arrivalUs
	m.haveTiming = true
}

// correctTimestamp implements §4.2's timestamp sanity check.
func (m *Machine) correctTimestamp(rtpTS uint32, arrivalUs int64) (uint32, bool) {
	if !m.haveTiming || m.ClockRate == 0 {
		m.recordTiming(rtpTS, arrivalUs)
		return rtpTS, false
	}

	arrivalDeltaMs := float64(arrivalUs-m.lastArrivalUs) / 1000.0
	expectedTS := m.lastRTPTS + uint32(int64(float64(m.ClockRate)/1000.0*arrivalDeltaMs))

	diff := int64(rtpTS) - int64(expectedTS)
	if diff < 0 {
		diff = -diff
	}
	tolerance := int64(m.ClockRate) / tsToleranceDiv
	framePeriod := int64(m.ClockRate) / framePeriodDiv

	corrected := rtpTS
	wasCorrected := false
	if diff > tolerance {
		alignsToFramePeriod := framePeriod > 0 && diff%framePeriod == 0
		if !alignsToFramePeriod {
			corrected = expectedTS
			wasCorrected = true
			m.CorrectedTimestamps++
		}
	}

	m.recordTiming(corrected, arrivalUs)
	return corrected, wasCorrected
}

// updateJitter implements the RFC 3550 §6.4.1 EWMA plus the spec's
// smoothed-jitter EWMA used for jitter-buffer sizing. Returns jitter in ms.
func (m *Machine) updateJitter(rtpTS uint32, arrivalUs int64) float64 {
	if m.ClockRate == 0 {
		return 0
	}
	arrivalTicks := arrivalUs * int64(m.ClockRate) / 1_000_000
	transit := arrivalTicks - int64(rtpTS)

	if m.transit != 0 || m.jitter != 0 {
		d := transit - m.transit
		if d < 0 {
			d = -d
		}
		m.jitter += (float64(d) - m.jitter) / jitterGain
		if d > int64(m.ClockRate)/spikeThreshold {
			m.JitterSpikes++
		}
	}
	m.transit = transit

	jitterMS := m.jitter / float64(m.ClockRate) * 1000.0
	m.smoothedMS += (jitterMS - m.smoothedMS) / smoothedGain
	if jitterMS > m.maxJitterMS {
		m.maxJitterMS = jitterMS
	}
	return jitterMS
}

// JitterMS returns the raw (non-smoothed) current jitter estimate in ms.
func (m *Machine) JitterMS() float64 {
	if m.ClockRate == 0 {
		return 0
	}
	return m.jitter / float64(m.ClockRate) * 1000.0
}

// SmoothedJitterMS returns the buffer-sizing EWMA (gain 1/8).
func (m *Machine) SmoothedJitterMS() float64 { return m.smoothedMS }

// MaxJitterMS returns the highest jitter value observed so far.
func (m *Machine) MaxJitterMS() float64 { return m.maxJitterMS }
