package codec

import "math/rand"

// PLCMode selects a packet-loss-concealment strategy for Engine.Conceal.
type PLCMode int

const (
	PLCSilence PLCMode = iota
	PLCRepeat
	PLCPattern
	PLCAdvanced
)

func (m PLCMode) String() string {
	switch m {
	case PLCSilence:
		return "silence"
	case PLCRepeat:
		return "repeat"
	case PLCPattern:
		return "pattern"
	case PLCAdvanced:
		return "advanced"
	default:
		return "unknown"
	}
}

// Window sizes lifted directly from original_source/src/audio/audio_quality.h:
// MAX_PREV_SAMPLES bounds how much history pattern-matching may search, and
// PLC_ANALYSIS_WINDOW is the correlation window length.
const (
	MaxPrevSamples      = 960
	AnalysisWindow      = 160
	MaxFadeMS           = 20
)

// plcState holds the rolling history a concealment engine needs: the last
// successfully decoded frame (for Repeat) and a longer sample history (for
// Pattern/Advanced cross-correlation search).
type plcState struct {
	mode              PLCMode
	sampleRate        int
	comfortNoiseLevel int

	lastGood []int16
	history  []int16

	rng *rand.Rand

	consecutiveLoss int
}

func newPLCState(mode PLCMode, sampleRate, comfortNoiseLevel int) *plcState {
	return &plcState{
		mode:              mode,
		sampleRate:        sampleRate,
		comfortNoiseLevel: comfortNoiseLevel,
		rng:               rand.New(rand.NewSource(1)),
	}
}

// RecordGoodFrame feeds a successfully decoded frame into the concealment
// history, resetting the loss streak used for fade-out.
func (p *plcState) RecordGoodFrame(pcm []int16) {
	p.lastGood = append(p.lastGood[:0], pcm...)
	p.history = append(p.history, pcm...)
	if len(p.history) > MaxPrevSamples {
		p.history = p.history[len(p.history)-MaxPrevSamples:]
	}
	p.consecutiveLoss = 0
}

// HasSufficientHistory reports whether enough retained history exists for
// Pattern/Advanced's cross-correlation search. Advanced falls back to the
// codec's own native PLC rather than this package's repeat() when it does
// not (see Engine.Conceal).
func (p *plcState) HasSufficientHistory() bool {
	return len(p.history) >= AnalysisWindow*2
}

// Generate produces frameSize concealment samples per the configured mode.
func (p *plcState) Generate(frameSize int) []int16 {
	p.consecutiveLoss++

	var out []int16
	switch p.mode {
	case PLCSilence:
		out = make([]int16, frameSize)
	case PLCRepeat:
		out = p.repeat(frameSize)
	case PLCPattern:
		out = p.pattern(frameSize, false)
	case PLCAdvanced:
		out = p.pattern(frameSize, true)
	default:
		out = make([]int16, frameSize)
	}
	return out
}

// repeat tiles the last good frame to frameSize samples and fades it toward
// silence over the final MaxFadeMS of audio, worsening with consecutive
// losses so a long outage settles to silence rather than looping forever.
func (p *plcState) repeat(frameSize int) []int16 {
	out := make([]int16, frameSize)
	if len(p.lastGood) == 0 {
		return out
	}
	for i := range out {
		out[i] = p.lastGood[i%len(p.lastGood)]
	}
	p.applyFade(out)
	return out
}

// pattern searches the retained history for the window most correlated with
// the most recent AnalysisWindow samples, then extends that matched region
// forward to fill frameSize — approximating the waveform's pitch period
// rather than a flat repeat. advanced additionally mixes in comfort noise
// scaled by the frame's local energy.
func (p *plcState) pattern(frameSize int, advanced bool) []int16 {
	if len(p.history) < AnalysisWindow*2 {
		return p.repeat(frameSize)
	}

	offset := p.bestMatchOffset()
	out := make([]int16, frameSize)
	for i := range out {
		out[i] = p.history[(offset+i)%len(p.history)]
	}
	p.applyFade(out)
	if advanced {
		p.mixComfortNoise(out)
	}
	p.clampToHistoryPeak(out)
	return out
}

// bestMatchOffset cross-correlates the tail of history (the most recent
// AnalysisWindow samples) against every earlier candidate window and
// returns the offset with the highest inner product — the candidate region
// whose waveform shape best continues what was just heard.
func (p *plcState) bestMatchOffset() int {
	n := len(p.history)
	reference := p.history[n-AnalysisWindow:]

	bestOffset := 0
	var bestScore int64 = -1 << 62
	maxOffset := n - AnalysisWindow
	for off := 0; off < maxOffset; off++ {
		candidate := p.history[off : off+AnalysisWindow]
		score := innerProduct(candidate, reference)
		if score > bestScore {
			bestScore = score
			bestOffset = off
		}
	}
	return bestOffset
}

func innerProduct(a, b []int16) int64 {
	var sum int64
	for i := range a {
		sum += int64(a[i]) * int64(b[i])
	}
	return sum
}

// applyFade ramps the final MaxFadeMS worth of samples linearly to zero,
// with the starting gain reduced for each consecutive lost frame so
// repeated concealment converges to silence.
func (p *plcState) applyFade(pcm []int16) {
	fadeSamples := p.sampleRate * MaxFadeMS / 1000
	if fadeSamples > len(pcm) {
		fadeSamples = len(pcm)
	}
	startGain := 1.0 / float64(p.consecutiveLoss)
	fadeStart := len(pcm) - fadeSamples
	for i := range pcm {
		gain := startGain
		if i >= fadeStart && fadeSamples > 0 {
			frac := 1.0 - float64(i-fadeStart)/float64(fadeSamples)
			gain = startGain * frac
		}
		pcm[i] = int16(float64(pcm[i]) * gain)
	}
}

// mixComfortNoise adds low-level pseudo-random noise scaled by the frame's
// quietness and the configured comfort-noise level, so Advanced conceals
// silence-adjacent losses without a hard edge into digital silence.
func (p *plcState) mixComfortNoise(pcm []int16) {
	if p.comfortNoiseLevel <= 0 || len(pcm) == 0 {
		return
	}
	energyDB := RMSEnergyDB(pcm)
	quietness := clampFloat(energyDB/silenceFloorDB, 0, 1)
	amplitude := float64(p.comfortNoiseLevel) / 100.0 * quietness * 200.0
	for i := range pcm {
		noise := (p.rng.Float64()*2 - 1) * amplitude
		v := float64(pcm[i]) + noise
		pcm[i] = clampInt16(v)
	}
}

// clampToHistoryPeak scales the concealment frame down so it never exceeds
// the peak amplitude of the most recent AnalysisWindow samples of history.
// When that window is all zeros the frame is left unchanged.
func (p *plcState) clampToHistoryPeak(pcm []int16) {
	var peak int32
	for _, s := range p.history[len(p.history)-AnalysisWindow:] {
		if a := abs32(int32(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	var framePeak int32
	for _, s := range pcm {
		if a := abs32(int32(s)); a > framePeak {
			framePeak = a
		}
	}
	if framePeak <= peak {
		return
	}
	scale := float64(peak) / float64(framePeak)
	for i, s := range pcm {
		pcm[i] = int16(float64(s) * scale)
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
