// Package codec wraps the Opus codec for the receive pipeline's final
// stage (§4.5): decode with in-band FEC assist, conceal genuine loss, and
// adapt the encode-side bitrate and DTX behavior to observed conditions.
package codec

import (
	"fmt"

	"github.com/gobwas/pool/pbytes"
	"github.com/hraban/opus"

	"github.com/pidato/rtpcore/internal/pool"
)

// State is the codec engine's lifecycle, mirroring the Stream's own
// Uninitialized/Ready/Failed progression.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

// FrameClass records whether an encoded frame carried voice, was DTX
// silence, or was synthesized comfort noise. Kept local to this package so
// it doesn't import the root package; session.go maps it onto
// rtpcore.LastFrameType.
type FrameClass int

const (
	FrameVoice FrameClass = iota
	FrameDTX
	FrameComfortNoise
)

// Config mirrors the Opus-side knobs from spec.md §4.5.
type Config struct {
	SampleRate int // 48000
	Channels   int // 1 (mono)
	FrameSize  int // samples per frame, 960 at 48kHz/20ms

	Complexity        int
	InitialBitrateBPS int
	FECEnabled        bool
	DTXEnabled        bool
	VoiceThresholdDB  float64
	ComfortNoiseLevel int // 0-100, Advanced PLC only
	PLCMode           PLCMode
}

// DefaultConfig matches spec.md §4.5's stated operating point.
func DefaultConfig() Config {
	return Config{
		SampleRate:        48000,
		Channels:          1,
		FrameSize:         960,
		Complexity:        10,
		InitialBitrateBPS: 32000,
		FECEnabled:        true,
		DTXEnabled:        true,
		VoiceThresholdDB:  DefaultVoiceThresholdDB,
		ComfortNoiseLevel: 10,
		PLCMode:           PLCAdvanced,
	}
}

// Engine is the per-Stream codec instance: one Opus encoder, one Opus
// decoder, the adaptive bitrate controller, and PLC history. Not safe for
// concurrent use — owned by a single Stream, same as the other pipeline
// stages.
type Engine struct {
	cfg   Config
	state State

	enc *opus.Encoder
	dec *opus.Decoder

	bitrate *bitrateController
	plc     *plcState

	scratch []byte

	FECUsed   uint64
	PLCUsed   uint64
	lastClass FrameClass
}

const maxOpusPacketBytes = 4000

// NewEngine constructs and fully configures the Opus encoder/decoder pair.
// A failure to open either leaves the Engine in StateFailed; callers should
// treat that as fatal for the owning Stream (§4.5 state machine).
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, state: StateFailed}

	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return e, fmt.Errorf("codec: open encoder: %w", err)
	}
	if err := enc.SetComplexity(cfg.Complexity); err != nil {
		return e, fmt.Errorf("codec: set complexity: %w", err)
	}
	if err := enc.SetBitrate(cfg.InitialBitrateBPS); err != nil {
		return e, fmt.Errorf("codec: set bitrate: %w", err)
	}
	if err := enc.SetInBandFEC(cfg.FECEnabled); err != nil {
		return e, fmt.Errorf("codec: set FEC: %w", err)
	}
	if err := enc.SetDTX(cfg.DTXEnabled); err != nil {
		return e, fmt.Errorf("codec: set DTX: %w", err)
	}

	dec, err := opus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return e, fmt.Errorf("codec: open decoder: %w", err)
	}

	e.enc = enc
	e.dec = dec
	e.bitrate = newBitrateController(cfg.InitialBitrateBPS)
	e.plc = newPLCState(cfg.PLCMode, cfg.SampleRate, cfg.ComfortNoiseLevel)
	e.scratch = pbytes.GetLen(maxOpusPacketBytes)
	e.state = StateReady
	return e, nil
}

// Close releases the scratch buffer back to its pool. The underlying
// cgo encoder/decoder are reclaimed by the Go garbage collector per
// hraban/opus's finalizer-based lifecycle.
func (e *Engine) Close() {
	if e.scratch != nil {
		pbytes.Put(e.scratch)
		e.scratch = nil
	}
	e.state = StateUninitialized
}

func (e *Engine) State() State { return e.state }

// FrameDurationMS returns how many milliseconds of audio one frame covers.
func (e *Engine) FrameDurationMS() float64 {
	return float64(e.cfg.FrameSize) * 1000.0 / float64(e.cfg.SampleRate)
}

// CurrentBitrateBPS returns the adaptive controller's present target.
func (e *Engine) CurrentBitrateBPS() int { return e.bitrate.Current() }

// LastFrameClass reports how the most recent Encode call classified the
// frame, or FrameComfortNoise after a Conceal in Advanced mode.
func (e *Engine) LastFrameClass() FrameClass { return e.lastClass }

// Encode applies one step of bitrate adaptation for the given observed
// loss rate, classifies the frame as voice/DTX, and encodes it.
func (e *Engine) Encode(pcm []int16, lossRate float64) ([]byte, error) {
	if e.state != StateReady {
		return nil, fmt.Errorf("codec: encode on non-ready engine")
	}

	target := e.bitrate.Update(lossRate)
	if err := e.enc.SetBitrate(target); err != nil {
		e.state = StateFailed
		return nil, fmt.Errorf("codec: adapt bitrate: %w", err)
	}
	if err := e.enc.SetPacketLossPerc(int(lossRate * 100)); err != nil {
		e.state = StateFailed
		return nil, fmt.Errorf("codec: set packet loss hint: %w", err)
	}

	if e.cfg.DTXEnabled && !IsVoice(pcm, e.cfg.VoiceThresholdDB) {
		e.lastClass = FrameDTX
	} else {
		e.lastClass = FrameVoice
	}

	n, err := e.enc.Encode(pcm, e.scratch)
	if err != nil {
		e.state = StateFailed
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.scratch[:n])
	return out, nil
}

// Decode decodes one media payload and records it as concealment history.
// The cgo decode destination is borrowed from the pool rather than
// allocated fresh each call; the slice handed back to the caller is always
// its own exact-length copy, so callers never need to return it.
func (e *Engine) Decode(payload []byte) ([]int16, error) {
	if e.state != StateReady {
		return nil, fmt.Errorf("codec: decode on non-ready engine")
	}
	scratch := pool.GetPCM(e.cfg.FrameSize)
	defer pool.PutPCM(scratch)

	n, err := e.dec.Decode(payload, scratch)
	if err != nil {
		e.state = StateFailed
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	out := make([]int16, n)
	copy(out, scratch[:n])
	e.plc.RecordGoodFrame(out)
	return out, nil
}

// DecodeFEC recovers the frame preceding nextPayload from its embedded
// in-band FEC data, when the encoder produced it. Used in place of
// Conceal when the following packet has already arrived.
func (e *Engine) DecodeFEC(nextPayload []byte) ([]int16, error) {
	if e.state != StateReady {
		return nil, fmt.Errorf("codec: decode-fec on non-ready engine")
	}
	scratch := pool.GetPCM(e.cfg.FrameSize)
	defer pool.PutPCM(scratch)

	if err := e.dec.DecodeFEC(nextPayload, scratch); err != nil {
		return nil, fmt.Errorf("codec: decode fec: %w", err)
	}
	out := make([]int16, e.cfg.FrameSize)
	copy(out, scratch)
	e.FECUsed++
	e.plc.RecordGoodFrame(out)
	return out, nil
}

// Conceal synthesizes a replacement frame using the configured PLC mode,
// for a loss with no usable FEC data.
func (e *Engine) Conceal() []int16 {
	e.PLCUsed++
	if e.cfg.PLCMode == PLCAdvanced {
		e.lastClass = FrameComfortNoise
		if !e.plc.HasSufficientHistory() {
			if out, err := e.nativePLC(); err == nil {
				return out
			}
		}
	}
	return e.plc.Generate(e.cfg.FrameSize)
}

// nativePLC invokes libopus's own packet-loss concealment (decode with a nil
// payload) for Advanced mode's no-history case, per spec.md §4.5.
func (e *Engine) nativePLC() ([]int16, error) {
	scratch := pool.GetPCM(e.cfg.FrameSize)
	defer pool.PutPCM(scratch)

	n, err := e.dec.Decode(nil, scratch)
	if err != nil {
		return nil, fmt.Errorf("codec: native plc: %w", err)
	}
	out := make([]int16, n)
	copy(out, scratch[:n])
	e.plc.RecordGoodFrame(out)
	return out, nil
}
