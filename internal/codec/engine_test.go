package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVoiceActivityThreshold(t *testing.T) {
	silence := make([]int16, 960)
	assert.False(t, IsVoice(silence, DefaultVoiceThresholdDB))

	loud := make([]int16, 960)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 20000
		} else {
			loud[i] = -20000
		}
	}
	assert.True(t, IsVoice(loud, DefaultVoiceThresholdDB))
}

func TestBitrateControllerStepsAndClamps(t *testing.T) {
	c := newBitrateController(32000)

	c.Update(0.2) // above high threshold
	assert.Equal(t, 31000, c.Current())

	c.Update(0.005) // below low threshold
	assert.Equal(t, 32000, c.Current())

	c.Update(0.05) // inside the dead zone: no change
	assert.Equal(t, 32000, c.Current())

	for i := 0; i < 100; i++ {
		c.Update(0.2)
	}
	assert.Equal(t, MinBitrateBPS, c.Current())

	for i := 0; i < 100; i++ {
		c.Update(0.0)
	}
	assert.Equal(t, MaxBitrateBPS, c.Current())
}

func TestPLCSilenceModeProducesZeroedFrame(t *testing.T) {
	p := newPLCState(PLCSilence, 48000, 0)
	out := p.Generate(960)
	assert.Len(t, out, 960)
	for _, s := range out {
		assert.Zero(t, s)
	}
}

func TestPLCRepeatModeTilesLastGoodFrame(t *testing.T) {
	p := newPLCState(PLCRepeat, 48000, 0)
	good := make([]int16, 960)
	for i := range good {
		good[i] = 1000
	}
	p.RecordGoodFrame(good)

	out := p.Generate(960)
	assert.Len(t, out, 960)
	// At 48kHz the 20ms fade spans the whole frame, but its first sample
	// carries the full first-loss gain of 1.0, so it matches the source.
	assert.InDelta(t, 1000, out[0], 1)
}

func TestPLCRepeatWithNoHistoryIsSilence(t *testing.T) {
	p := newPLCState(PLCRepeat, 48000, 0)
	out := p.Generate(960)
	for _, s := range out {
		assert.Zero(t, s)
	}
}

func TestPLCPatternFallsBackToRepeatWithoutEnoughHistory(t *testing.T) {
	p := newPLCState(PLCPattern, 48000, 0)
	good := make([]int16, 100)
	for i := range good {
		good[i] = 500
	}
	p.RecordGoodFrame(good)

	out := p.Generate(160)
	assert.Len(t, out, 160)
}

func TestPLCAdvancedNeverExceedsHistoryPeak(t *testing.T) {
	p := newPLCState(PLCAdvanced, 16000, 50)
	for i := 0; i < 6; i++ {
		frame := make([]int16, 160)
		for j := range frame {
			frame[j] = int16(1000 + j)
		}
		p.RecordGoodFrame(frame)
	}

	var peak int32
	for _, s := range p.history[len(p.history)-AnalysisWindow:] {
		if a := abs32(int32(s)); a > peak {
			peak = a
		}
	}

	out := p.Generate(160)
	for _, s := range out {
		assert.LessOrEqual(t, abs32(int32(s)), peak)
	}
}

func TestBitrateControllerInitialValueIsClamped(t *testing.T) {
	c := newBitrateController(1_000_000)
	assert.Equal(t, MaxBitrateBPS, c.Current())

	c2 := newBitrateController(0)
	assert.Equal(t, MinBitrateBPS, c2.Current())
}
