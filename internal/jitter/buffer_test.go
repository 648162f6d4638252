package jitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOrdersByScheduledPlayTime(t *testing.T) {
	b := New(DefaultConfig())
	require.NoError(t, b.Insert(Entry{Seq: 2, ArrivalUs: 40_000}, 0))
	require.NoError(t, b.Insert(Entry{Seq: 1, ArrivalUs: 20_000}, 0))
	require.NoError(t, b.Insert(Entry{Seq: 3, ArrivalUs: 60_000}, 0))

	r := b.GetNext(1_000_000)
	require.True(t, r.Ready)
	assert.Equal(t, uint16(1), r.Entry.Seq)
}

func TestLatePacketDroppedAndFlagged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelayMS = 100
	b := New(cfg)

	require.NoError(t, b.Insert(Entry{Seq: 1000, ArrivalUs: 0}, 0))
	r := b.GetNext(250_000) // 250ms later, well past max delay
	require.True(t, r.Ready)
	assert.True(t, r.Late)
}

func TestNotReadyBeforeScheduledTime(t *testing.T) {
	b := New(DefaultConfig())
	require.NoError(t, b.Insert(Entry{Seq: 1, ArrivalUs: 0}, 0))
	r := b.GetNext(0)
	assert.False(t, r.Ready)
}

func TestOverflowDropsNewest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1
	b := New(cfg)
	require.NoError(t, b.Insert(Entry{Seq: 1, ArrivalUs: 0}, 0))
	err := b.Insert(Entry{Seq: 2, ArrivalUs: 20_000}, 0)
	assert.ErrorIs(t, err, ErrFull)
	assert.EqualValues(t, 1, b.LostPackets)
}

func TestAdaptStaysWithinBounds(t *testing.T) {
	b := New(DefaultConfig())
	for i := 0; i < 200; i++ {
		b.Adapt(200, 0.2) // push hard toward max
		assert.GreaterOrEqual(t, b.TargetDelayMS(), float64(DefaultMinDelayMS))
		assert.LessOrEqual(t, b.TargetDelayMS(), float64(DefaultMaxDelayMS))
	}
	for i := 0; i < 200; i++ {
		b.Adapt(0, 0)
		assert.GreaterOrEqual(t, b.TargetDelayMS(), float64(DefaultMinDelayMS))
	}
}

func TestAdaptGrowsFasterThanShrinks(t *testing.T) {
	b := New(DefaultConfig())
	b.Adapt(200, 0) // one tick toward a higher target
	grown := b.TargetDelayMS() - DefaultBaseDelayMS
	assert.InDelta(t, GrowStepMS, grown, 0.001)

	b2 := New(DefaultConfig())
	b2.targetDelayMS = DefaultMaxDelayMS
	b2.Adapt(0, 0)
	shrunk := DefaultMaxDelayMS - b2.TargetDelayMS()
	assert.InDelta(t, ShrinkStepMS, shrunk, 0.001)
}
