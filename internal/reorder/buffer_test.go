package reorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xorPayloads(payloads ...[]byte) []byte {
	max := 0
	for _, p := range payloads {
		if len(p) > max {
			max = len(p)
		}
	}
	out := make([]byte, max)
	for _, p := range payloads {
		xorInto(out, p)
	}
	return out
}

func TestReorderWithinWindow(t *testing.T) {
	b := New(128, 5, 40, 960)
	now := int64(0)
	require.NoError(t, b.Insert(Packet{Seq: 2000, RTPTimestamp: 0, ArrivalUs: now, Payload: []byte{1}}, now))
	now += 20000
	require.NoError(t, b.Insert(Packet{Seq: 2002, RTPTimestamp: 320, ArrivalUs: now, Payload: []byte{3}}, now))
	now += 20000
	require.NoError(t, b.Insert(Packet{Seq: 2001, RTPTimestamp: 160, ArrivalUs: now, Payload: []byte{2}}, now))
	now += 20000
	require.NoError(t, b.Insert(Packet{Seq: 2003, RTPTimestamp: 480, ArrivalUs: now, Payload: []byte{4}}, now))

	p, ok := b.TryPopNext(2000, now)
	require.True(t, ok)
	assert.Equal(t, uint16(2000), p.Seq)

	p, ok = b.TryPopNext(2001, now)
	require.True(t, ok)
	assert.Equal(t, uint16(2001), p.Seq)

	p, ok = b.TryPopNext(2002, now)
	require.True(t, ok)
	assert.Equal(t, uint16(2002), p.Seq)
}

func TestFECRecoversSingleLoss(t *testing.T) {
	b := New(128, 5, 40, 160)
	now := int64(0)

	media := [][]byte{{0xAA}, {0xBB}, {0xCC}, {0xDD}, {0xEE}}
	parity := xorPayloads(media...)

	// 502 (position 2 within group {500..504}) is never inserted.
	for _, seq := range []uint16{500, 501, 503, 504} {
		pos := int(seq) - 500
		require.NoError(t, b.Insert(Packet{
			Seq:          seq,
			RTPTimestamp: uint32(pos) * 160,
			ArrivalUs:    now,
			Payload:      media[pos],
		}, now))
		now += 20000
	}
	b.InsertParity(500, parity)

	recovered, ok := b.AttemptFECRecovery(502)
	require.True(t, ok)
	assert.Equal(t, uint16(502), recovered.Seq)
	assert.Equal(t, media[2], recovered.Payload)
	assert.EqualValues(t, 1, b.RecoveredByFEC)
}

func TestFECDoesNotRecoverTwoLosses(t *testing.T) {
	b := New(128, 5, 40, 160)
	now := int64(0)

	media := [][]byte{{0x01}, {0x02}, {0x03}, {0x04}, {0x05}}
	parity := xorPayloads(media...)

	for _, seq := range []uint16{500, 501, 504} {
		pos := int(seq) - 500
		require.NoError(t, b.Insert(Packet{Seq: seq, Payload: media[pos], ArrivalUs: now}, now))
		now += 20000
	}
	b.InsertParity(500, parity)

	_, ok := b.AttemptFECRecovery(502)
	assert.False(t, ok)
	_, ok = b.AttemptFECRecovery(503)
	assert.False(t, ok)
}

func TestBufferFullRejectsWhenOccupantFresh(t *testing.T) {
	b := New(1, 5, 40, 160)
	now := int64(0)
	require.NoError(t, b.Insert(Packet{Seq: 10, ArrivalUs: now}, now))
	err := b.Insert(Packet{Seq: 11, ArrivalUs: now}, now)
	assert.ErrorIs(t, err, ErrFull)
}
