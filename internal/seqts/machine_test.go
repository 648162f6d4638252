package seqts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(t *testing.T, m *Machine, seqs []uint16, tsStep uint32, arrivalStepUs int64) []Result {
	t.Helper()
	var results []Result
	var ts uint32
	var arrival int64
	for _, s := range seqs {
		results = append(results, m.Accept(s, ts, arrival))
		ts += tsStep
		arrival += arrivalStepUs
	}
	return results
}

func TestProbationNoStatsUntilComplete(t *testing.T) {
	m := New(8000)
	require.True(t, m.InProbation())

	r1 := m.Accept(1000, 0, 0)
	assert.Equal(t, VerdictProbation, r1.Verdict)
	assert.True(t, m.InProbation())

	r2 := m.Accept(1001, 160, 20000)
	assert.Equal(t, VerdictProbation, r2.Verdict)
	assert.False(t, m.InProbation())
	assert.Equal(t, uint16(1001), m.BaseSeq())
	assert.EqualValues(t, 1, m.Received()) // transition packet is counted, RFC 3550 update_seq
}

func TestProbationResetOnOutOfSequence(t *testing.T) {
	m := New(8000)
	m.Accept(5000, 0, 0)
	r := m.Accept(5050, 160, 20000) // not +1, resets probation
	assert.Equal(t, VerdictProbationReset, r.Verdict)
	assert.Equal(t, uint16(5050), m.MaxSeq())
	assert.True(t, m.InProbation())
}

func TestSequenceWrap(t *testing.T) {
	m := New(8000)
	seqs := []uint16{65533, 65534, 65535, 0, 1, 2}
	for _, s := range seqs {
		m.Accept(s, 0, 0)
	}
	assert.EqualValues(t, 1, m.Cycles()/65536)
	assert.EqualValues(t, 0, m.LostPackets)
}

func TestInOrderNoLoss(t *testing.T) {
	m := New(8000)
	seqs := []uint16{1000, 1001}
	feed(t, m, seqs, 160, 20000)
	for s := uint16(1002); s <= 1010; s++ {
		r := m.Accept(s, uint32(s)*160, int64(s)*20000)
		require.Equal(t, VerdictInOrder, r.Verdict)
	}
	assert.EqualValues(t, 0, m.LostPackets)
	assert.EqualValues(t, 11, m.PacketsReceived) // includes the 2 probation packets
}

func TestDuplicateDelivery(t *testing.T) {
	m := New(8000)
	m.Accept(2000, 0, 0)
	m.Accept(2001, 160, 20000)
	r := m.Accept(2002, 320, 40000)
	require.Equal(t, VerdictInOrder, r.Verdict)

	dup := m.Accept(2002, 320, 40000)
	assert.Equal(t, VerdictDuplicate, dup.Verdict)
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	m := New(8000)
	m.Accept(2000, 0, 0)
	m.Accept(2001, 160, 20000)
	m.Accept(2003, 320, 40000) // gap
	r := m.Accept(2002, 480, 60000)
	assert.Equal(t, VerdictOutOfOrder, r.Verdict)
	assert.EqualValues(t, 1, m.OutOfOrder)
	assert.Equal(t, uint16(2003), m.MaxSeq())
}

func TestJitterConvergesWithinBound(t *testing.T) {
	m := New(8000)
	m.Accept(1, 0, 0)
	m.Accept(2, 160, 20000)
	var last float64
	for i := uint16(3); i < 70; i++ {
		// Vary arrival by a small, bounded jitter delta (<=2ms).
		delta := int64(0)
		if i%2 == 0 {
			delta = 2000
		}
		r := m.Accept(i, uint32(i)*160, int64(i)*20000+delta)
		last = r.JitterMS
	}
	assert.Less(t, last, 4.0)
}

func TestLossAccountingHoldsAfterEveryPacket(t *testing.T) {
	m := New(8000)
	seqs := []uint16{500, 501, 503, 504} // 502 missing
	for i, s := range seqs {
		m.Accept(s, uint32(i)*160, int64(i)*20000)
		if m.InProbation() {
			continue // no loss statistics are kept during probation
		}
		assert.EqualValues(t, m.Expected()-m.Received(), m.LostPackets)
	}
}
