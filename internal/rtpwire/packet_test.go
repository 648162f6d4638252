package rtpwire

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, p *rtp.Packet) []byte {
	t.Helper()
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestParseValidPacket(t *testing.T) {
	src := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: 1000,
			Timestamp:      16000,
			SSRC:           0xABCD1234,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	buf := marshal(t, src)

	got, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(1000), got.SequenceNumber)
	require.Equal(t, uint32(16000), got.Timestamp)
	require.Equal(t, []byte{1, 2, 3, 4}, got.Payload)
}

func TestParseRejectsTooShort(t *testing.T) {
	_, err := Parse([]byte{0x80, 0x00})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsBadVersion(t *testing.T) {
	src := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: 1,
			Timestamp:      1,
			SSRC:           1,
		},
		Payload: []byte{0},
	}
	buf := marshal(t, src)
	buf[0] = buf[0]&0x3f | (1 << 6) // force version field to 1
	_, err := Parse(buf)
	require.Error(t, err)
}
