package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/groupmon"
	"github.com/ocx/dice/internal/invariant"
	"github.com/ocx/dice/internal/view"
)

func TestVCPacketRoundTrip(t *testing.T) {
	vc := groupmon.VectorClock{
		Clock: 42,
		Entries: []groupmon.VCEntry{
			{Addr: addr.Addr(2), Offset: 3},
			{Addr: addr.Addr(5), Offset: 200},
		},
	}
	decoded, err := DecodeVC(EncodeVC(vc))
	require.NoError(t, err)
	assert.Equal(t, vc, decoded)
}

func TestDecodeVCRejectsShortPacket(t *testing.T) {
	_, err := DecodeVC([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestViewPacketRoundTrip(t *testing.T) {
	pkt := ViewPacket{
		Src:       addr.Addr(7),
		Timestamp: 1234,
		Entries: []view.Entry{
			{Value: 50, Attr: 1, TS: 10, Src: addr.Addr(2)},
			{},
		},
		Drops: []view.Drop{{TS: 99, Src: addr.Addr(3)}},
	}

	decoded, err := DecodeView(EncodeView(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, decoded)
}

func TestT1PacketRoundTrip(t *testing.T) {
	var c ConjWire
	c.Quantifiers[0] = invariant.QuantSlot{Flagged: true, Src: 5, TS: 20}
	pkt := T1Packet{
		Src:       addr.Addr(9),
		Timestamp: 500,
		Conjs:     []ConjWire{c},
		Drops:     []view.Drop{{TS: 50, Src: addr.Addr(1)}},
	}

	decoded, err := DecodeT1(EncodeT1(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, decoded)
}

func TestRebaseViewForwardShiftsByDelta(t *testing.T) {
	pkt := ViewPacket{
		Timestamp: 100,
		Entries:   []view.Entry{{TS: 90, Value: 1}, {TS: 0}},
		Drops:     []view.Drop{{TS: 95}},
	}
	RebaseView(&pkt, dtime.Timestamp(150))

	// delta = 150-100 = 50; 90+50=140 (<=150, no clamp needed)
	assert.Equal(t, dtime.Timestamp(140), pkt.Entries[0].TS)
	assert.Equal(t, dtime.Timestamp(0), pkt.Entries[1].TS, "empty slot stays empty")
	assert.Equal(t, dtime.Timestamp(145), pkt.Drops[0].TS)
}

func TestRebaseViewForwardClampsWhenShiftOverflowsNow(t *testing.T) {
	pkt := ViewPacket{
		Timestamp: 100,
		Entries:   []view.Entry{{TS: 103, Value: 1}},
	}
	RebaseView(&pkt, dtime.Timestamp(105))
	// delta = 5; 103+5=108 > 105, so the result is clamped to now.
	assert.Equal(t, dtime.Timestamp(105), pkt.Entries[0].TS)
}

func TestRebaseViewBackwardNoClamp(t *testing.T) {
	pkt := ViewPacket{
		Timestamp: 200,
		Entries:   []view.Entry{{TS: 150, Value: 1}, {TS: 0}},
	}
	RebaseView(&pkt, dtime.Timestamp(100))
	// now(100) <= pkt.Timestamp(200): delta = 200-100=100; 150-100=50
	assert.Equal(t, dtime.Timestamp(50), pkt.Entries[0].TS)
	assert.Equal(t, dtime.Timestamp(0), pkt.Entries[1].TS)
}
