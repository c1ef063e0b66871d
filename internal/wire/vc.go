package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/groupmon"
)

// EncodeVC serialises a vector-clock packet per SPEC_FULL.md §6: clock:4,
// then one {addr:2, offset:1} tuple per entry. The entry count is never
// written explicitly — DecodeVC infers it from the remaining payload
// length, mirroring the original's reliance on the radio layer's datalen.
func EncodeVC(vc groupmon.VectorClock) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, vc.Clock)
	for _, e := range vc.Entries {
		binary.Write(&buf, binary.BigEndian, uint16(e.Addr))
		buf.WriteByte(e.Offset)
	}
	return buf.Bytes()
}

const vcEntrySize = 3

// DecodeVC parses bytes produced by EncodeVC.
func DecodeVC(data []byte) (groupmon.VectorClock, error) {
	var vc groupmon.VectorClock
	if len(data) < 4 {
		return vc, fmt.Errorf("wire: vc packet too short (%d bytes)", len(data))
	}
	vc.Clock = binary.BigEndian.Uint32(data[:4])
	rest := data[4:]
	if len(rest)%vcEntrySize != 0 {
		return vc, fmt.Errorf("wire: vc packet entry section not a multiple of %d bytes", vcEntrySize)
	}
	n := len(rest) / vcEntrySize
	vc.Entries = make([]groupmon.VCEntry, n)
	for i := 0; i < n; i++ {
		off := i * vcEntrySize
		vc.Entries[i] = groupmon.VCEntry{
			Addr:   addr.Addr(binary.BigEndian.Uint16(rest[off : off+2])),
			Offset: rest[off+2],
		}
	}
	return vc, nil
}
