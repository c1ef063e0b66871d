// Package wire implements the on-the-wire packet formats C5 disseminates:
// the type-1 (T1 disjunctive view) and type-2 (plain view) dissemination
// packets, plus their encode/decode. Grounded on the drickle_pkt_t layout
// in drickle.c (original_source/apps/dice) and SPEC_FULL.md §6; uses
// encoding/binary (stdlib) since no third-party binary codec appears
// anywhere in the example pack.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/invariant"
	"github.com/ocx/dice/internal/view"
)

// PacketType distinguishes the two dissemination payload shapes.
type PacketType uint8

const (
	TypeT1   PacketType = 1
	TypeView PacketType = 2
)

// ViewPacket carries the plain (non-disjunctive) local view.
type ViewPacket struct {
	Src       addr.Addr
	Timestamp dtime.Timestamp
	Entries   []view.Entry
	Drops     []view.Drop
}

// ConjWire is the wire-level shape of one disjunct's quantifier slots.
type ConjWire struct {
	Quantifiers [invariant.MaxQuantifiers]invariant.QuantSlot
}

// T1Packet carries the disjunctive (T1) view.
type T1Packet struct {
	Src       addr.Addr
	Timestamp dtime.Timestamp
	Conjs     []ConjWire
	Drops     []view.Drop
}

// EncodeEnvelope prefixes body with its PacketType byte, the on-the-wire
// shape SPEC_FULL.md §6 describes as { src, timestamp, type, payload } —
// type travels as the envelope's own leading byte rather than inside the
// payload, since a receiver must know which of DecodeView/DecodeT1 to call
// before it can parse the rest.
func EncodeEnvelope(t PacketType, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(t))
	return append(out, body...)
}

// DecodeEnvelopeType splits data into its PacketType and remaining body.
func DecodeEnvelopeType(data []byte) (PacketType, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("wire: empty payload")
	}
	return PacketType(data[0]), data[1:], nil
}

func writeTimestamp(buf *bytes.Buffer, ts dtime.Timestamp) {
	binary.Write(buf, binary.BigEndian, uint16(ts))
}

func readTimestamp(r *bytes.Reader) (dtime.Timestamp, error) {
	var v uint16
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return dtime.Timestamp(v), nil
}

// EncodeView serialises a ViewPacket to bytes.
func EncodeView(pkt ViewPacket) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(pkt.Src))
	writeTimestamp(&buf, pkt.Timestamp)
	binary.Write(&buf, binary.BigEndian, uint16(len(pkt.Entries)))
	for _, e := range pkt.Entries {
		binary.Write(&buf, binary.BigEndian, e.Value)
		binary.Write(&buf, binary.BigEndian, e.Attr)
		writeTimestamp(&buf, e.TS)
		binary.Write(&buf, binary.BigEndian, uint16(e.Src))
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(pkt.Drops)))
	for _, d := range pkt.Drops {
		writeTimestamp(&buf, d.TS)
		binary.Write(&buf, binary.BigEndian, uint16(d.Src))
	}
	return buf.Bytes()
}

// DecodeView parses bytes produced by EncodeView.
func DecodeView(data []byte) (ViewPacket, error) {
	r := bytes.NewReader(data)
	var pkt ViewPacket
	var src uint16
	if err := binary.Read(r, binary.BigEndian, &src); err != nil {
		return pkt, fmt.Errorf("wire: decode view src: %w", err)
	}
	pkt.Src = addr.Addr(src)
	ts, err := readTimestamp(r)
	if err != nil {
		return pkt, fmt.Errorf("wire: decode view timestamp: %w", err)
	}
	pkt.Timestamp = ts

	var nEntries uint16
	if err := binary.Read(r, binary.BigEndian, &nEntries); err != nil {
		return pkt, fmt.Errorf("wire: decode view entry count: %w", err)
	}
	pkt.Entries = make([]view.Entry, nEntries)
	for i := range pkt.Entries {
		var e view.Entry
		if err := binary.Read(r, binary.BigEndian, &e.Value); err != nil {
			return pkt, fmt.Errorf("wire: decode entry %d value: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &e.Attr); err != nil {
			return pkt, fmt.Errorf("wire: decode entry %d attr: %w", i, err)
		}
		ts, err := readTimestamp(r)
		if err != nil {
			return pkt, fmt.Errorf("wire: decode entry %d ts: %w", i, err)
		}
		e.TS = ts
		var s uint16
		if err := binary.Read(r, binary.BigEndian, &s); err != nil {
			return pkt, fmt.Errorf("wire: decode entry %d src: %w", i, err)
		}
		e.Src = addr.Addr(s)
		pkt.Entries[i] = e
	}

	var nDrops uint16
	if err := binary.Read(r, binary.BigEndian, &nDrops); err != nil {
		return pkt, fmt.Errorf("wire: decode view drop count: %w", err)
	}
	pkt.Drops = make([]view.Drop, nDrops)
	for i := range pkt.Drops {
		ts, err := readTimestamp(r)
		if err != nil {
			return pkt, fmt.Errorf("wire: decode drop %d ts: %w", i, err)
		}
		var s uint16
		if err := binary.Read(r, binary.BigEndian, &s); err != nil {
			return pkt, fmt.Errorf("wire: decode drop %d src: %w", i, err)
		}
		pkt.Drops[i] = view.Drop{TS: ts, Src: addr.Addr(s)}
	}
	return pkt, nil
}

// EncodeT1 serialises a T1Packet to bytes.
func EncodeT1(pkt T1Packet) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(pkt.Src))
	writeTimestamp(&buf, pkt.Timestamp)
	binary.Write(&buf, binary.BigEndian, uint16(len(pkt.Conjs)))
	for _, c := range pkt.Conjs {
		for _, q := range c.Quantifiers {
			var flagged uint8
			if q.Flagged {
				flagged = 1
			}
			buf.WriteByte(flagged)
			binary.Write(&buf, binary.BigEndian, q.Src)
			writeTimestamp(&buf, q.TS)
		}
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(pkt.Drops)))
	for _, d := range pkt.Drops {
		writeTimestamp(&buf, d.TS)
		binary.Write(&buf, binary.BigEndian, uint16(d.Src))
	}
	return buf.Bytes()
}

// DecodeT1 parses bytes produced by EncodeT1.
func DecodeT1(data []byte) (T1Packet, error) {
	r := bytes.NewReader(data)
	var pkt T1Packet
	var src uint16
	if err := binary.Read(r, binary.BigEndian, &src); err != nil {
		return pkt, fmt.Errorf("wire: decode t1 src: %w", err)
	}
	pkt.Src = addr.Addr(src)
	ts, err := readTimestamp(r)
	if err != nil {
		return pkt, fmt.Errorf("wire: decode t1 timestamp: %w", err)
	}
	pkt.Timestamp = ts

	var nConjs uint16
	if err := binary.Read(r, binary.BigEndian, &nConjs); err != nil {
		return pkt, fmt.Errorf("wire: decode t1 conj count: %w", err)
	}
	pkt.Conjs = make([]ConjWire, nConjs)
	for i := range pkt.Conjs {
		for q := 0; q < invariant.MaxQuantifiers; q++ {
			var flagged uint8
			if err := binary.Read(r, binary.BigEndian, &flagged); err != nil {
				return pkt, fmt.Errorf("wire: decode conj %d slot %d flag: %w", i, q, err)
			}
			var src uint16
			if err := binary.Read(r, binary.BigEndian, &src); err != nil {
				return pkt, fmt.Errorf("wire: decode conj %d slot %d src: %w", i, q, err)
			}
			ts, err := readTimestamp(r)
			if err != nil {
				return pkt, fmt.Errorf("wire: decode conj %d slot %d ts: %w", i, q, err)
			}
			pkt.Conjs[i].Quantifiers[q] = invariant.QuantSlot{Flagged: flagged != 0, Src: src, TS: ts}
		}
	}

	var nDrops uint16
	if err := binary.Read(r, binary.BigEndian, &nDrops); err != nil {
		return pkt, fmt.Errorf("wire: decode t1 drop count: %w", err)
	}
	pkt.Drops = make([]view.Drop, nDrops)
	for i := range pkt.Drops {
		ts, err := readTimestamp(r)
		if err != nil {
			return pkt, fmt.Errorf("wire: decode t1 drop %d ts: %w", i, err)
		}
		var s uint16
		if err := binary.Read(r, binary.BigEndian, &s); err != nil {
			return pkt, fmt.Errorf("wire: decode t1 drop %d src: %w", i, err)
		}
		pkt.Drops[i] = view.Drop{TS: ts, Src: addr.Addr(s)}
	}
	return pkt, nil
}
