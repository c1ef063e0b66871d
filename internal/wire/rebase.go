package wire

import "github.com/ocx/dice/internal/dtime"

// rebaseForward and rebaseBackward shift a single non-zero timestamp by
// delta, applied the same
// direction-dependent way update_timestamps/update_timestamps_t1 do in
// drickle.c: forward shifts are clamped so a rebased timestamp never reads
// as being in the future relative to now; backward shifts (the sender's
// clock reads ahead of ours) are applied without clamping, exactly as the
// original does, wraparound and all.
func rebaseForward(ts, now, delta dtime.Timestamp) dtime.Timestamp {
	if ts == dtime.Zero {
		return ts
	}
	shifted := ts + delta
	if shifted > now {
		return now
	}
	return shifted
}

func rebaseBackward(ts, delta dtime.Timestamp) dtime.Timestamp {
	if ts == dtime.Zero {
		return ts
	}
	return ts - delta
}

// RebaseView rewrites every non-zero timestamp inside pkt onto the local
// clock now, per SPEC_FULL.md §11 / §4.5's receive-path rebasing step.
func RebaseView(pkt *ViewPacket, now dtime.Timestamp) {
	if now > pkt.Timestamp {
		delta := now - pkt.Timestamp
		for i := range pkt.Entries {
			pkt.Entries[i].TS = rebaseForward(pkt.Entries[i].TS, now, delta)
		}
		for i := range pkt.Drops {
			pkt.Drops[i].TS = rebaseForward(pkt.Drops[i].TS, now, delta)
		}
		return
	}
	delta := pkt.Timestamp - now
	for i := range pkt.Entries {
		pkt.Entries[i].TS = rebaseBackward(pkt.Entries[i].TS, delta)
	}
	for i := range pkt.Drops {
		pkt.Drops[i].TS = rebaseBackward(pkt.Drops[i].TS, delta)
	}
}

// RebaseT1 is RebaseView's T1 counterpart, additionally rewriting every
// conjunct's per-quantifier timestamp.
func RebaseT1(pkt *T1Packet, now dtime.Timestamp) {
	if now > pkt.Timestamp {
		delta := now - pkt.Timestamp
		for i := range pkt.Conjs {
			for q := range pkt.Conjs[i].Quantifiers {
				pkt.Conjs[i].Quantifiers[q].TS = rebaseForward(pkt.Conjs[i].Quantifiers[q].TS, now, delta)
			}
		}
		for i := range pkt.Drops {
			pkt.Drops[i].TS = rebaseForward(pkt.Drops[i].TS, now, delta)
		}
		return
	}
	delta := pkt.Timestamp - now
	for i := range pkt.Conjs {
		for q := range pkt.Conjs[i].Quantifiers {
			pkt.Conjs[i].Quantifiers[q].TS = rebaseBackward(pkt.Conjs[i].Quantifiers[q].TS, delta)
		}
	}
	for i := range pkt.Drops {
		pkt.Drops[i].TS = rebaseBackward(pkt.Drops[i].TS, delta)
	}
}
