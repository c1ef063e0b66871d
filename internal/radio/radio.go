// Package radio models the lossy, unordered, group-addressed broadcast
// medium DICe runs over. It is out of the protocol's own scope (the real
// medium is a sensor node's radio), but a concrete, pluggable shape is given
// here so the engine can be exercised end-to-end: an in-memory implementation
// for tests and single-process simulation, and a Redis Pub/Sub-backed one
// standing in for a real multi-host deployment.
package radio

import (
	"context"

	"github.com/ocx/dice/internal/addr"
)

// Channel distinguishes logical broadcast groups sharing one medium. DICe
// uses two: the trickle dissemination channel and the group-monitor channel.
type Channel int

const (
	// ChannelTrickle carries view/T1-view dissemination packets.
	ChannelTrickle Channel = 129
	// ChannelGroup carries vector-clock packets.
	ChannelGroup Channel = 130
)

// Handler processes one inbound datagram. src is the sending node's address
// as carried in the packet; it is not authenticated (Non-goal: no key
// management).
type Handler func(src addr.Addr, payload []byte)

// Broadcaster is the minimal send/receive contract every component needs
// from the medium. Implementations MUST be safe for concurrent use, since a
// Subscribe callback typically fires from a different goroutine than the one
// driving an engine's event loop — callers are responsible for handing the
// delivery off to their own single-threaded loop rather than mutating engine
// state directly from within Handler.
type Broadcaster interface {
	// Send broadcasts payload on channel, tagged with the local node's src
	// address. Delivery is best-effort: an error here only reflects a local
	// transport failure (e.g. Redis unreachable), never a remote condition.
	Send(ctx context.Context, ch Channel, src addr.Addr, payload []byte) error

	// Subscribe registers h to be called for every payload received on ch,
	// including payloads sent by the local node (callers filter those by
	// comparing src against their own address if they need to). Returns an
	// unsubscribe function.
	Subscribe(ch Channel, h Handler) (unsubscribe func())

	// Close releases any resources held by the broadcaster.
	Close() error
}
