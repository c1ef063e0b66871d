package radio

import (
	"context"
	"sync"

	"github.com/ocx/dice/internal/addr"
)

// MemRadio is an in-process simulated medium: every Send fans out
// asynchronously (via a goroutine per subscriber, to avoid a slow handler
// stalling the sender) to all current subscribers on that channel, within one
// process. Multiple *engine.Engine instances in the same process (as
// cmd/dicesim builds) share one MemRadio to simulate a multi-node network.
type MemRadio struct {
	mu   sync.RWMutex
	subs map[Channel][]*subscription
}

type subscription struct {
	id int
	h  Handler
}

// NewMemRadio returns a ready-to-use in-memory broadcast medium.
func NewMemRadio() *MemRadio {
	return &MemRadio{subs: make(map[Channel][]*subscription)}
}

func (m *MemRadio) Send(_ context.Context, ch Channel, src addr.Addr, payload []byte) error {
	m.mu.RLock()
	handlers := append([]*subscription(nil), m.subs[ch]...)
	m.mu.RUnlock()

	// Copy payload per recipient so a handler mutating its slice can't
	// affect others — the real medium delivers independent datagrams.
	for _, s := range handlers {
		cp := append([]byte(nil), payload...)
		go s.h(src, cp)
	}
	return nil
}

func (m *MemRadio) Subscribe(ch Channel, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := len(m.subs[ch])
	sub := &subscription{id: id, h: h}
	m.subs[ch] = append(m.subs[ch], sub)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[ch]
		for i, s := range list {
			if s == sub {
				m.subs[ch] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (m *MemRadio) Close() error { return nil }
