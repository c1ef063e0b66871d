package attrsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/dtime"
	"github.com/ocx/dice/internal/view"
)

type fakePusher struct {
	result view.Outcome
	got    view.Entry
}

func (f *fakePusher) PushEntry(e view.Entry) view.Outcome {
	f.got = e
	return f.result
}

type fakeConjs struct{ changed bool }

func (f *fakeConjs) RefreshLocal(now dtime.Timestamp) bool { return f.changed }

type fakeResetter struct{ calls int }

func (f *fakeResetter) Reset() { f.calls++ }

func TestRefreshPushesPrimaryAttributeAndResetsOnChange(t *testing.T) {
	pusher := &fakePusher{result: view.Changed}
	conjs := &fakeConjs{}
	reset := &fakeResetter{}
	cfg := Config{PrimaryAttr: 1, Owned: []uint16{1}}
	s := New(addr.Addr(5), cfg, pusher, conjs, reset, func() dtime.Timestamp { return 42 })

	s.Refresh()

	assert.Equal(t, uint16(1), pusher.got.Attr)
	assert.Equal(t, addr.Addr(5), pusher.got.Src)
	assert.Equal(t, dtime.Timestamp(42), pusher.got.TS)
	assert.Equal(t, 1, reset.calls)
}

func TestRefreshDoesNotResetWhenNothingChanged(t *testing.T) {
	pusher := &fakePusher{result: view.Unchanged}
	conjs := &fakeConjs{changed: false}
	reset := &fakeResetter{}
	cfg := Config{PrimaryAttr: 1, Owned: []uint16{1}}
	s := New(addr.Addr(5), cfg, pusher, conjs, reset, func() dtime.Timestamp { return 42 })

	s.Refresh()

	assert.Equal(t, 0, reset.calls)
}

func TestRefreshResetsWhenOnlyConjunctsChanged(t *testing.T) {
	pusher := &fakePusher{result: view.Unchanged}
	conjs := &fakeConjs{changed: true}
	reset := &fakeResetter{}
	cfg := Config{PrimaryAttr: 1, Owned: []uint16{1}}
	s := New(addr.Addr(5), cfg, pusher, conjs, reset, func() dtime.Timestamp { return 42 })

	s.Refresh()

	assert.Equal(t, 1, reset.calls)
}

func TestGetAttributeReturnsGeneratedValue(t *testing.T) {
	pusher := &fakePusher{result: view.Unchanged}
	cfg := Config{
		PrimaryAttr: 1,
		Owned:       []uint16{1, 7},
		Generators:  map[uint16]Generator{7: func() int32 { return 55 }},
	}
	s := New(addr.Addr(5), cfg, pusher, nil, nil, func() dtime.Timestamp { return 1 })

	s.Refresh()

	v, ok := s.GetAttribute(7)
	assert.True(t, ok)
	assert.Equal(t, uint16(55), v)
}

func TestGetAttributeUnownedHashReportsNotOK(t *testing.T) {
	pusher := &fakePusher{result: view.Unchanged}
	cfg := Config{PrimaryAttr: 1, Owned: []uint16{1}}
	s := New(addr.Addr(5), cfg, pusher, nil, nil, func() dtime.Timestamp { return 1 })

	s.Refresh()

	_, ok := s.GetAttribute(99)
	assert.False(t, ok)
	assert.False(t, s.Owns(99))
	assert.True(t, s.Owns(1))
}
