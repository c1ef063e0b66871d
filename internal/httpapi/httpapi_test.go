package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dice/internal/addr"
	"github.com/ocx/dice/internal/engine"
	"github.com/ocx/dice/internal/invariant"
	"github.com/ocx/dice/internal/radio"
	"github.com/ocx/dice/internal/view"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng, err := engine.New(engine.Config{
		Self:              addr.Addr(1),
		Signature:         view.Signature{{Attr: 1, Objective: view.Maximize, Size: 3}},
		ClockTick:         10 * time.Millisecond,
		NewNeighbourTicks: 10,
		MissingTicks:      30,
		HistorySize:       8,
		Invariant: invariant.Invariant{
			Nodes: []invariant.Node{
				{Kind: invariant.KindAttribute, Attr: invariant.Attribute{Hash: 1, Quantifier: 0}},
				{Kind: invariant.KindInt, Value: 10},
				{Kind: invariant.KindOperator, Op: invariant.CompGreater},
			},
		},
		Mapping: invariant.Mapping{{Attribute: 1, MathID: 0, Quantifier: 0, Index: 0}},
		Radio:   radio.NewMemRadio(),
	})
	require.NoError(t, err)
	return New(eng, ":0")
}

func TestHandleHealthzReportsOK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-1", body["node"])
}

func TestHandleViewReturnsCurrentSnapshot(t *testing.T) {
	s := newTestServer(t)
	s.eng.PushEntry(view.Entry{Value: 42, Attr: 1, TS: 5, Src: s.eng.Self()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/view", nil)
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap viewSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotEmpty(t, snap.Entries)
	assert.Equal(t, uint16(42), snap.Entries[0].Value)
}

func TestHandleGroupReportsEmptyMembershipInitially(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/group", nil)
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap groupSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "node-1", snap.Node)
	assert.Empty(t, snap.Members)
}

func TestHandleHistoryReportsLength(t *testing.T) {
	s := newTestServer(t)
	// History rejects readings stamped after its clock, so move it to TS 1.
	s.eng.Clock().Advance()
	s.eng.PushEntry(view.Entry{Value: 1, Attr: 1, TS: 1, Src: s.eng.Self()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["len"])
}
