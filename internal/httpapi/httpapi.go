// Package httpapi implements a read-only introspection server for one
// DICe node: the current view, group membership, T1 disjunctive state,
// history depth, the node's Prometheus metrics, and a live WebSocket feed
// of view snapshots. No mutating endpoint exists — there is no network
// operation outside C5's own dissemination protocol.
//
// Grounded on cmd/api/main.go's mux.NewRouter()-plus-http.Server
// composition and graceful-shutdown-on-signal pattern from the teacher
// repo, and on internal/websocket/dag_streamer.go's register/unregister/
// broadcast hub shape for the /ws endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/dice/internal/engine"
	"github.com/ocx/dice/internal/invariant"
	"github.com/ocx/dice/internal/view"
)

// entryView is the JSON shape of one view.Entry.
type entryView struct {
	Value uint16 `json:"value"`
	Attr  uint16 `json:"attr"`
	TS    uint16 `json:"ts"`
	Src   uint16 `json:"src"`
}

// dropView is the JSON shape of one view.Drop.
type dropView struct {
	TS  uint16 `json:"ts"`
	Src uint16 `json:"src"`
}

func toEntryViews(entries []view.Entry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		if e.Empty() {
			out = append(out, entryView{})
			continue
		}
		out = append(out, entryView{Value: e.Value, Attr: e.Attr, TS: uint16(e.TS), Src: uint16(e.Src)})
	}
	return out
}

func toDropViews(drops []view.Drop) []dropView {
	out := make([]dropView, 0, len(drops))
	for _, d := range drops {
		out = append(out, dropView{TS: uint16(d.TS), Src: uint16(d.Src)})
	}
	return out
}

// viewSnapshot is the payload streamed to /ws subscribers and served at
// /view.
type viewSnapshot struct {
	Node    string      `json:"node"`
	Now     uint16      `json:"now"`
	Entries []entryView `json:"entries"`
	Drops   []dropView  `json:"drops"`
}

// quantSlotView is the JSON shape of one invariant.QuantSlot.
type quantSlotView struct {
	Flagged bool   `json:"flagged"`
	Src     uint16 `json:"src"`
	TS      uint16 `json:"ts"`
}

type conjView struct {
	Quantifiers [invariant.MaxQuantifiers]quantSlotView `json:"quantifiers"`
	Complies    bool                                     `json:"complies"`
}

type t1Snapshot struct {
	Node  string     `json:"node"`
	Conjs []conjView `json:"conjs"`
}

type groupSnapshot struct {
	Node    string   `json:"node"`
	Clock   uint32   `json:"clock"`
	Members []member `json:"members"`
}

type member struct {
	Addr   uint16 `json:"addr"`
	Offset uint8  `json:"offset"`
}

// hub is the /ws broadcast core, a direct structural adaptation of
// DAGStreamer's register/unregister/broadcast channel trio to one
// payload type (viewSnapshot) instead of a DAG event union.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan viewSnapshot
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan viewSnapshot, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case snap := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if err := c.WriteJSON(snap); err != nil {
					h.log.Debug("ws write failed, dropping client", "error", err)
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	h.register <- conn
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Server is one node's read-only HTTP+WebSocket introspection surface.
type Server struct {
	eng    *engine.Engine
	addr   string
	router *mux.Router
	hub    *hub
	log    *slog.Logger
}

// New constructs a Server bound to eng, listening on addr once Run is
// called.
func New(eng *engine.Engine, addr string) *Server {
	log := slog.With("component", "httpapi", "node", eng.Self().String())
	s := &Server{
		eng:  eng,
		addr: addr,
		hub:  newHub(log),
		log:  log,
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/view", s.handleView).Methods("GET")
	s.router.HandleFunc("/group", s.handleGroup).Methods("GET")
	s.router.HandleFunc("/t1", s.handleT1).Methods("GET")
	s.router.HandleFunc("/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.handle)
	if m := eng.Metrics(); m != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"status": "ok",
		"node":   s.eng.Self().String(),
		"run_id": s.eng.RunID(),
	})
}

func (s *Server) snapshot() viewSnapshot {
	v := s.eng.View()
	return viewSnapshot{
		Node:    s.eng.Self().String(),
		Now:     uint16(s.eng.Clock().Now()),
		Entries: toEntryViews(v.Entries()),
		Drops:   toDropViews(v.Drops()),
	}
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.snapshot())
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	vc := s.eng.GroupMonitor().Snapshot()
	members := make([]member, 0, len(vc.Entries))
	for _, e := range vc.Entries {
		members = append(members, member{Addr: uint16(e.Addr), Offset: e.Offset})
	}
	s.writeJSON(w, groupSnapshot{Node: s.eng.Self().String(), Clock: vc.Clock, Members: members})
}

func (s *Server) handleT1(w http.ResponseWriter, r *http.Request) {
	conjs := s.eng.T1View().Conjs()
	out := make([]conjView, len(conjs))
	for i, c := range conjs {
		var cv conjView
		for q, slot := range c.Quantifiers {
			cv.Quantifiers[q] = quantSlotView{Flagged: slot.Flagged, Src: slot.Src, TS: uint16(slot.TS)}
		}
		cv.Complies = c.Complies()
		out[i] = cv
	}
	s.writeJSON(w, t1Snapshot{Node: s.eng.Self().String(), Conjs: out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"node": s.eng.Self().String(),
		"len":  s.eng.History().Len(),
	})
}

// Run starts the hub and the HTTP listener, and streams one view
// snapshot every interval until ctx is cancelled. Mirrors cmd/api/main.go's
// http.Server-plus-graceful-Shutdown pattern, driven off ctx instead of a
// direct signal.Notify channel since the caller (cmd/dicenode) already
// owns that plumbing.
func (s *Server) Run(ctx context.Context, interval time.Duration) error {
	go s.hub.run(ctx)

	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case s.hub.broadcast <- s.snapshot():
				default:
				}
			}
		}
	}()

	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("httpapi listening", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("httpapi shutdown error", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
