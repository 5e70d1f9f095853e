// Package adminhttp is the read-only JSON admin surface: point-in-time
// broker snapshots, a document's recent audit-trail entries,
// and a broadcast trigger for injecting an errortoall into every live
// broker, without exposing the WebSocket document protocol itself.
package adminhttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/inkbroker/internal/broker"
	"github.com/rzbill/inkbroker/internal/registry"
)

// Server is the admin HTTP surface, one process-wide instance bound to
// the shared broker registry.
type Server struct {
	reg *registry.Registry
	srv *http.Server
	lis net.Listener
}

// New builds a Server that reports on reg's brokers.
func New(reg *registry.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{reg: reg, srv: &http.Server{Handler: mux}}
	mux.HandleFunc("/admin/healthz", s.handleHealth)
	mux.HandleFunc("/admin/brokers", s.handleList)
	mux.HandleFunc("/admin/brokers/", s.handleGet)
	mux.HandleFunc("/admin/errortoall", s.handleErrorToAll)
	return s
}

// ListenAndServe blocks serving addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the listener without waiting for graceful shutdown.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "brokers": s.reg.Count()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": s.reg.Keys()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/admin/brokers/")
	wantAudit := false
	if trimmed := strings.TrimSuffix(key, "/audit"); trimmed != key {
		key, wantAudit = trimmed, true
	}
	if key == "" {
		http.NotFound(w, r)
		return
	}
	h, ok := s.reg.Lookup(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	b, ok := h.(*broker.Broker)
	if !ok {
		http.Error(w, "broker does not support snapshots", http.StatusNotImplemented)
		return
	}
	if wantAudit {
		s.handleAudit(w, r, b)
		return
	}
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// handleAudit serves a document's recent audit-trail entries, capped
// by an optional ?limit= query parameter.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, b *broker.Broker) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := b.AuditHistory(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
}

// handleErrorToAll broadcasts an operator-triggered error to every live
// broker, a process-wide errortoall notification.
func (s *Server) handleErrorToAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Cmd  string `json:"cmd"`
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.reg.Broadcast(body.Cmd, body.Kind)
	w.WriteHeader(http.StatusAccepted)
}
