// Package httpapi serves the daemon's HTTP status interface: the current
// per-member state map at GET /state.json, consumed by peers acting as
// observers, and a priority-tick trigger at POST /check.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pgsentry/pgsentry/internal/cluster"
	"github.com/pgsentry/pgsentry/internal/logging"
)

// StateSource supplies the current member snapshot to serve.
type StateSource interface {
	Members() map[string]cluster.MemberState
}

// Server is the daemon's status HTTP server.
type Server struct {
	state   StateSource
	checkCh chan<- struct{}
	srv     *http.Server
}

// New constructs a Server bound to addr. checkCh receives a value whenever
// POST /check is called, so the caller can wake a waiting monitor loop.
func New(addr string, state StateSource, checkCh chan<- struct{}) *Server {
	s := &Server{state: state, checkCh: checkCh}

	mux := http.NewServeMux()
	mux.HandleFunc("/state.json", s.handleState)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/", s.handleNotFound)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.state.Members()); err != nil {
		logging.Error("encoding state.json response failed", "error", err)
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	select {
	case s.checkCh <- struct{}{}:
	default:
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}
