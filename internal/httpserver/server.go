// Package httpserver exposes the engine's operational surface:
// liveness and one import-state row lookup for on-call debugging. The
// downstream query/explorer API the teacher's internal/api package
// serves is out of scope here (§1) — this is diagnostics only.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/repository"
)

// Server is the engine's diagnostic HTTP surface, built the way the
// teacher's api.Server wraps one *http.Server behind a mux.Router with
// Start/Shutdown methods cmd/importer calls from its own signal-handling
// goroutine.
type Server struct {
	repo       *repository.Repository
	states     *importstate.Store
	httpServer *http.Server
}

func NewServer(repo *repository.Repository, states *importstate.Store, addr string) *Server {
	s := &Server{repo: repo, states: states}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/import-state/{key}", s.handleImportState).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Pool().Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "db unreachable", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleImportState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	states, err := s.states.Fetch(r.Context(), []string{key})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	state, ok := states[key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no import-state row for key " + key})
		return
	}
	json.NewEncoder(w).Encode(state)
}
