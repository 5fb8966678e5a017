// Package server is the HTTP control plane: session CRUD, query relay, and
// the daemon health endpoint. It binds to loopback by default and
// authenticates every /api route with bearer tokens.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/playpen-dev/playpen/internal/audit"
	"github.com/playpen-dev/playpen/internal/config"
	"github.com/playpen-dev/playpen/internal/lifecycle"
	"github.com/playpen-dev/playpen/internal/logging"
	"github.com/playpen-dev/playpen/internal/proxy"
	"github.com/playpen-dev/playpen/internal/registry"
	"github.com/playpen-dev/playpen/internal/session"
)

// Server serves the playpen control plane.
type Server struct {
	cfg   *config.Config
	orch  *lifecycle.Orchestrator
	proxy *proxy.Proxy
	store *registry.Store
	audit *audit.Logger

	httpSrv *http.Server
}

// New wires the control plane.
func New(cfg *config.Config, orch *lifecycle.Orchestrator, qp *proxy.Proxy, store *registry.Store, auditLog *audit.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		orch:  orch,
		proxy: qp,
		store: store,
		audit: auditLog,
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed for handler tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/create", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{name}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{name}/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{name}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		logging.Logger.Info("control plane listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Daemon.GracefulTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if !caller.admin {
		s.denied(w, r, "create requires the admin token")
		return
	}

	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_spec", "malformed request body")
		return
	}

	res, err := s.orch.Create(r.Context(), req)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if !caller.admin {
		s.denied(w, r, "listing sessions requires the admin token")
		return
	}

	sessions, err := s.orch.List(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	caller := callerFrom(r)
	if !caller.allows(name, session.CapInspect) {
		s.denied(w, r, "token does not grant inspect on "+name)
		return
	}

	sess, err := s.orch.Get(r.Context(), name)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	caller := callerFrom(r)
	if !caller.allows(name, session.CapQuery) {
		s.denied(w, r, "token does not grant query on "+name)
		return
	}

	var req session.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_spec", "malformed request body")
		return
	}

	resp, err := s.proxy.Query(r.Context(), name, caller.id, req)
	if err != nil {
		// A deadline overrun still carries a body describing the unknown
		// outcome of the in-session work.
		if errors.Is(err, session.ErrQueryTimeout) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGatewayTimeout)
			json.NewEncoder(w).Encode(map[string]any{
				"kind":     session.Kind(err),
				"error":    err.Error(),
				"response": resp,
			})
			return
		}
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	caller := callerFrom(r)
	if !caller.allows(name, session.CapRecycle) {
		s.denied(w, r, "token does not grant recycle on "+name)
		return
	}

	if err := s.orch.Recycle(r.Context(), name); err != nil {
		s.writeMapped(w, err)
		return
	}
	s.proxy.Forget(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recycled", "session": name})
}

// denied rejects an authenticated caller lacking the needed grant.
func (s *Server) denied(w http.ResponseWriter, r *http.Request, detail string) {
	s.audit.Record(audit.Event{
		Category: audit.CategoryPolicy,
		Action:   "denied",
		Caller:   callerFrom(r).id,
		Outcome:  "error",
		Detail:   detail,
	})
	writeError(w, http.StatusForbidden, "policy_violation", detail)
}

// writeMapped converts a control-plane error into its HTTP shape. A
// semantically unacceptable spec is 422 (a malformed body is rejected as
// 400 before reaching this layer), and operating on a session outside the
// running state is 400.
func (s *Server) writeMapped(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNameInUse):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotRunning):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidSpec):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrPolicy):
		status = http.StatusTooManyRequests
	case errors.Is(err, session.ErrUnreachable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrQueryTimeout):
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, session.Kind(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"kind": kind, "error": message})
}
