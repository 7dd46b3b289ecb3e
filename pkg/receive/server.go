package receive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
)

// Server is the node's webhook listener: /hooks/{sender} for addressed
// messages, /hooks/agent for the generic session router, /api/status for
// the cheap liveness probe, /inbox and /health for polling hosts.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	pipeline *Pipeline
	server   *http.Server
	mux      *http.ServeMux
}

func NewServer(cfg *config.Config, reg *registry.Registry, pipeline *Pipeline) *Server {
	s := &Server{cfg: cfg, reg: reg, pipeline: pipeline, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /hooks/", s.handleHook)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /inbox", s.handleInbox)
	return s
}

// Mux exposes the routing table so the dashboard can mount its endpoints
// on the same listener.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) port() int {
	if self, ok := s.reg.SelfPeer(); ok && self.Port > 0 {
		return self.Port
	}
	return s.cfg.HTTP.Port
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port())
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("receive", "webhook server listening", map[string]interface{}{
			"addr":  addr,
			"agent": s.reg.Self(),
		})
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) authorized(r *http.Request) bool {
	self, ok := s.reg.SelfPeer()
	if !ok || self.Token == "" {
		// Nothing to check against; the trusted-LAN assumption holds.
		return true
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ") == self.Token
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "read body failed"})
		return
	}

	var wire struct {
		Message    string `json:"message"`
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || wire.Message == "" {
		// Bare body without the wrapper; hand the raw bytes through.
		status, _ := s.pipeline.Process(r.Context(), data, "")
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "status": status})
		return
	}

	// Only /hooks/agent honors a caller-supplied session key.
	sessionKey := ""
	if strings.TrimPrefix(r.URL.Path, "/hooks/") == "agent" {
		sessionKey = wire.SessionKey
	}

	status, perr := s.pipeline.Process(r.Context(), []byte(wire.Message), sessionKey)
	if perr != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": perr.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "status": status})
}

// handleStatus is the discovery probe target: cheap, unauthenticated, and
// it never touches the host agent.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"agent":  s.reg.Self(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"agent":  s.reg.Self(),
		"inbox":  s.pipeline.Inbox().Len(),
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	envs := s.pipeline.Inbox().List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": envs,
		"count":    len(envs),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
