// Package admin exposes the operator HTTP surface: configuration
// inspection, cluster membership, tooling overwrite, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/burrowlabs/burrow/cluster"
	"github.com/burrowlabs/burrow/codec"
	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/ncm"
	"github.com/burrowlabs/burrow/telemetry"
)

const overwriteTimeout = 10 * time.Second

// Server is the admin HTTP server.
type Server struct {
	manager *ncm.Manager
	view    *cluster.View
	codec   *codec.Codec
	httpSrv *http.Server
}

// NewServer builds the admin server listening on addr.
func NewServer(addr string, manager *ncm.Manager, view *cluster.View, c *codec.Codec) *Server {
	s := &Server{
		manager: manager,
		view:    view,
		codec:   c,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/nc", func(r chi.Router) {
			r.Get("/", s.handleGetConfig)
			r.Get("/version", s.handleVersions)
			r.Post("/overwrite", s.handleOverwrite)
		})

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/members", s.handleMembers)
			r.Get("/summary", s.handleSummary)
		})
	})

	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("addr", s.httpSrv.Addr).Msg("Admin endpoints enabled at /admin")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "initializing"
	if s.manager.GetConfig() != nil {
		status = "ok"
	}
	if s.manager.ShutdownSignaled() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	config := s.manager.GetConfig()
	if config == nil {
		writeError(w, http.StatusNotFound, "no configuration published yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(s.codec.DebugJSON(config)))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{
		"published":    s.manager.GetConfig().GetVersion(),
		"latest_known": s.manager.GetLatestKnownConfig().GetVersion(),
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members := s.view.Members()
	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"count":   len(members),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view.Summarize())
}

// handleOverwrite accepts a full configuration document and writes it to the
// store unconditionally. Only permitted in tooling mode; the manager rejects
// everything else with ACCESS.
func (s *Server) handleOverwrite(w http.ResponseWriter, r *http.Request) {
	var config nc.NodesConfiguration
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, "invalid configuration document: "+err.Error())
		return
	}
	if config.Nodes == nil {
		config.Nodes = map[uint64]*nc.NodeDescriptor{}
	}

	done := make(chan error, 1)
	s.manager.Overwrite(&config, func(err error, _ *nc.NodesConfiguration) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			status := http.StatusInternalServerError
			if err == ncm.ErrAccess {
				status = http.StatusForbidden
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"version": config.Version,
		})
	case <-time.After(overwriteTimeout):
		writeError(w, http.StatusGatewayTimeout, "overwrite timed out")
	}
}
