// Package api exposes the device pool managers and the port allocator
// over HTTP. The routing layer stays thin: it decodes requests, calls
// the managers, and maps their errors onto status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/virtlab/virtlabd/internal/config"
	"github.com/virtlab/virtlabd/internal/images"
	"github.com/virtlab/virtlabd/internal/manager"
	"github.com/virtlab/virtlabd/internal/ports"
	"github.com/virtlab/virtlabd/internal/project"
	"github.com/virtlab/virtlabd/internal/registry"
	"github.com/virtlab/virtlabd/internal/version"
)

// Server is the virtlabd HTTP API server.
type Server struct {
	cfg       *config.Config
	allocator *ports.Allocator
	projects  *project.Store
	managers  map[string]*manager.Manager
	db        *registry.DB

	server *http.Server
	ln     net.Listener
}

// NewServer creates the API server. db may be nil when persistence is
// disabled.
func NewServer(cfg *config.Config, alloc *ports.Allocator, projects *project.Store, managers map[string]*manager.Manager, db *registry.DB) *Server {
	s := &Server{
		cfg:       cfg,
		allocator: alloc,
		projects:  projects,
		managers:  managers,
		db:        db,
	}
	s.server = &http.Server{Handler: s.routes()}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/status", s.handleStatus)

		r.Route("/projects/{projectID}/ports", func(r chi.Router) {
			r.Post("/tcp", s.handleAllocatePort("tcp"))
			r.Post("/udp", s.handleAllocatePort("udp"))
			r.Post("/tcp/{port}", s.handleReservePort("tcp"))
			r.Post("/udp/{port}", s.handleReservePort("udp"))
			r.Delete("/tcp/{port}", s.handleReleasePort("tcp"))
			r.Delete("/udp/{port}", s.handleReleasePort("udp"))
		})

		r.Route("/projects/{projectID}/{backend}/devices", func(r chi.Router) {
			r.Post("/", s.handleCreateDevice)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/start", s.handleDeviceAction("start"))
				r.Post("/stop", s.handleDeviceAction("stop"))
				r.Post("/suspend", s.handleDeviceAction("suspend"))
				r.Post("/resume", s.handleDeviceAction("resume"))
				r.Post("/close", s.handleCloseDevice)
				r.Put("/console", s.handleSetConsole)
				r.Post("/adapters/{adapter}/ports/{port}/nio", s.handleAddNIO)
				r.Delete("/adapters/{adapter}/ports/{port}/nio", s.handleRemoveNIO)
			})
		})

		r.Route("/{backend}/images", func(r chi.Router) {
			r.Get("/", s.handleListImages)
			r.Post("/pull", s.handlePullImage)
			r.Post("/{filename}", s.handleWriteImage)
		})
	})
	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	log.Infof("virtlabd API listening on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("api server: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version()})
}

type statusResponse struct {
	Version  string         `json:"version"`
	Backends []string       `json:"backends"`
	Devices  int            `json:"devices"`
	UsedTCP  map[int]string `json:"used_tcp_ports"`
	UsedUDP  map[int]string `json:"used_udp_ports"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: version.Version(),
		UsedTCP: s.allocator.UsedTCP(),
		UsedUDP: s.allocator.UsedUDP(),
	}
	for name, m := range s.managers {
		resp.Backends = append(resp.Backends, name)
		resp.Devices += len(m.Devices())
	}
	writeJSON(w, http.StatusOK, resp)
}

// errUnknownBackend marks requests naming a backend no manager serves.
var errUnknownBackend = errors.New("unknown backend")

// manager returns the pool for the backend named in the URL.
func (s *Server) manager(r *http.Request) (*manager.Manager, error) {
	backend := chi.URLParam(r, "backend")
	m, ok := s.managers[backend]
	if !ok {
		return nil, fmt.Errorf("%q: %w", backend, errUnknownBackend)
	}
	return m, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a manager or allocator error onto the boundary
// status codes. Project mismatches surface as not-found so a caller
// cannot probe for devices in other projects.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrInvalidDeviceID):
		status = http.StatusBadRequest
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, manager.ErrProjectMismatch),
		errors.Is(err, errUnknownBackend):
		status = http.StatusNotFound
	case errors.Is(err, images.ErrPathOutsideSandbox):
		status = http.StatusForbidden
	}
	var conflict *ports.ConflictError
	var exhausted *ports.ExhaustedError
	if errors.As(err, &conflict) || errors.As(err, &exhausted) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
