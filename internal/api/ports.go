package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/virtlab/virtlabd/internal/project"
)

type portResponse struct {
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	ProjectID string `json:"project_id"`
}

// portProject resolves the project named in the URL, opening it on
// first use like device creation does.
func (s *Server) portProject(r *http.Request) (*project.Project, error) {
	projectID := chi.URLParam(r, "projectID")
	return s.projects.Open(projectID, projectID)
}

func portParam(r *http.Request) (int, error) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", chi.URLParam(r, "port"))
	}
	return port, nil
}

// handleAllocatePort hands out a free port from the pool matching the
// protocol, owned by the project in the URL.
func (s *Server) handleAllocatePort(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proj, err := s.portProject(r)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		var port int
		if protocol == "udp" {
			port, err = s.allocator.GetFreeUDPPort(proj)
		} else {
			port, err = s.allocator.GetFreeTCPPort(proj)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, portResponse{Port: port, Protocol: protocol, ProjectID: proj.ID()})
	}
}

// handleReservePort claims the specific port named in the URL. Both
// protocols reserve strictly here: a caller asking for an exact port
// gets a conflict, not a substitute.
func (s *Server) handleReservePort(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proj, err := s.portProject(r)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		port, err := portParam(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if protocol == "udp" {
			err = s.allocator.ReserveUDPPort(port, proj)
		} else {
			err = s.allocator.ReserveTCPPortStrict(port, proj)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, portResponse{Port: port, Protocol: protocol, ProjectID: proj.ID()})
	}
}

// handleReleasePort returns a port to the pool. Releasing an untracked
// port succeeds, matching allocator semantics.
func (s *Server) handleReleasePort(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proj, err := s.portProject(r)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		port, err := portParam(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if protocol == "udp" {
			s.allocator.ReleaseUDPPort(port, proj)
		} else {
			s.allocator.ReleaseTCPPort(port, proj)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
