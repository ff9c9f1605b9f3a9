package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/virtlab/virtlabd/internal/device"
	"github.com/virtlab/virtlabd/internal/nio"
	"github.com/virtlab/virtlabd/internal/registry"
)

type deviceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Backend     string `json:"backend"`
	ProjectID   string `json:"project_id"`
	Status      string `json:"status"`
	Console     int    `json:"console"`
	ConsoleType string `json:"console_type"`
}

func deviceToResponse(d *device.Device) deviceResponse {
	return deviceResponse{
		ID:          d.ID(),
		Name:        d.Name(),
		Backend:     d.Backend(),
		ProjectID:   d.Project().ID(),
		Status:      string(d.Status()),
		Console:     d.Console(),
		ConsoleType: d.ConsoleType(),
	}
}

// persistDevice mirrors device state into the registry. Persistence
// failures are logged, never surfaced: the registry is a restart aid,
// not the source of truth.
func (s *Server) persistDevice(d *device.Device) {
	if s.db == nil {
		return
	}
	err := s.db.SaveDevice(&registry.DeviceRow{
		ID:          d.ID(),
		ProjectID:   d.Project().ID(),
		Name:        d.Name(),
		Backend:     d.Backend(),
		Status:      string(d.Status()),
		Console:     d.Console(),
		ConsoleType: d.ConsoleType(),
		CreatedAt:   d.CreatedAt(),
	})
	if err != nil {
		log.Warnf("api: persist device %s: %v", d.ID(), err)
	}
}

type createDeviceRequest struct {
	Name         string `json:"name"`
	DeviceID     string `json:"device_id,omitempty"`
	Console      int    `json:"console,omitempty"`
	ConsoleType  string `json:"console_type,omitempty"`
	Adapters     int    `json:"adapters,omitempty"`
	AdapterPorts int    `json:"adapter_ports,omitempty"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	projectID := chi.URLParam(r, "projectID")
	proj, err := s.projects.Open(projectID, projectID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var opts []device.Option
	if req.Console > 0 {
		opts = append(opts, device.WithConsole(req.Console))
	}
	if req.ConsoleType != "" {
		opts = append(opts, device.WithConsoleType(req.ConsoleType))
	}
	if req.Adapters > 0 {
		opts = append(opts, device.WithAdapters(req.Adapters, req.AdapterPorts))
	}

	d, err := m.CreateDevice(r.Context(), proj, req.Name, req.DeviceID, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	s.persistDevice(d)
	writeJSON(w, http.StatusCreated, deviceToResponse(d))
}

// getDevice resolves the device named in the URL, scoped to its project.
func (s *Server) getDevice(r *http.Request) (*device.Device, error) {
	m, err := s.manager(r)
	if err != nil {
		return nil, err
	}
	return m.GetDevice(chi.URLParam(r, "deviceID"), chi.URLParam(r, "projectID"))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.getDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceToResponse(d))
}

// handleDeviceAction runs one of the lifecycle transitions.
func (s *Server) handleDeviceAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.getDevice(r)
		if err != nil {
			writeError(w, err)
			return
		}
		switch action {
		case "start":
			err = d.Start(r.Context())
		case "stop":
			err = d.Stop(r.Context())
		case "suspend":
			err = d.Suspend(r.Context())
		case "resume":
			err = d.Resume(r.Context())
		}
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		s.persistDevice(d)
		writeJSON(w, http.StatusOK, deviceToResponse(d))
	}
}

func (s *Server) handleCloseDevice(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if _, err := m.GetDevice(chi.URLParam(r, "deviceID"), chi.URLParam(r, "projectID")); err != nil {
		writeError(w, err)
		return
	}
	d, err := m.CloseDevice(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.persistDevice(d)
	writeJSON(w, http.StatusOK, deviceToResponse(d))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if _, err := m.GetDevice(chi.URLParam(r, "deviceID"), chi.URLParam(r, "projectID")); err != nil {
		writeError(w, err)
		return
	}
	d, err := m.DeleteDevice(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.db != nil {
		if err := s.db.DeleteDevice(d.ID()); err != nil {
			log.Warnf("api: forget device %s: %v", d.ID(), err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type setConsoleRequest struct {
	Console     int    `json:"console,omitempty"`
	ConsoleType string `json:"console_type,omitempty"`
}

func (s *Server) handleSetConsole(w http.ResponseWriter, r *http.Request) {
	d, err := s.getDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req setConsoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if req.ConsoleType != "" {
		if err := d.SetConsoleType(req.ConsoleType); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Console > 0 {
		if err := d.SetConsole(req.Console); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	s.persistDevice(d)
	writeJSON(w, http.StatusOK, deviceToResponse(d))
}

type nioRequest struct {
	Type       string `json:"type"`
	LocalPort  int    `json:"local_port,omitempty"`
	RemoteHost string `json:"remote_host,omitempty"`
	RemotePort int    `json:"remote_port,omitempty"`
	Device     string `json:"device,omitempty"`
	Interface  string `json:"interface,omitempty"`
}

// buildNIO constructs the link described by the request. A UDP link
// without a local port gets one from the allocator; an explicit local
// port is reserved strictly and conflicts instead of substituting.
func (s *Server) buildNIO(d *device.Device, req *nioRequest) (nio.NIO, error) {
	switch req.Type {
	case nio.TypeUDP:
		localPort := req.LocalPort
		if localPort == 0 {
			var err error
			localPort, err = s.allocator.GetFreeUDPPort(d.Project())
			if err != nil {
				return nil, err
			}
		} else if owner := s.allocator.UsedUDP()[localPort]; owner != d.Project().ID() {
			// A port the project pre-allocated through the ports API is
			// accepted as is; anything else must be reserved first.
			if err := s.allocator.ReserveUDPPort(localPort, d.Project()); err != nil {
				return nil, err
			}
		}
		n, err := nio.NewUDP(localPort, req.RemoteHost, req.RemotePort)
		if err != nil {
			s.allocator.ReleaseUDPPort(localPort, d.Project())
			return nil, err
		}
		return n, nil
	case nio.TypeTAP:
		return nio.NewTAP(req.Device)
	case nio.TypeEthernet:
		return nio.NewEthernet(req.Interface)
	case nio.TypeNAT:
		return nio.NewNAT(), nil
	default:
		return nil, fmt.Errorf("unknown NIO type %q", req.Type)
	}
}

func (s *Server) handleAddNIO(w http.ResponseWriter, r *http.Request) {
	d, err := s.getDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req nioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	adapterNum, portNum, err := adapterPortParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	n, err := s.buildNIO(d, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.AddNIO(adapterNum, portNum, n); err != nil {
		// Give the tunnel port back if the bind itself failed.
		if udp, ok := n.(*nio.UDP); ok {
			s.allocator.ReleaseUDPPort(udp.LocalPort, d.Project())
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"type": n.Type()})
}

func (s *Server) handleRemoveNIO(w http.ResponseWriter, r *http.Request) {
	d, err := s.getDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	adapterNum, portNum, err := adapterPortParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := d.RemoveNIO(adapterNum, portNum); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func adapterPortParams(r *http.Request) (int, int, error) {
	adapterNum, err := strconv.Atoi(chi.URLParam(r, "adapter"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid adapter number %q", chi.URLParam(r, "adapter"))
	}
	portNum, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port number %q", chi.URLParam(r, "port"))
	}
	return adapterNum, portNum, nil
}
