package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	images, err := m.ListImages()
	if err != nil {
		writeError(w, err)
		return
	}
	if images == nil {
		images = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"images": images})
}

func (s *Server) handleWriteImage(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// The body streams straight into the store; no buffering here.
	path, err := m.WriteImage(chi.URLParam(r, "filename"), r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	checksum, err := m.ImageChecksum(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"path":   m.RelativeImagePath(path),
		"md5sum": checksum,
	})
}

type pullImageRequest struct {
	Ref string `json:"ref"`
}

func (s *Server) handlePullImage(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req pullImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ref == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ref is required"})
		return
	}
	path, err := m.PullImage(r.Context(), req.Ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}
