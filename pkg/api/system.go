package api

import (
	"net/http"
	"strconv"

	"mesh-maas/pkg/depcheck"
)

func (s *Server) handleDeps(w http.ResponseWriter, r *http.Request) error {
	rep := s.deps.Run(r.Context())
	status := http.StatusOK
	if rep.Status == depcheck.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
	return nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) error {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return nil
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest("limit must be a positive integer")
		}
		limit = n
	}
	entries, err := s.audit.ListAudit(r.Context(), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}
