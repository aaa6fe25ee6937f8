package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mesh-maas/pkg/model"
	"mesh-maas/pkg/supplychain"
)

func (s *Server) handleVersions(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string][]string{"versions": s.registry.Versions()})
	return nil
}

func (s *Server) handleSBOM(w http.ResponseWriter, r *http.Request) error {
	sbom, err := s.registry.Get(chi.URLParam(r, "version"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sbom)
	return nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	digest := r.URL.Query().Get("hash")
	if digest == "" {
		return badRequest("hash is required")
	}
	v, err := s.registry.VerifyBinary(chi.URLParam(r, "version"), digest)
	if errors.Is(err, supplychain.ErrUnknownVersion) {
		return badRequest("unknown version")
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, v)
	return nil
}

func (s *Server) handleRegisterSBOM(w http.ResponseWriter, r *http.Request) error {
	var sbom model.SBOM
	if err := json.NewDecoder(r.Body).Decode(&sbom); err != nil {
		return badRequest("invalid payload")
	}
	if err := s.registry.Register(sbom); err != nil {
		return err
	}
	s.appendAudit(r, model.AuditEntry{
		Actor:  principal(r).Username,
		Action: model.AuditSBOMRegistered,
		Target: sbom.Version,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "version": sbom.Version})
	return nil
}
