package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"mesh-maas/pkg/auth"
	"mesh-maas/pkg/marketplace"
	"mesh-maas/pkg/playbook"
	"mesh-maas/pkg/supplychain"
)

var errForbidden = errors.New("insufficient permissions")

// httpError carries a status decided by the handler itself.
type httpError struct {
	status int
	detail string
}

func (e *httpError) Error() string { return e.detail }

func badRequest(detail string) error { return &httpError{status: http.StatusBadRequest, detail: detail} }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes and a {"detail": ...} body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func classify(err error) (int, string) {
	var he *httpError
	if errors.As(err, &he) {
		return he.status, he.detail
	}
	var ve *playbook.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ve.Error()
	}
	switch {
	case errors.Is(err, playbook.ErrSigning):
		return http.StatusInternalServerError, "playbook signing failed"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, errForbidden), errors.Is(err, marketplace.ErrForbidden):
		return http.StatusForbidden, "permission denied"
	case errors.Is(err, playbook.ErrNotFound),
		errors.Is(err, marketplace.ErrNotFound),
		errors.Is(err, supplychain.ErrUnknownVersion):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, supplychain.ErrDuplicate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, marketplace.ErrInvalid),
		errors.Is(err, marketplace.ErrAlreadyListed),
		errors.Is(err, marketplace.ErrOwnNode),
		errors.Is(err, marketplace.ErrNotAvailable),
		errors.Is(err, marketplace.ErrNoEscrow),
		errors.Is(err, marketplace.ErrEscrowActive),
		errors.Is(err, supplychain.ErrInvalid),
		errors.Is(err, supplychain.ErrDigestMismatch):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}
