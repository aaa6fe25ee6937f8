package api

import (
	"net/http"

	"mesh-maas/pkg/auth"
)

// authenticate attaches the caller's principal when the request carries
// valid credentials. Agent-facing routes stay reachable without any.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			if tok := r.Header.Get("X-Auth-Token"); tok != "" {
				h = "Bearer " + tok
			}
		}
		if h != "" {
			if p, err := s.auth.Resolve(h); err == nil {
				r = r.WithContext(auth.WithPrincipal(r.Context(), p))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// require rejects requests without a principal (401) or, when capability
// is non-empty, without that capability (403).
func (s *Server) require(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok {
				s.writeError(w, r, auth.ErrUnauthenticated)
				return
			}
			if capability != "" && !p.Can(capability) {
				s.writeError(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok {
			s.writeError(w, r, auth.ErrUnauthenticated)
			return
		}
		if !p.IsAdmin() {
			s.writeError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
