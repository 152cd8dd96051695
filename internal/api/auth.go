package api

import (
	"errors"
	"net/http"
	"strings"

	"bustrack/internal/auth"
)

var (
	errUnauthenticated = errors.New("missing or invalid credentials")
	errForbidden       = errors.New("insufficient role")
)

// getPrincipal verifies the bearer token, if any.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") || s.Auth == nil {
		return auth.Principal{}, false
	}
	tok := strings.TrimSpace(authz[len("Bearer "):])
	pr, err := s.Auth.Verify(tok)
	if err != nil {
		s.Log.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
		return auth.Principal{}, false
	}
	return pr, true
}

// authorizeNotify accepts either a valid X-Signature over body (when a
// notify secret is configured) or a bearer token with the admin or service
// role.
func (s *Server) authorizeNotify(r *http.Request, body []byte) error {
	if sig := r.Header.Get(auth.SignatureHeader); sig != "" && s.Config.NotifyHMACSecret != "" {
		if auth.VerifyHMAC(s.Config.NotifyHMACSecret, body, sig) {
			return nil
		}
		return errUnauthenticated
	}
	pr, ok := s.getPrincipal(r)
	if !ok {
		return errUnauthenticated
	}
	if !pr.CanNotify() {
		return errForbidden
	}
	return nil
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	pr, ok := s.getPrincipal(r)
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", errUnauthenticated.Error(), r.URL.Path)
		return false
	}
	if !pr.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", errForbidden.Error(), r.URL.Path)
		return false
	}
	return true
}

func writeAuthProblem(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errForbidden) {
		writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="bustrack"`)
	writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
}
