package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authUser is the only basic auth user name accepted
const authUser = "uploadq"

// authMiddleware checks basic auth against bcrypt hash, ping is open
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok && username == authUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="uploadq"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
