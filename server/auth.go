package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey produces the bcrypt hash stored in configuration. The plain
// key is only ever held by clients.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// requireAPIKey guards /api routes with a bearer token checked against the
// configured bcrypt hash. No hash configured means open access, which is
// the local single-user setup.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(token)) != nil {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}
