package controlplane

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var errMissingSubject = errors.New("token has no subject")

// parseToken verifies an HS256 bearer token and returns its subject as the
// acting user id.
func parseToken(secret []byte, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errMissingSubject
	}
	return subject, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) >= len("Bearer ") && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// withIdentity resolves the acting user. Requests without a token are
// anonymous unless the server requires authentication.
func (s *Server) withIdentity(next func(http.ResponseWriter, *http.Request, principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if s.cfg.RequireAuth {
				writeError(w, http.StatusUnauthorized, "missing authentication")
				return
			}
			next(w, r, principal{})
			return
		}
		if s.cfg.JWTSecret == "" {
			writeError(w, http.StatusUnauthorized, "token authentication is not configured")
			return
		}

		userID, err := parseToken([]byte(s.cfg.JWTSecret), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, principal{UserID: userID})
	}
}
