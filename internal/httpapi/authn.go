package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ptw.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = map[string]bool{
	"/login":                     true,
	"/change-temporary-password": true,
	"/healthz":                   true,
	"/readyz":                    true,
	"/metrics":                   true,
}

// withAuth rejects requests to protected paths that do not carry a valid
// bearer token. The verified identity is stored in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeUnauthorized(w)
			return
		}
		id, err := a.auth.Authenticate(token)
		if err != nil {
			if !errors.Is(err, auth.ErrTokenExpired) {
				a.log.Debug().Err(err).Str("path", r.URL.Path).Msg("bearer token rejected")
			}
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// identity returns the caller set by withAuth. Handlers behind the gate
// always have one; a missing identity is answered with 401.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
	}
	return id, ok
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
