package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"incasso.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
}

// withAuth verifies the bearer token and stores the operator in the context.
// Without a token service every request passes through.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="incasso"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="incasso", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.WithOperator(r.Context(), claims.Operator())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole admits requests whose operator holds any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := auth.OperatorFrom(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="incasso"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if op.Can(roles...) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="incasso", error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
		})
	}
}

// guard applies RequireRole only when tokens are configured.
func (a *API) guard(h http.HandlerFunc, roles ...string) http.Handler {
	if a.tokens == nil {
		return h
	}
	return RequireRole(roles...)(h)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
