package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/audioqueue/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth guards the operator endpoints with a single admin key whose bcrypt
// hash comes from configuration.
type Auth struct {
	keyHash []byte
}

// NewAuth creates a new Auth middleware. An empty hash disables the admin
// endpoints entirely.
func NewAuth(adminKeyHash string) *Auth {
	return &Auth{keyHash: []byte(adminKeyHash)}
}

// RequireAdmin validates the Bearer token against the admin key hash.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.keyHash) == 0 {
			response.Error(w, http.StatusForbidden,
				"ADMIN_DISABLED", "Admin API is not configured", nil)
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.keyHash, []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid admin key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(setAdmin(r.Context())))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
