package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util"
)

// TokenValidator is satisfied by *util.JWTManager.
type TokenValidator interface {
	ValidateToken(tokenString string) (*util.SessionClaims, error)
}

type sessionResponse struct {
	PrincipalID string      `json:"principal_id"`
	Role        models.Role `json:"role"`
	AttemptID   string      `json:"attempt_id"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// SessionInfoHandler describes the session behind a bearer token issued by
// login. Any token problem is a plain 401.
func SessionInfoHandler(tokens TokenValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeJSONError(w, http.StatusUnauthorized, "no active session")
			return
		}
		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "no active session")
			return
		}
		resp := sessionResponse{
			PrincipalID: claims.Subject,
			Role:        claims.Role,
			AttemptID:   claims.AttemptID,
		}
		if claims.ExpiresAt != nil {
			resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
