package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ComUnity/city-sentinel/internal/ledger"
	"github.com/ComUnity/city-sentinel/internal/middleware"
	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
	"github.com/ComUnity/city-sentinel/security"
)

// AuthService is satisfied by *security.Facade.
type AuthService interface {
	Authenticate(ctx context.Context, principal, secret, origin string) (models.AuthResult, error)
	Register(ctx context.Context, principal, secret string) (models.Identity, error)
	ChangeSecret(ctx context.Context, principal, oldSecret, newSecret, origin string) (models.AuthResult, error)
}

type AuthHandler struct {
	svc              AuthService
	trustProxyHeader bool
	maxBody          int64
}

func NewAuthHandler(svc AuthService, trustProxyHeader bool, maxInputLength int) *AuthHandler {
	// two fields plus JSON framing
	limit := int64(maxInputLength)*8 + 1024
	return &AuthHandler{svc: svc, trustProxyHeader: trustProxyHeader, maxBody: limit}
}

type credentialsRequest struct {
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
}

type changeSecretRequest struct {
	Principal string `json:"principal"`
	OldSecret string `json:"old_secret"`
	NewSecret string `json:"new_secret"`
}

type registerResponse struct {
	PrincipalID string      `json:"principal_id"`
	Role        models.Role `json:"role"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Login answers 200 with a token and 401 for every denial. Throttled,
// decoy and wrong-secret attempts get the same status and body so a caller
// cannot tell them apart.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	origin := middleware.ClientIP(r, h.trustProxyHeader)
	res, err := h.svc.Authenticate(r.Context(), req.Principal, req.Secret, origin)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerWrite) {
			logger.Error("Login: audit unavailable: %v", err)
			writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		logger.Error("Login: %v", err)
		writeDenied(w)
		return
	}
	if !res.Granted() {
		writeDenied(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.svc.Register(r.Context(), req.Principal, req.Secret)
	if err != nil {
		status, msg := registerError(err)
		writeJSONError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		PrincipalID: id.PrincipalID,
		Role:        id.Role,
		CreatedAt:   id.CreatedAt,
	})
}

// ChangeSecret answers 204 once the secret is replaced. A failed check of
// the old secret is a denial like any failed login.
func (h *AuthHandler) ChangeSecret(w http.ResponseWriter, r *http.Request) {
	var req changeSecretRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	origin := middleware.ClientIP(r, h.trustProxyHeader)
	res, err := h.svc.ChangeSecret(r.Context(), req.Principal, req.OldSecret, req.NewSecret, origin)
	switch {
	case errors.Is(err, ledger.ErrLedgerWrite):
		logger.Error("ChangeSecret: audit unavailable: %v", err)
		writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
	case err != nil:
		status, msg := registerError(err)
		writeJSONError(w, status, msg)
	case !res.Granted():
		writeDenied(w)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeDenied sends the single public denial. The reason stays in the ledger.
func writeDenied(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, models.AuthResult{
		Status:  models.StatusDenied,
		Message: models.PublicDenyMessage,
	})
}

func registerError(err error) (int, string) {
	switch {
	case errors.Is(err, security.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, security.ErrDuplicateIdentity):
		return http.StatusConflict, "principal already registered"
	case errors.Is(err, security.ErrInvalidPrincipal),
		errors.Is(err, security.ErrEmptySecret),
		errors.Is(err, security.ErrInputTooLong),
		errors.Is(err, security.ErrSuspiciousInput):
		return http.StatusBadRequest, err.Error()
	default:
		logger.Error("identity operation failed: %v", err)
		return http.StatusInternalServerError, "internal error"
	}
}
