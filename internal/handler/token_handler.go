package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/auth"
	"github.com/prn-tf/syncserver/internal/service"
)

// TokenHandler exchanges user credentials for a device token.
type TokenHandler struct {
	users  *service.UserService
	issuer *auth.TokenIssuer
	logger zerolog.Logger
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(users *service.UserService, issuer *auth.TokenIssuer, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{
		users:  users,
		issuer: issuer,
		logger: logger.With().Str("handler", "token").Logger(),
	}
}

type tokenRequest struct {
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	DeviceUUID string `json:"deviceUUID" validate:"required,uuid"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    int64     `json:"userId"`
}

// ServeHTTP issues a token for the device named in the request.
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.logger.Debug().Err(err).Str("username", req.Username).Msg("token request rejected")
		writeServiceError(w, h.logger, err)
		return
	}

	token, expiresAt, err := h.issuer.Issue(user.ID, user.Username, req.DeviceUUID)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", user.ID).Msg("failed to issue token")
		writeError(w, errInternal)
		return
	}

	h.logger.Info().
		Int64("user_id", user.ID).
		Str("device_uuid", req.DeviceUUID).
		Msg("token issued")
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
	})
}
