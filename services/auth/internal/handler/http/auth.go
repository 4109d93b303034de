package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/jockeBjers/isolApi/pkg/errors"
	"github.com/jockeBjers/isolApi/pkg/httputil"
	"github.com/jockeBjers/isolApi/pkg/middleware"
	"github.com/jockeBjers/isolApi/pkg/validator"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
	"github.com/jockeBjers/isolApi/services/auth/internal/service"
)

const maxBodyBytes = 1 << 20

// AuthHandler handles HTTP requests for auth endpoints.
type AuthHandler struct {
	service *service.Authenticator
	logger  *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(svc *service.Authenticator, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, logger: logger}
}

// --- Request DTOs ---

// RegisterRequest is the JSON request body for self-registration. The role
// is not client-controlled.
type RegisterRequest struct {
	Name           string `json:"name" validate:"required,min=1,max=100"`
	Email          string `json:"email" validate:"required,email,min=4,max=60"`
	Password       string `json:"password" validate:"required,password"`
	OrganizationID string `json:"organization_id" validate:"required,max=64"`
	Phone          string `json:"phone" validate:"omitempty,e164"`
}

// LoginRequest is the JSON request body for login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=60"`
	Password string `json:"password" validate:"required,max=100"`
}

// RefreshTokenRequest is the JSON request body for token refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// --- Response types ---

// UserResponse is the public view of a user. Credential, lockout and session
// state are never serialized.
type UserResponse struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	OrganizationID string    `json:"organization_id"`
	Phone          string    `json:"phone,omitempty"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// TokenResponse carries an access token and its paired refresh secret.
type TokenResponse struct {
	AccessToken           string    `json:"access_token"`
	TokenType             string    `json:"token_type"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

// AuthResponse wraps user data with tokens.
type AuthResponse struct {
	User   UserResponse  `json:"user"`
	Tokens TokenResponse `json:"tokens"`
}

func newUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		OrganizationID: u.OrganizationID,
		Phone:          u.Phone,
		Role:           u.Role.String(),
		CreatedAt:      u.CreatedAt,
	}
}

func newAuthResponse(res *service.AuthResult) AuthResponse {
	return AuthResponse{
		User: newUserResponse(res.User),
		Tokens: TokenResponse{
			AccessToken:           res.AccessToken,
			TokenType:             "Bearer",
			ExpiresAt:             res.AccessTokenExpiresAt,
			RefreshToken:          res.RefreshToken,
			RefreshTokenExpiresAt: res.RefreshTokenExpiresAt,
		},
	}
}

// --- Handlers ---

// Register handles POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req RegisterRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	user, err := h.service.Register(r.Context(), service.RegisterInput{
		Name:           req.Name,
		Email:          req.Email,
		Password:       req.Password,
		OrganizationID: req.OrganizationID,
		Phone:          req.Phone,
		Role:           domain.RoleUser,
	})
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: newUserResponse(user)})
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req LoginRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	res, err := h.service.Login(r.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newAuthResponse(res)})
}

// Refresh handles POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req RefreshTokenRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	res, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newAuthResponse(res)})
}

// Logout handles POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), userID); err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newUserResponse(user)})
}

// userID reads the authenticated user's ID placed in the context by the
// auth middleware.
func (h *AuthHandler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(middleware.UserIDFromContext(r.Context()), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, r, apperrors.Unauthorized("UNAUTHORIZED", "authentication required"), h.logger)
		return 0, false
	}
	return id, true
}
