package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/api/middleware"
	"github.com/curebird/curebird/internal/identity"
)

// AuthHandler handles account endpoints
type AuthHandler struct {
	svc    *identity.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new handler
func NewAuthHandler(svc *identity.Service, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes. The profile route requires a session.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/signup", h.SignUp)
	r.Post("/login", h.Login)
	r.Post("/federated", h.Federated)
	r.With(middleware.SessionAuth(h.svc)).Put("/profile", h.UpdateProfile)
	return r
}

// CredentialsRequest is the body of signup and login.
type CredentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

// FederatedRequest carries a provider-issued ID token.
type FederatedRequest struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
}

// ProfileRequest changes the display name.
type ProfileRequest struct {
	DisplayName string `json:"displayName"`
}

// SignUp handles POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.svc.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	h.session(w, r, s, err, http.StatusCreated)
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.svc.SignIn(r.Context(), req.Email, req.Password)
	h.session(w, r, s, err, http.StatusOK)
}

// Federated handles POST /auth/federated
func (h *AuthHandler) Federated(w http.ResponseWriter, r *http.Request) {
	var req FederatedRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.svc.SignInFederated(r.Context(), req.Provider, req.Credential)
	h.session(w, r, s, err, http.StatusOK)
}

// UpdateProfile handles PUT /auth/profile
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.svc.UpdateDisplayName(r.Context(), middleware.GetUserID(r.Context()), req.DisplayName)
	h.session(w, r, s, err, http.StatusOK)
}

func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request, s identity.Session, err error, status int) {
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("auth request failed",
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetRequestID(r.Context())),
				zap.Error(err))
		}
		jsonError(w, identity.Message(err), code)
		return
	}
	writeJSON(w, status, s)
}
