package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HyphaGroup/acpgate/internal/logger"
	"github.com/HyphaGroup/acpgate/internal/metrics"
)

// Handler serves the auth HTTP surface: login, verify, refresh.
type Handler struct {
	service    *Service
	limiter    *RateLimiter
	corsOrigin string
}

// NewHandler creates the auth HTTP handler.
func NewHandler(service *Service, limiter *RateLimiter, corsOrigin string) *Handler {
	return &Handler{service: service, limiter: limiter, corsOrigin: corsOrigin}
}

// Register mounts the auth routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.cors(h.handleLogin))
	mux.HandleFunc("/auth/verify", h.cors(h.handleVerify))
	mux.HandleFunc("/auth/refresh", h.cors(h.handleRefresh))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !h.limiter.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "Too many login attempts. Please slow down.")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.service.Login(req.Username, req.Password)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		logger.Slog().Debug("login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "Authentication required (Bearer token)")
		return
	}

	principal, err := h.service.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		metrics.AuthFailures.WithLabelValues("verify").Inc()
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"username": principal,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.service.Refresh(req.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("refresh").Inc()
		status := http.StatusUnauthorized
		msg := "Invalid token"
		if errors.Is(err, ErrTokenExpired) {
			msg = "Token expired beyond the refresh window"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// cors applies the configured CORS origin and short-circuits preflights.
func (h *Handler) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// HealthHandler answers GET /health.
func HealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
			"version":   version,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
