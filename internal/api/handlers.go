package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"rbio.com/nutribot/internal/auth"
	"rbio.com/nutribot/internal/gateway"
)

type contextKey string

const callerKey contextKey = "caller"

// Validator checks a bearer token and returns its subject.
type Validator interface {
	Validate(token string) (string, error)
}

var _ Validator = (*auth.Issuer)(nil)

type APIHandler struct {
	handle    gateway.MessageHandler
	validator Validator
	logger    *zap.Logger
}

// NewAPIHandler wires POST /api/messages to handle. Wrap handle with a gateway.Router binding when
// replies should go back over the callback channel.
func NewAPIHandler(handle gateway.MessageHandler, validator Validator, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{handle: handle, validator: validator, logger: logger}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		caller, err := h.validator.Validate(tokenString)
		if err != nil {
			writeError(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type PostMessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// PostMessageHandler accepts one inbound chat message. Replies are delivered asynchronously through
// the outbound channel, never in the response body.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := r.Context().Value(callerKey).(string)

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.handle(r.Context(), req.UserID, req.Text); err != nil {
		h.logger.Error("failed to handle message",
			zap.String("caller", caller),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		writeError(w, "Failed to process message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
