package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatbot-service/internal/core"
)

// TurnService runs one conversation turn end to end.
type TurnService interface {
	HandleTurn(ctx context.Context, userKey, messageText, inputType string) (core.TurnResult, error)
}

// UserRegistry is the existence-oriented account directory consulted before
// a turn is started.
type UserRegistry interface {
	UserExists(ctx context.Context, userKey string) (bool, error)
	CreateUser(ctx context.Context, userKey string) error
	DeleteUser(ctx context.Context, userKey string) error
}

// LockAdmin exposes the operator path for clearing a stuck lock.
type LockAdmin interface {
	ReleaseLock(ctx context.Context, userKey string) error
}

type APIHandler struct {
	sessions TurnService
	registry UserRegistry
	locks    LockAdmin
}

func NewAPIHandler(sessions TurnService, registry UserRegistry, locks LockAdmin) *APIHandler {
	return &APIHandler{sessions: sessions, registry: registry, locks: locks}
}

type ProcessRequest struct {
	Username     string `json:"username"`
	MessageInput string `json:"message_input"`
	InputType    string `json:"input_type"`
}

type ProcessResponse struct {
	Username   string `json:"username"`
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
}

func (h *APIHandler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.MessageInput == "" || req.InputType == "" {
		http.Error(w, "username, message_input and input_type are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	exists, err := h.registry.UserExists(ctx, req.Username)
	if err != nil {
		log.Printf("Error checking user %s: %v", req.Username, err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !exists {
		if err := h.registry.CreateUser(ctx, req.Username); err != nil {
			log.Printf("Error creating user %s: %v", req.Username, err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	result, err := h.sessions.HandleTurn(ctx, req.Username, req.MessageInput, req.InputType)
	if err != nil {
		log.Printf("Turn failed for user %s: %v", req.Username, err)
		writeTurnError(w, err)
		return
	}

	json.NewEncoder(w).Encode(ProcessResponse{
		Username:   req.Username,
		Response:   result.Response,
		TokensUsed: result.Tokens,
	})
}

func (h *APIHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.registry.DeleteUser(r.Context(), userID); err != nil {
		log.Printf("Error deleting user %s: %v", userID, err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForceUnlockHandler clears a stuck lock left behind by a crashed session.
func (h *APIHandler) ForceUnlockHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.locks.ReleaseLock(r.Context(), userID); err != nil {
		log.Printf("Error force-unlocking user %s: %v", userID, err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	log.Printf("Force-unlocked user %s", userID)
	w.WriteHeader(http.StatusNoContent)
}

// writeTurnError maps the session error taxonomy onto HTTP statuses:
// retryable conditions get 429/502/503, caller errors 400, corrupt state 500.
func writeTurnError(w http.ResponseWriter, err error) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	switch coreErr.Code {
	case core.ErrorUnsupportedInput:
		http.Error(w, "Unsupported input type", http.StatusBadRequest)
	case core.ErrorLockContended:
		http.Error(w, "Conversation busy, try again shortly", http.StatusTooManyRequests)
	case core.ErrorModelInvocation:
		http.Error(w, "Model invocation failed", http.StatusBadGateway)
	case core.ErrorStoreUnavailable:
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
	case core.ErrorStateCorrupt:
		http.Error(w, "Conversation state unreadable", http.StatusInternalServerError)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
