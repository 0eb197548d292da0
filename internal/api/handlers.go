package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"companion.chat/relay/internal/apperrors"
	"companion.chat/relay/internal/core"
	"companion.chat/relay/internal/logging"
	"companion.chat/relay/internal/store"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type APIHandler struct {
	users *core.UserDirectory
	chat  *core.ChatService
	db    Pinger
	log   *logging.Logger
}

func NewAPIHandler(users *core.UserDirectory, chat *core.ChatService, db Pinger, log *logging.Logger) *APIHandler {
	return &APIHandler{users: users, chat: chat, db: db, log: log}
}

type RegisterRequest struct {
	Username string `json:"username"`
	// Age accepts both 30 and "30".
	Age json.Number `json:"age"`
}

type RegisterResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	age, err := parseAge(req.Age)
	if err != nil {
		h.writeError(w, r, apperrors.Validation(err.Error()))
		return
	}

	user, err := h.users.Register(r.Context(), req.Username, age)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		UserID:   user.ID,
		Username: user.Username,
		Message:  "User registered successfully",
	})
}

type PreferencesRequest struct {
	UserID      string         `json:"user_id"`
	Preferences map[string]any `json:"preferences"`
}

func (h *APIHandler) PreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.users.SetPreferences(r.Context(), req.UserID, stringifyPreferences(req.Preferences)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Preferences updated successfully"})
}

func (h *APIHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type MessagesResponse struct {
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chat.GetMessages(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type ChatResponse struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.chat.HandleTurn(r.Context(), req.UserID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Message: result.Reply, Model: result.Model})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("health check failed", logging.Fields{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, apperrors.Validation("Invalid request body: "+err.Error()))
		return false
	}
	return true
}

// writeError maps err to its status code and writes {"error": message}.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	err = apperrors.Internal(err)
	status := apperrors.StatusCode(err)
	message := err.Error()

	fields := logging.Fields{"path": r.URL.Path, "status": status, "error": message}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", fields)
	} else {
		h.log.Debug("request rejected", fields)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// parseAge truncates fractional ages. A missing age parses as 0 and is
// rejected by registration.
func parseAge(raw json.Number) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if n, err := raw.Int64(); err == nil {
		return n, nil
	}
	f, err := raw.Float64()
	if err != nil {
		return 0, fmt.Errorf("age must be a number")
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if math.IsNaN(f) || f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, fmt.Errorf("age is out of range")
	}
	return int64(f), nil
}

// stringifyPreferences flattens arbitrary JSON preference values into
// strings. Null becomes empty and non-string values keep their JSON form.
func stringifyPreferences(prefs map[string]any) map[string]string {
	out := make(map[string]string, len(prefs))
	for k, v := range prefs {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}
