// ABOUTME: HTTP API handlers for conversations, history, sends, read receipts and presence
// ABOUTME: Sends go through the delivery engine so HTTP and WebSocket clients see the same events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/realtime"
	"github.com/2389/huddle/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// CreateDirectRequest is the JSON body for POST /api/conversations/direct.
type CreateDirectRequest struct {
	UserID string `json:"user_id"`
}

// CreateGroupRequest is the JSON body for POST /api/conversations/group.
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// MemberRequest is the JSON body for POST /api/conversations/{id}/members.
type MemberRequest struct {
	UserID string `json:"user_id"`
}

// SendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}

// ConversationResponse describes a conversation and its active participants.
type ConversationResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
}

// HistoryResponse is one page of history.
type HistoryResponse struct {
	Messages   []realtime.MessageView `json:"messages"`
	NextCursor string                 `json:"next_cursor,omitempty"`
	HasMore    bool                   `json:"has_more"`
	Cache      string                 `json:"cache"` // "hit" or "miss"
}

// SendMessageResponse is returned for a send.
type SendMessageResponse struct {
	Message   realtime.MessageView `json:"message"`
	Duplicate bool                 `json:"duplicate,omitempty"`
}

// ReadResponse is returned for a mark-read.
type ReadResponse struct {
	MessageID string   `json:"message_id"`
	Status    string   `json:"status"`
	Changed   bool     `json:"changed"`
	Readers   []string `json:"readers"`
}

// PresenceResponse reports whether a user is connected.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"` // connected to this node
	// OnlineAnywhere includes other nodes when the presence mirror is enabled.
	OnlineAnywhere bool `json:"online_anywhere"`
}

// registerRoutes registers every route. Only health, status and metrics are
// reachable without a bearer token.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.promRegistry, promhttp.HandlerOpts{}))
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protect("POST /api/conversations/direct", g.handleCreateDirect)
	protect("POST /api/conversations/group", g.handleCreateGroup)
	protect("GET /api/conversations/{id}", g.handleGetConversation)
	protect("POST /api/conversations/{id}/members", g.handleAddMember)
	protect("DELETE /api/conversations/{id}/members/{userID}", g.handleRemoveMember)
	protect("GET /api/conversations/{id}/messages", g.handleListMessages)
	protect("POST /api/conversations/{id}/messages", g.handleSendMessage)
	protect("POST /api/conversations/{id}/messages/{messageID}/read", g.handleMarkRead)
	protect("GET /api/users/{userID}/presence", g.handlePresence)

	mux.Handle("GET /ws", auth.WebSocketAuthMiddleware(g.verifier)(http.HandlerFunc(g.handleWebSocket)))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus reports cache health and hit ratio. Unhealthy is 503 so
// load balancers can act on the status code alone.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := g.metrics.Status()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

func (g *Gateway) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := g.registry.GetOrCreateDirect(r.Context(), auth.UserID(r.Context()), req.UserID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeConversation(w, r, status, conv)
}

func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.registry.CreateGroup(r.Context(), auth.UserID(r.Context()), req.Name, req.MemberIDs)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeConversation(w, r, http.StatusCreated, conv)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if err := g.registry.Authorize(r.Context(), conversationID, auth.UserID(r.Context())); err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	conv, err := g.registry.Get(r.Context(), conversationID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeConversation(w, r, http.StatusOK, conv)
}

func (g *Gateway) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.registry.AddMember(r.Context(), auth.UserID(r.Context()), r.PathValue("id"), req.UserID); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := g.registry.RemoveMember(r.Context(), auth.UserID(r.Context()), r.PathValue("id"), r.PathValue("userID"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages handles GET /api/conversations/{id}/messages?cursor=&limit=.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	history, err := g.chat.ListMessages(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	resp := HistoryResponse{
		Messages:   make([]realtime.MessageView, len(history.Messages)),
		NextCursor: history.NextCursor,
		HasMore:    history.HasMore,
		Cache:      "miss",
	}
	if history.CacheHit {
		resp.Cache = "hit"
	}
	for i, msg := range history.Messages {
		resp.Messages[i] = realtime.NewMessageView(msg)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSendMessage persists and broadcasts a message. A retried client
// token returns the original message with 200 instead of 201.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.engine.SendMessage(r.Context(), realtime.Origin{}, chat.SendRequest{
		ConversationID: r.PathValue("id"),
		SenderID:       auth.UserID(r.Context()),
		Content:        req.Content,
		Type:           store.MessageType(strings.ToUpper(req.Type)),
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	g.writeJSON(w, status, SendMessageResponse{
		Message:   realtime.NewMessageView(result.Message),
		Duplicate: result.Duplicate,
	})
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	result, err := g.engine.MarkRead(r.Context(), realtime.Origin{}, r.PathValue("id"), r.PathValue("messageID"), auth.UserID(r.Context()))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	readers := result.Readers
	if readers == nil {
		readers = []string{}
	}
	g.writeJSON(w, http.StatusOK, ReadResponse{
		MessageID: result.Message.ID,
		Status:    string(result.Message.Status),
		Changed:   result.Created || result.StatusChanged,
		Readers:   readers,
	})
}

func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	anywhere, err := g.presence.IsOnlineAnywhere(r.Context(), userID)
	if err != nil {
		g.logger.Warn("presence lookup failed", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "presence temporarily unavailable")
		return
	}
	g.writeJSON(w, http.StatusOK, PresenceResponse{
		UserID:         userID,
		Online:         g.presence.IsOnline(userID),
		OnlineAnywhere: anywhere,
	})
}

// writeConversation responds with a conversation and its participants.
func (g *Gateway) writeConversation(w http.ResponseWriter, r *http.Request, status int, conv *store.Conversation) {
	participants, err := g.registry.ResolveParticipants(r.Context(), conv.ID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSON(w, status, ConversationResponse{
		ID:           conv.ID,
		Type:         string(conv.Type),
		Name:         conv.Name,
		CreatedBy:    conv.CreatedBy,
		CreatedAt:    conv.CreatedAt,
		Participants: participants,
	})
}

// statusForCode maps client error codes to HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case realtime.CodeForbidden:
		return http.StatusForbidden
	case realtime.CodeNotFound:
		return http.StatusNotFound
	case realtime.CodeUnavailable:
		return http.StatusServiceUnavailable
	case realtime.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError classifies err the same way error frames do.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := realtime.ErrorCode(err)
	if code == realtime.CodeInternal || code == realtime.CodeUnavailable {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	g.sendJSONError(w, statusForCode(code), realtime.ClientMessage(code, err))
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// decodeJSON decodes a bounded JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
