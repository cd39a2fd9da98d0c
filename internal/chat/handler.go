package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chat-core/internal/apperr"
	myMiddleware "chat-core/internal/middleware"
	"chat-core/internal/presence"
	"chat-core/internal/ratelimit"
	"chat-core/internal/store"
	"chat-core/internal/typing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// TokenValidator is what the handshake needs from the user service.
type TokenValidator interface {
	ValidateToken(tokenString string) (uuid.UUID, string, error)
}

type ConversationDirectory interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*store.Conversation, error)
	GetOrCreateDirect(ctx context.Context, userA, userB uuid.UUID) (*store.Conversation, error)
	CreateGroup(ctx context.Context, creator uuid.UUID, name string, participantIDs []uuid.UUID) (*store.Conversation, error)
}

type Handler struct {
	coordinator *Coordinator
	registry    *Registry
	presence    *presence.Store
	typing      *typing.Tracker
	limiter     *ratelimit.Limiter
	convs       ConversationDirectory
	validator   TokenValidator
	validate    *validator.Validate

	sendLimit  int
	sendWindow time.Duration

	log *slog.Logger
}

func NewHandler(
	coordinator *Coordinator,
	registry *Registry,
	pres *presence.Store,
	tracker *typing.Tracker,
	limiter *ratelimit.Limiter,
	convs ConversationDirectory,
	tokenValidator TokenValidator,
	sendLimit int,
	sendWindow time.Duration,
	log *slog.Logger,
) *Handler {
	return &Handler{
		coordinator: coordinator,
		registry:    registry,
		presence:    pres,
		typing:      tracker,
		limiter:     limiter,
		convs:       convs,
		validator:   tokenValidator,
		validate:    validator.New(),
		sendLimit:   sendLimit,
		sendWindow:  sendWindow,
		log:         log,
	}
}

// ServeWs upgrades the socket, verifies the bearer credential and the
// caller's membership, and starts the session pumps. Failed checks close
// the socket with a policy-violation code, mirroring how the upgrade
// already committed us to the websocket protocol.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	userID, username, err := h.validator.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		closePolicyViolation(conn, "invalid token")
		return
	}
	if _, err := h.coordinator.Authorize(r.Context(), conversationID, userID); err != nil {
		closePolicyViolation(conn, "not a participant")
		return
	}

	reg := h.registry.Register(conversationID, userID, username)
	ctx := context.Background()
	if err := h.presence.MarkOnline(ctx, userID, reg.ID, conversationID); err != nil {
		h.log.Warn("presence mark online failed", "connection_id", reg.ID, "error", err)
	}

	client := NewClient(conn, reg, h.registry, h.coordinator, h.presence, h.typing, h.limiter,
		h.sendLimit, h.sendWindow, h.log)

	go client.WritePump()
	client.ReplayOffline(ctx)
	go client.ReadPump()
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// --- REST surface over the coordinator ---

type sendMessageRequest struct {
	Content string `json:"content" validate:"required,min=1"`
}

type setTypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type createDirectRequest struct {
	OtherUserID uuid.UUID `json:"other_user_id" validate:"required"`
}

type createGroupRequest struct {
	Name           string      `json:"name" validate:"required,max=255"`
	ParticipantIDs []uuid.UUID `json:"participant_ids" validate:"required,min=1"`
}

type messagesResponse struct {
	Messages   []*store.Message `json:"messages"`
	NextCursor *uuid.UUID       `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.convs.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

func (h *Handler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.convs.GetOrCreateDirect(r.Context(), userID, req.OtherUserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.convs.CreateGroup(r.Context(), userID, req.Name, req.ParticipantIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	conv, err := h.coordinator.Authorize(r.Context(), conversationID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	skip := intQuery(q.Get("skip"), 0)
	limit := intQuery(q.Get("limit"), 50)
	if limit < 1 || limit > 100 {
		limit = 50
	}
	useCache := q.Get("use_cache") != "false"

	var cursor *uuid.UUID
	if raw := q.Get("cursor"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = &id
	}

	msgs, next, err := h.coordinator.GetConversationMessages(r.Context(), userID, conversationID, skip, limit, cursor, useCache)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	respondJSON(w, http.StatusOK, messagesResponse{
		Messages:   msgs,
		NextCursor: next,
		HasMore:    next != nil,
	})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	allowed, retryAfter, err := h.limiter.Check(r.Context(), userID, sendAction, h.sendLimit, h.sendWindow)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !allowed {
		h.writeError(w, &apperr.RateLimitError{Action: sendAction, RetryAfter: retryAfter})
		return
	}

	msg, err := h.coordinator.SendMessage(r.Context(), userID, conversationID, req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// REST senders hold no socket; every live participant gets the frame.
	h.registry.Broadcast(conversationID, marshalFrame(newMessageFrame(frameMessage, msg)), nil)

	respondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	count, err := h.coordinator.MarkRead(r.Context(), conversationID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"marked_read": count})
}

func (h *Handler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	created, err := h.coordinator.MarkMessageRead(r.Context(), messageID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"receipt_created": created})
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	receipts, err := h.coordinator.ListReceipts(r.Context(), messageID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []*store.ReadReceipt{}
	}
	respondJSON(w, http.StatusOK, receipts)
}

func (h *Handler) GetTyping(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	if _, err := h.coordinator.Authorize(r.Context(), conversationID, userID); err != nil {
		h.writeError(w, err)
		return
	}

	users, err := h.typing.TypingUsers(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	username, _ := r.Context().Value(myMiddleware.UsernameKey).(string)

	var req setTypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.coordinator.Authorize(r.Context(), conversationID, userID); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.typing.SetTyping(r.Context(), conversationID, userID, username, req.IsTyping); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.presence.OnlineUserIDs(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, ids)
}

// pathIdentity pulls the caller identity from the context and the
// conversation ID from the route.
func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, conversationID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var rateErr *apperr.RateLimitError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperr.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		http.Error(w, rateErr.Error(), http.StatusTooManyRequests)
	default:
		h.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
