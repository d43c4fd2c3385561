// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/insights-platform/internal/middleware"
	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
	"github.com/capitalize-ai/insights-platform/pkg/metrics"
)

// Ingestor is the scheduler-side contract the ingestion path pushes to.
type Ingestor interface {
	Enqueue(conversationID string) bool
}

// ConversationStore is the persistence contract for the conversation
// endpoints.
type ConversationStore interface {
	UpsertQueued(ctx context.Context, conversationID string, payload []byte) error
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
}

// ConversationHandler handles conversation submission and status lookup.
type ConversationHandler struct {
	store  ConversationStore
	queue  Ingestor
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(store ConversationStore, queue Ingestor, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:  store,
		queue:  queue,
		logger: log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ConversationIn
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	for _, msg := range req.Messages {
		if err := middleware.ValidateMessageText(msg.Text); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = newConversationID()
	} else if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.UpsertQueued(ctx, conversationID, payload); err != nil {
		h.logger.Error("failed to persist conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue conversation")
		return
	}

	if !h.queue.Enqueue(conversationID) {
		// Row stays queued and is replayed on the next startup, but tell
		// the caller the pipeline is saturated right now.
		h.logger.Warn("processing queue full", zap.String("conversation_id", conversationID))
		writeError(w, http.StatusServiceUnavailable, "processing queue full")
		return
	}

	metrics.ConversationsAcceptedTotal.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":          "accepted",
		"conversation_id": conversationID,
		"message":         "Conversation queued for analysis",
	})
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to load conversation",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func newConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
