package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/internal/store"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
)

const maxInsightsLimit = 1000

// InsightQuerier is the persistence contract for the insights endpoint.
type InsightQuerier interface {
	QueryInsights(ctx context.Context, filter store.InsightFilter) ([]model.Insight, int, error)
}

// InsightsHandler handles the insight query endpoint.
type InsightsHandler struct {
	store  InsightQuerier
	logger *logger.Logger
}

// NewInsightsHandler creates a new insights handler.
func NewInsightsHandler(querier InsightQuerier, log *logger.Logger) *InsightsHandler {
	return &InsightsHandler{
		store:  querier,
		logger: log,
	}
}

// insightResponse is the query row shape; the audit payload stays internal.
type insightResponse struct {
	ConversationID string    `json:"conversation_id"`
	SentimentScore float64   `json:"sentiment_score"`
	Clusters       []string  `json:"clusters"`
	Confidence     float64   `json:"confidence"`
	Reasoning      string    `json:"reasoning"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

// List handles GET /api/v1/insights
func (h *InsightsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := time.Parse(time.RFC3339, q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "start_time must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "end_time must be RFC3339")
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusUnprocessableEntity, "end_time must be after start_time")
		return
	}

	filter := store.InsightFilter{Start: start, End: end, Limit: 100}

	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > maxInsightsLimit {
			writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = parsed
	}

	if mc := q.Get("min_confidence"); mc != "" {
		parsed, err := strconv.ParseFloat(mc, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			writeError(w, http.StatusUnprocessableEntity, "min_confidence must be between 0 and 1")
			return
		}
		filter.MinConfidence = &parsed
	}

	if sentiment := q.Get("sentiment"); sentiment != "" {
		switch sentiment {
		case "positive", "negative", "neutral":
			filter.Sentiment = sentiment
		default:
			writeError(w, http.StatusUnprocessableEntity, "sentiment must be one of negative, neutral, positive")
			return
		}
	}

	insights, total, err := h.store.QueryInsights(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to query insights", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query insights")
		return
	}

	data := make([]insightResponse, 0, len(insights))
	for _, in := range insights {
		data = append(data, insightResponse{
			ConversationID: in.ConversationID,
			SentimentScore: in.SentimentScore,
			Clusters:       in.Clusters,
			Confidence:     in.Confidence,
			Reasoning:      in.Reasoning,
			Model:          in.Model,
			CreatedAt:      in.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": map[string]any{
			"total_count":    total,
			"returned_count": len(data),
			"time_window": map[string]string{
				"start": start.Format(time.RFC3339),
				"end":   end.Format(time.RFC3339),
			},
		},
		"data": data,
	})
}
