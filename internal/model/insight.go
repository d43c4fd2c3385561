package model

import (
	"encoding/json"
	"time"
)

// MaxClusters bounds the number of cluster labels kept on an insight.
const MaxClusters = 10

// Sentiment bucket boundaries. Scores above the positive threshold are
// bucketed positive, below the negative threshold negative, and neutral
// otherwise.
const (
	PositiveThreshold = 0.2
	NegativeThreshold = -0.2
)

// Insight is the validated analysis result for one conversation.
// Instances are built through NewInsight so the numeric invariants
// (sentiment in [-1,1], confidence in [0,1], at most MaxClusters labels)
// hold regardless of what the upstream model returned.
type Insight struct {
	ConversationID string          `json:"conversation_id"`
	SentimentScore float64         `json:"sentiment_score"`
	Clusters       []string        `json:"clusters"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	Model          string          `json:"model"`
	RawResponse    json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewInsight constructs an Insight, clamping the score and confidence into
// range and truncating the cluster list.
func NewInsight(conversationID string, score float64, clusters []string, confidence float64, reasoning, model string, raw json.RawMessage) *Insight {
	if len(clusters) > MaxClusters {
		clusters = clusters[:MaxClusters]
	}
	return &Insight{
		ConversationID: conversationID,
		SentimentScore: clamp(score, -1.0, 1.0),
		Clusters:       clusters,
		Confidence:     clamp(confidence, 0.0, 1.0),
		Reasoning:      reasoning,
		Model:          model,
		RawResponse:    raw,
		CreatedAt:      time.Now().UTC(),
	}
}

// SentimentBucket maps a sentiment score to its bucket label.
func SentimentBucket(score float64) string {
	switch {
	case score > PositiveThreshold:
		return "positive"
	case score < NegativeThreshold:
		return "negative"
	default:
		return "neutral"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
