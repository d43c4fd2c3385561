package grok

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/capitalize-ai/insights-platform/internal/model"
)

// Keyword tables for the offline analyzer. Scores step by a fixed amount
// per matched word and are clamped by the insight constructor.
var (
	positiveWords = []string{"love", "great", "thanks", "smooth", "fast"}
	negativeWords = []string{"delay", "crash", "ignored", "disappointed", "help", "problem", "issue", "unresolved"}

	clusterTriggers = []struct {
		label string
		words []string
	}{
		{"app_stability", []string{"crash", "bug"}},
		{"policy_questions", []string{"refund", "policy"}},
		{"delivery_issues", []string{"delay", "shipping", "package"}},
		{"praise", []string{"love", "great"}},
	}
)

var heuristicRaw = json.RawMessage(`{"source":"heuristic"}`)

// heuristic resolves one conversation locally. It never fails and never
// calls the network, so the pipeline stays exercisable without credentials.
func (c *Client) heuristic(conversationID, text string) *model.Insight {
	lower := strings.ToLower(text)

	score := 0.0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score += 0.25
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score -= 0.3
		}
	}

	var clusters []string
	for _, trigger := range clusterTriggers {
		for _, w := range trigger.words {
			if strings.Contains(lower, w) {
				clusters = append(clusters, trigger.label)
				break
			}
		}
	}
	if len(clusters) == 0 {
		clusters = append(clusters, "general_support")
	}
	if strings.Contains(text, "?") || strings.Contains(lower, "anyone") || strings.HasPrefix(lower, "where") {
		clusters = append(clusters, "knowledge_gap")
	}

	confidence := math.Round((0.45+0.2*rand.Float64())*100) / 100
	reasoning := fmt.Sprintf("Heuristic %s inference based on keyword matches.", c.model)

	return model.NewInsight(conversationID, score, clusters, confidence, reasoning, c.model, heuristicRaw)
}
