// Package eval provides a small accuracy harness for comparing analysis
// models against a fixed set of labeled conversations.
package eval

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/insights-platform/internal/model"
)

// Example is a labeled conversation text. ExpectedSentiment is the bucket
// sign: 1 positive, -1 negative, 0 neutral.
type Example struct {
	Text              string
	ExpectedSentiment int
}

// DefaultSet covers the common support sentiment shapes.
var DefaultSet = []Example{
	{Text: "Love the latest features! Smooth and fast.", ExpectedSentiment: 1},
	{Text: "The app keeps crashing when I open settings.", ExpectedSentiment: -1},
	{Text: "Where can I find the refund policy?", ExpectedSentiment: 0},
	{Text: "My ticket has been ignored for days.", ExpectedSentiment: -1},
	{Text: "Thanks for the quick help!", ExpectedSentiment: 1},
}

// Analyzer produces a single insight for one conversation text.
type Analyzer interface {
	Analyze(ctx context.Context, conversationID, text string) (*model.Insight, error)
}

// bucketSign maps a sentiment score to the bucket sign used by labels.
func bucketSign(score float64) int {
	switch model.SentimentBucket(score) {
	case "positive":
		return 1
	case "negative":
		return -1
	default:
		return 0
	}
}

// Run scores an analyzer against the example set and returns the fraction
// of examples whose sentiment bucket matched the label.
func Run(ctx context.Context, analyzer Analyzer, set []Example) (float64, error) {
	if len(set) == 0 {
		set = DefaultSet
	}

	correct := 0
	for i, ex := range set {
		insight, err := analyzer.Analyze(ctx, fmt.Sprintf("eval_%d", i), ex.Text)
		if err != nil {
			return 0, fmt.Errorf("analyzing example %d: %w", i, err)
		}
		if bucketSign(insight.SentimentScore) == ex.ExpectedSentiment {
			correct++
		}
	}
	return float64(correct) / float64(len(set)), nil
}
