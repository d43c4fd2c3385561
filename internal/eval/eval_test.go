package eval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/capitalize-ai/insights-platform/internal/grok"
	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/internal/ratelimit"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
)

type analyzerFunc func(ctx context.Context, conversationID, text string) (*model.Insight, error)

func (f analyzerFunc) Analyze(ctx context.Context, conversationID, text string) (*model.Insight, error) {
	return f(ctx, conversationID, text)
}

func TestBucketSign(t *testing.T) {
	cases := []struct {
		score float64
		want  int
	}{
		{0.9, 1},
		{0.21, 1},
		{0.2, 0},
		{0.0, 0},
		{-0.2, 0},
		{-0.21, -1},
		{-1.0, -1},
	}
	for _, tc := range cases {
		if got := bucketSign(tc.score); got != tc.want {
			t.Errorf("bucketSign(%v) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestRunAgainstHeuristic(t *testing.T) {
	// An offline client uses the keyword heuristic, which should get the
	// clearly positive and clearly negative examples right.
	client := grok.NewClient(grok.Config{}, ratelimit.NewBucket(100, 0), logger.NewNop())
	if !client.Offline() {
		t.Fatal("expected offline client without API key")
	}

	accuracy, err := Run(context.Background(), client, DefaultSet)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if accuracy < 0.6 {
		t.Errorf("heuristic accuracy = %v, want at least 0.6", accuracy)
	}
}

func TestRunPropagatesAnalyzerError(t *testing.T) {
	failing := analyzerFunc(func(ctx context.Context, conversationID, text string) (*model.Insight, error) {
		return nil, errors.New("boom")
	})
	_, err := Run(context.Background(), failing, DefaultSet[:1])
	if err == nil {
		t.Fatal("expected error from failing analyzer")
	}
	if !strings.Contains(err.Error(), "analyzing example 0") {
		t.Errorf("error = %q, want example index context", err)
	}
}

func TestRunUsesDefaultSetWhenEmpty(t *testing.T) {
	calls := 0
	neutral := analyzerFunc(func(ctx context.Context, conversationID, text string) (*model.Insight, error) {
		calls++
		return model.NewInsight(conversationID, 0, nil, 0.5, "", "test", nil), nil
	})
	if _, err := Run(context.Background(), neutral, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != len(DefaultSet) {
		t.Errorf("analyzed %d examples, want %d", calls, len(DefaultSet))
	}
}
