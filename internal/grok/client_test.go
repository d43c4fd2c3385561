package grok

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/insights-platform/pkg/logger"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int, backoff time.Duration) *Client {
	t.Helper()
	return NewClient(Config{
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "grok-3",
		MaxRetries:  maxRetries,
		BackoffBase: backoff,
	}, nil, logger.NewNop())
}

// chatEnvelope wraps a batch result payload in the chat completion shape
// the API returns.
func chatEnvelope(t *testing.T, results string) string {
	t.Helper()
	content := fmt.Sprintf(`{"results": %s}`, results)
	envelope := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	return string(data)
}

func TestAnalyzeBatchParsesAndClamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, chatEnvelope(t, `[
			{"conversation_id": "conv_a", "sentiment_score": 3.5, "clusters": ["praise", 42], "confidence": 1.4, "reasoning": "very positive"},
			{"conversation_id": "conv_b", "sentiment_score": -0.6, "clusters": [], "confidence": 0.7, "reasoning": "complaint"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, 10*time.Millisecond)
	results := c.AnalyzeBatch(context.Background(), []Item{
		{ConversationID: "conv_a", Text: "love it"},
		{ConversationID: "conv_b", Text: "crashed again"},
	})

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	a := results["conv_a"]
	if a.Failed() {
		t.Fatalf("conv_a failed: %s", a.Err)
	}
	if a.Insight.SentimentScore != 1.0 {
		t.Errorf("conv_a score = %v, want clamped 1.0", a.Insight.SentimentScore)
	}
	if a.Insight.Confidence != 1.0 {
		t.Errorf("conv_a confidence = %v, want clamped 1.0", a.Insight.Confidence)
	}
	if len(a.Insight.Clusters) != 2 || a.Insight.Clusters[1] != "42" {
		t.Errorf("conv_a clusters = %v, want non-strings coerced", a.Insight.Clusters)
	}
	if a.Insight.Model != "grok-3" {
		t.Errorf("conv_a model = %q", a.Insight.Model)
	}

	b := results["conv_b"]
	if b.Failed() || b.Insight.SentimentScore != -0.6 {
		t.Errorf("conv_b = %+v, want score -0.6", b)
	}
}

func TestAnalyzeBatchMissingIDFailsAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatEnvelope(t, `[
			{"conversation_id": "conv_present", "sentiment_score": 0.4, "clusters": ["praise"], "confidence": 0.8, "reasoning": "ok"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, 10*time.Millisecond)
	results := c.AnalyzeBatch(context.Background(), []Item{
		{ConversationID: "conv_present", Text: "a"},
		{ConversationID: "conv_absent", Text: "b"},
	})

	if results["conv_present"].Failed() {
		t.Errorf("conv_present failed: %s", results["conv_present"].Err)
	}
	absent := results["conv_absent"]
	if !absent.Failed() {
		t.Fatal("conv_absent should have failed")
	}
	if absent.Err != "no response from Grok for conversation" {
		t.Errorf("conv_absent err = %q", absent.Err)
	}
}

func TestAnalyzeBatchIgnoresHallucinatedIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatEnvelope(t, `[
			{"conversation_id": "conv_real", "sentiment_score": 0.1, "clusters": [], "confidence": 0.5, "reasoning": "ok"},
			{"conversation_id": "conv_invented", "sentiment_score": 0.9, "clusters": [], "confidence": 0.9, "reasoning": "made up"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, 10*time.Millisecond)
	results := c.AnalyzeBatch(context.Background(), []Item{{ConversationID: "conv_real", Text: "x"}})

	if len(results) != 1 {
		t.Errorf("len(results) = %d, want exactly the submitted ids", len(results))
	}
	if _, ok := results["conv_invented"]; ok {
		t.Error("hallucinated id leaked into results")
	}
}

func TestThrottledRetryDoesNotConsumeBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, chatEnvelope(t, `[
			{"conversation_id": "conv_a", "sentiment_score": 0.2, "clusters": [], "confidence": 0.6, "reasoning": "ok"}
		]`))
	}))
	defer srv.Close()

	// maxRetries = 1: if the 429 consumed the only attempt, this would fail.
	c := newTestClient(t, srv.URL, 1, 10*time.Millisecond)

	start := time.Now()
	results := c.AnalyzeBatch(context.Background(), []Item{{ConversationID: "conv_a", Text: "x"}})
	elapsed := time.Since(start)

	if results["conv_a"].Failed() {
		t.Fatalf("throttled call failed: %s", results["conv_a"].Err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one throttled, one success)", calls.Load())
	}
	// Slept for the server-indicated 0.1s before retrying.
	if elapsed < 90*time.Millisecond {
		t.Errorf("elapsed = %v, expected a ~100ms throttle sleep", elapsed)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			fmt.Fprint(w, `{"choices":[{"message":{"content":"not json at all"}}]}`)
		default:
			fmt.Fprint(w, chatEnvelope(t, `[
				{"conversation_id": "conv_a", "sentiment_score": 0.0, "clusters": [], "confidence": 0.5, "reasoning": "ok"}
			]`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, 5*time.Millisecond)
	results := c.AnalyzeBatch(context.Background(), []Item{{ConversationID: "conv_a", Text: "x"}})

	if results["conv_a"].Failed() {
		t.Fatalf("expected success after retries, got %s", results["conv_a"].Err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestExhaustedRetriesFailWholeBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2, 5*time.Millisecond)
	results := c.AnalyzeBatch(context.Background(), []Item{
		{ConversationID: "conv_a", Text: "x"},
		{ConversationID: "conv_b", Text: "y"},
	})

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want maxRetries = 2", calls.Load())
	}
	for _, id := range []string{"conv_a", "conv_b"} {
		res := results[id]
		if !res.Failed() {
			t.Errorf("%s unexpectedly succeeded", id)
			continue
		}
		if res.Err == "" || res.Err[:5] != "grok:" {
			t.Errorf("%s err = %q, want grok-prefixed cause", id, res.Err)
		}
	}
}

func TestOfflineFallbackSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClient(Config{
		APIKey:  "", // no credentials: offline path
		BaseURL: srv.URL,
		Model:   "grok-3",
	}, nil, logger.NewNop())

	if !c.Offline() {
		t.Fatal("client with no API key should be offline")
	}

	results := c.AnalyzeBatch(context.Background(), []Item{
		{ConversationID: "conv_a", Text: "the app keeps crashing"},
		{ConversationID: "conv_b", Text: "love the new release"},
	})

	if calls.Load() != 0 {
		t.Errorf("offline path made %d network calls", calls.Load())
	}
	for id, res := range results {
		if res.Failed() {
			t.Errorf("%s failed on the offline path: %s", id, res.Err)
		}
	}
}

func TestAnalyzeBatchEmptyInput(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid", 1, time.Millisecond)
	if got := c.AnalyzeBatch(context.Background(), nil); len(got) != 0 {
		t.Errorf("AnalyzeBatch(nil) = %v, want empty", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"0.5", 500 * time.Millisecond},
		{"2", 2 * time.Second},
		{"", defaultRetryAfter},
		{"garbage", defaultRetryAfter},
		{"-1", defaultRetryAfter},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.header); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestPersistentThrottlingFailsBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, time.Millisecond)
	results := c.AnalyzeBatch(context.Background(), []Item{
		{ConversationID: "conv_a", Text: "hello"},
	})

	// An upstream that never stops throttling must resolve to a batch
	// failure instead of spinning forever.
	res := results["conv_a"]
	if !res.Failed() {
		t.Fatal("expected failure under persistent throttling")
	}
	if !strings.Contains(res.Err, "throttled") {
		t.Errorf("Err = %q, want throttling reason", res.Err)
	}
	if got := calls.Load(); got != maxConsecutiveThrottles+1 {
		t.Errorf("upstream calls = %d, want %d", got, maxConsecutiveThrottles+1)
	}
}
