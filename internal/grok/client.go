// Package grok wraps the x.ai analysis API: batch request construction,
// retry with backoff, response validation, and the offline heuristic
// fallback used when no API key is configured.
package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/internal/ratelimit"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
	"github.com/capitalize-ai/insights-platform/pkg/metrics"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryAfter = time.Second

	// maxConsecutiveThrottles bounds back-to-back 429 responses. Throttles
	// do not spend retry budget, so without a ceiling a permanently
	// saturated upstream would pin the worker on a single batch forever.
	maxConsecutiveThrottles = 20

	systemPrompt = "You are an internal conversation insights engine. " +
		"Return strict JSON with sentiment_score (-1.0 to 1.0), clusters (slug strings), " +
		"confidence (0 to 1) representing certainty, and a short reasoning. " +
		"If input is ambiguous, lower the confidence."

	userPromptHeader = "Analyze the following conversations and respond ONLY with minified JSON matching this schema: " +
		`{"results": [ {"conversation_id": str, "sentiment_score": float, "clusters": [str], "confidence": float, "reasoning": str} ] }. ` +
		"Use the provided conversation_id. Do not hallucinate ids. Sentiment range -1.0 to 1.0."
)

// Item is one (conversation id, text) pair submitted for analysis.
type Item struct {
	ConversationID string
	Text           string
}

// Result is the outcome for one submitted item: either a validated insight
// or a failure reason. Exactly one of the two is set.
type Result struct {
	Insight *model.Insight
	Err     string
}

// Failed reports whether the item did not produce an insight.
func (r Result) Failed() bool {
	return r.Insight == nil
}

// Config holds the client parameters.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxRetries  int
	BackoffBase time.Duration
}

// Client calls the analysis API. A nil API key switches every call to the
// offline heuristic path, which never touches the network.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	maxRetries  int
	backoffBase time.Duration
	gate        *ratelimit.Bucket
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewClient creates an analysis client throttled by the given outbound
// gate. The gate charges one token per batch call, not per item.
func NewClient(cfg Config, gate *ratelimit.Bucket, log *logger.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1500 * time.Millisecond
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		gate:        gate,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logger:      log,
	}
}

// Offline reports whether the client resolves batches locally.
func (c *Client) Offline() bool {
	return c.apiKey == ""
}

// AnalyzeBatch resolves every submitted item to a Result. The returned map
// contains exactly the ids of the input: upstream successes become
// insights, ids missing from an otherwise-successful response fail
// individually, and a permanently failed call fails the whole batch.
func (c *Client) AnalyzeBatch(ctx context.Context, items []Item) map[string]Result {
	if len(items) == 0 {
		return map[string]Result{}
	}

	if c.Offline() {
		out := make(map[string]Result, len(items))
		for _, item := range items {
			out[item.ConversationID] = Result{Insight: c.heuristic(item.ConversationID, item.Text)}
		}
		return out
	}

	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			return failAll(items, fmt.Sprintf("outbound gate: %v", err))
		}
	}

	start := time.Now()
	wire, err := c.callAPI(ctx, items)
	if err != nil {
		metrics.RecordAnalysisCall(c.model, "error", time.Since(start).Seconds())
		c.logger.Error("analysis call failed permanently",
			zap.Int("batch_size", len(items)),
			zap.Error(err),
		)
		return failAll(items, fmt.Sprintf("grok: %v", err))
	}
	metrics.RecordAnalysisCall(c.model, "ok", time.Since(start).Seconds())

	submitted := make(map[string]bool, len(items))
	for _, item := range items {
		submitted[item.ConversationID] = true
	}

	out := make(map[string]Result, len(items))
	for _, res := range wire {
		if !submitted[res.ConversationID] {
			c.logger.Warn("dropping result for unknown conversation id",
				zap.String("conversation_id", res.ConversationID))
			continue
		}
		raw, _ := json.Marshal(res)
		out[res.ConversationID] = Result{
			Insight: model.NewInsight(res.ConversationID, res.SentimentScore,
				res.Clusters, res.Confidence, res.Reasoning, c.model, raw),
		}
	}

	for _, item := range items {
		if _, ok := out[item.ConversationID]; !ok {
			out[item.ConversationID] = Result{Err: "no response from Grok for conversation"}
		}
	}
	return out
}

// Analyze resolves a single text, used by the evaluation harness.
func (c *Client) Analyze(ctx context.Context, conversationID, text string) (*model.Insight, error) {
	if conversationID == "" {
		conversationID = "preview"
	}
	results := c.AnalyzeBatch(ctx, []Item{{ConversationID: conversationID, Text: text}})
	res := results[conversationID]
	if res.Failed() {
		return nil, errors.New(res.Err)
	}
	return res.Insight, nil
}

func failAll(items []Item, reason string) map[string]Result {
	out := make(map[string]Result, len(items))
	for _, item := range items {
		out[item.ConversationID] = Result{Err: reason}
	}
	return out
}

// throttledError signals an upstream 429 carrying the server-requested
// retry delay. It never consumes retry budget.
type throttledError struct {
	retryAfter time.Duration
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("throttled by upstream, retry after %s", e.retryAfter)
}

// callAPI issues the batch request with retries. 429 responses sleep for
// the server-indicated delay and retry the same attempt; any other
// transient failure backs off exponentially until maxRetries is exhausted.
func (c *Client) callAPI(ctx context.Context, items []Item) ([]wireInsight, error) {
	payload, err := json.Marshal(c.buildRequest(items))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	throttles := 0
	for attempt := 1; ; {
		results, err := c.doRequest(ctx, payload)
		if err == nil {
			return results, nil
		}

		var throttled *throttledError
		if errors.As(err, &throttled) {
			throttles++
			if throttles > maxConsecutiveThrottles {
				return nil, fmt.Errorf("upstream throttled %d consecutive calls: %w", throttles, err)
			}
			metrics.AnalysisThrottledTotal.Inc()
			c.logger.Warn("analysis API throttled",
				zap.Duration("retry_after", throttled.retryAfter))
			if err := sleep(ctx, throttled.retryAfter); err != nil {
				return nil, err
			}
			continue
		}
		throttles = 0

		if attempt >= c.maxRetries {
			return nil, err
		}

		backoff := c.backoffBase << (attempt - 1)
		metrics.AnalysisRetriesTotal.Inc()
		c.logger.Warn("analysis attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
		attempt++
	}
}

func (c *Client) buildRequest(items []Item) chatRequest {
	var sb strings.Builder
	for _, item := range items {
		fmt.Fprintf(&sb, "- id: %s, text: %s\n", item.ConversationID, item.Text)
	}

	return chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPromptHeader + "\n\n" + sb.String()},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
}

// doRequest performs one HTTP attempt and parses the batch response out of
// the chat completion content.
func (c *Client) doRequest(ctx context.Context, payload []byte) ([]wireInsight, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, &throttledError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("parsing completion envelope: %w", err)
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message.Content == "" {
		return nil, errors.New("empty completion content")
	}

	var batch batchResponse
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &batch); err != nil {
		return nil, fmt.Errorf("parsing batch results: %w", err)
	}
	return batch.Results, nil
}

// parseRetryAfter reads a Retry-After value in (possibly fractional)
// seconds, falling back to the default delay.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Wire types for the OpenAI-compatible chat completion endpoint.

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type batchResponse struct {
	Results []wireInsight `json:"results"`
}

// wireInsight is one per-conversation result as returned by the model.
// Cluster labels tolerate non-string elements, which are coerced.
type wireInsight struct {
	ConversationID string       `json:"conversation_id"`
	SentimentScore float64      `json:"sentiment_score"`
	Clusters       looseStrings `json:"clusters"`
	Confidence     float64      `json:"confidence"`
	Reasoning      string       `json:"reasoning"`
}

// looseStrings unmarshals a JSON array of arbitrary values into strings.
type looseStrings []string

func (l *looseStrings) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprint(v))
		}
	}
	*l = out
	return nil
}

func (l looseStrings) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(l))
}
