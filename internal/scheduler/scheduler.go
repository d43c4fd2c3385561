// Package scheduler runs the batching worker loop between the ingestion
// queue and the analysis client.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/insights-platform/internal/grok"
	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
	"github.com/capitalize-ai/insights-platform/pkg/metrics"
)

const (
	// pullTimeout is the quiescence gap after the first item: once ids are
	// flowing, a batch closes as soon as nothing further is immediately
	// available, never waiting out the full flush interval.
	pullTimeout = 50 * time.Millisecond

	// outstandingLimit bounds the startup replay of unfinished work.
	outstandingLimit = 500
)

// Store is the persistence contract the scheduler consumes.
type Store interface {
	FetchByIDs(ctx context.Context, ids []string) ([]model.Conversation, error)
	SetStatus(ctx context.Context, ids []string, status model.Status, errText string) error
	LoadOutstanding(ctx context.Context, limit int) ([]string, error)
	StoreInsights(ctx context.Context, insights []*model.Insight) error
}

// Analyzer resolves a batch of conversations to one result per id.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, items []grok.Item) map[string]grok.Result
}

// Publisher receives reconciliation events for downstream consumers.
type Publisher interface {
	InsightCompleted(ctx context.Context, insight *model.Insight)
	ConversationFailed(ctx context.Context, conversationID, reason string)
}

// Config holds the scheduler parameters.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
}

// Scheduler pulls conversation ids from the in-memory queue, accumulates
// them into bounded batches, and reconciles analysis outcomes back into
// the store. A single Run loop processes one batch at a time.
type Scheduler struct {
	store     Store
	analyzer  Analyzer
	publisher Publisher
	queue     chan string

	batchSize     int
	flushInterval time.Duration
	logger        *logger.Logger
}

// New creates a scheduler. The publisher may be nil when event fanout is
// not configured.
func New(store Store, analyzer Analyzer, publisher Publisher, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 750 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	return &Scheduler{
		store:         store,
		analyzer:      analyzer,
		publisher:     publisher,
		queue:         make(chan string, cfg.QueueCapacity),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        log,
	}
}

// Enqueue pushes a conversation id onto the queue. It returns false when
// the queue is full; the caller decides how to signal the backpressure.
func (s *Scheduler) Enqueue(conversationID string) bool {
	select {
	case s.queue <- conversationID:
		metrics.QueueDepth.Set(float64(len(s.queue)))
		return true
	default:
		return false
	}
}

// QueueLen returns the number of ids currently waiting.
func (s *Scheduler) QueueLen() int {
	return len(s.queue)
}

// Run replays unfinished work from the store, then loops collecting and
// processing batches until ctx is cancelled. Rows left in processing by a
// prior run are treated as still pending.
func (s *Scheduler) Run(ctx context.Context) error {
	outstanding, err := s.store.LoadOutstanding(ctx, outstandingLimit)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		// Rows stuck in processing from a prior run are reset to queued so
		// the queued-only batch filter picks them up again.
		if err := s.store.SetStatus(ctx, outstanding, model.StatusQueued, ""); err != nil {
			return err
		}
	}
	for _, id := range outstanding {
		if !s.Enqueue(id) {
			s.logger.Warn("queue full during startup replay", zap.String("conversation_id", id))
		}
	}
	if len(outstanding) > 0 {
		s.logger.Info("replayed outstanding conversations", zap.Int("count", len(outstanding)))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch := s.collectBatch(ctx)
		if len(batch) == 0 {
			continue
		}
		s.processBatch(ctx, batch)
	}
}

// collectBatch implements the dual-timeout accumulation policy: wait up to
// the flush interval for the first id, then keep pulling with the short
// pull timeout until the batch is full or the queue goes quiet. An empty
// window returns an empty batch, not an error.
func (s *Scheduler) collectBatch(ctx context.Context) []string {
	var batch []string

	// Empty -> Filling: block for the first id.
	select {
	case <-ctx.Done():
		return nil
	case id := <-s.queue:
		batch = append(batch, id)
	case <-time.After(s.flushInterval):
		return nil
	}

	// Filling -> Ready: size cap or quiescence, whichever comes first.
	for len(batch) < s.batchSize {
		select {
		case <-ctx.Done():
			return batch
		case id := <-s.queue:
			batch = append(batch, id)
		case <-time.After(pullTimeout):
			metrics.QueueDepth.Set(float64(len(s.queue)))
			return batch
		}
	}
	metrics.QueueDepth.Set(float64(len(s.queue)))
	return batch
}

// processBatch resolves one batch end to end: load current rows, keep only
// ids still queued, mark them processing, analyze, and reconcile per-id
// outcomes. One item's failure never blocks its siblings.
func (s *Scheduler) processBatch(ctx context.Context, ids []string) {
	rows, err := s.store.FetchByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("failed to load batch rows", zap.Error(err))
		return
	}

	byID := make(map[string]model.Conversation, len(rows))
	for _, row := range rows {
		byID[row.ConversationID] = row
	}

	// Only ids still queued participate; anything else was already picked
	// up or resolved and is dropped from this round.
	var items []grok.Item
	var readyIDs []string
	for _, id := range ids {
		row, ok := byID[id]
		if !ok || row.Status != model.StatusQueued {
			continue
		}
		items = append(items, grok.Item{
			ConversationID: id,
			Text:           payloadText(row.Payload),
		})
		readyIDs = append(readyIDs, id)
	}
	if len(readyIDs) == 0 {
		return
	}

	// Exclusivity: once processing, no later round re-selects these ids.
	if err := s.store.SetStatus(ctx, readyIDs, model.StatusProcessing, ""); err != nil {
		s.logger.Error("failed to mark batch processing", zap.Error(err))
		return
	}

	metrics.RecordBatch(len(readyIDs))
	s.logger.Debug("dispatching batch", zap.Int("size", len(readyIDs)))

	results := s.analyzer.AnalyzeBatch(ctx, items)

	var insights []*model.Insight
	var completedIDs []string
	failures := make(map[string]string)
	for _, id := range readyIDs {
		res, ok := results[id]
		switch {
		case !ok:
			failures[id] = "no result for conversation"
		case res.Failed():
			failures[id] = res.Err
		default:
			insights = append(insights, res.Insight)
			completedIDs = append(completedIDs, id)
		}
	}

	if len(insights) > 0 {
		if err := s.store.StoreInsights(ctx, insights); err != nil {
			// Storage failures threaten the state machine; leave the ids in
			// processing so a restart replays them.
			s.logger.Error("failed to store insights", zap.Error(err))
			return
		}
		if err := s.store.SetStatus(ctx, completedIDs, model.StatusCompleted, ""); err != nil {
			s.logger.Error("failed to mark batch completed", zap.Error(err))
		}
	}

	for id, reason := range failures {
		if err := s.store.SetStatus(ctx, []string{id}, model.StatusFailed, reason); err != nil {
			s.logger.Error("failed to mark conversation failed",
				zap.String("conversation_id", id), zap.Error(err))
		}
	}

	metrics.RecordOutcomes(len(completedIDs), len(failures))
	if len(failures) > 0 {
		s.logger.Warn("batch completed with failures",
			zap.Int("completed", len(completedIDs)),
			zap.Int("failed", len(failures)),
		)
	}

	if s.publisher != nil {
		for _, insight := range insights {
			s.publisher.InsightCompleted(ctx, insight)
		}
		for id, reason := range failures {
			s.publisher.ConversationFailed(ctx, id, reason)
		}
	}
}

// payloadText derives the analysis input from the stored submission JSON.
// Unparsable payloads fall back to the raw text so the item still resolves.
func payloadText(payload []byte) string {
	var in model.ConversationIn
	if err := json.Unmarshal(payload, &in); err != nil || len(in.Messages) == 0 {
		return string(payload)
	}
	return in.CombinedText()
}
