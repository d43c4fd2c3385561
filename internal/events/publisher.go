// Package events publishes pipeline outcomes to NATS JetStream for
// downstream consumers. Fanout is best effort; a publish failure never
// affects the pipeline's own state machine.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
)

const (
	// StreamName is the name of the insights event stream.
	StreamName = "INSIGHTS"

	// SubjectPrefix is the prefix for all insight subjects.
	SubjectPrefix = "insights"
)

// Config holds NATS connection configuration.
type Config struct {
	URL   string
	Token string
}

// Publisher fans out insight lifecycle events over JetStream.
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect establishes the NATS connection and ensures the insights stream
// exists.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	p := &Publisher{conn: nc, js: js, logger: log}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	p.conn.Close()
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Conversation insight lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}
	return nil
}

// CompletedSubject returns the subject for a completed insight.
func CompletedSubject(conversationID string) string {
	return fmt.Sprintf("%s.completed.%s", SubjectPrefix, conversationID)
}

// FailedSubject returns the subject for a failed conversation.
func FailedSubject(conversationID string) string {
	return fmt.Sprintf("%s.failed.%s", SubjectPrefix, conversationID)
}

// InsightCompletedEvent is published when an insight is persisted.
type InsightCompletedEvent struct {
	ConversationID string    `json:"conversation_id"`
	SentimentScore float64   `json:"sentiment_score"`
	Clusters       []string  `json:"clusters"`
	Confidence     float64   `json:"confidence"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationFailedEvent is published when analysis permanently fails.
type ConversationFailedEvent struct {
	ConversationID string    `json:"conversation_id"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
}

// InsightCompleted publishes a completion event.
func (p *Publisher) InsightCompleted(ctx context.Context, insight *model.Insight) {
	event := InsightCompletedEvent{
		ConversationID: insight.ConversationID,
		SentimentScore: insight.SentimentScore,
		Clusters:       insight.Clusters,
		Confidence:     insight.Confidence,
		Model:          insight.Model,
		CreatedAt:      insight.CreatedAt,
	}
	p.publish(ctx, CompletedSubject(insight.ConversationID), event)
}

// ConversationFailed publishes a failure event.
func (p *Publisher) ConversationFailed(ctx context.Context, conversationID, reason string) {
	event := ConversationFailedEvent{
		ConversationID: conversationID,
		Error:          reason,
		FailedAt:       time.Now().UTC(),
	}
	p.publish(ctx, FailedSubject(conversationID), event)
}

func (p *Publisher) publish(ctx context.Context, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
