// Package store implements conversation status and insight persistence on
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/insights-platform/internal/model"
)

// timeLayout is a fixed-width RFC 3339 form for stored timestamps.
// RFC3339Nano trims trailing fractional zeros, which breaks the
// lexicographic BETWEEN and ORDER BY comparisons on created_at at
// sub-second resolution.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	// Tolerates both the fixed layout and trimmed fractions.
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Store wraps a SQLite database holding conversation status rows and
// completed insights.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
// Pass ":memory:" for an in-memory database (used by tests).
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection avoids "database is locked" under the concurrent
	// handler/scheduler writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL UNIQUE,
		payload         TEXT NOT NULL,
		status          TEXT NOT NULL,
		error           TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_status_created ON conversations(status, created_at);

	CREATE TABLE IF NOT EXISTS insights (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		sentiment_score REAL NOT NULL,
		clusters        TEXT NOT NULL,
		confidence      REAL NOT NULL,
		reasoning       TEXT NOT NULL,
		model           TEXT NOT NULL,
		raw_response    TEXT,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_created ON insights(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_insights_conversation ON insights(conversation_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// UpsertQueued inserts a conversation in queued status, or resets an
// existing row for the same id back to queued with the new payload.
// Re-submission starts a fresh lifecycle; the original created_at is kept.
func (s *Store) UpsertQueued(ctx context.Context, conversationID string, payload []byte) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, payload, status, error, created_at, updated_at)
		VALUES (?, ?, 'queued', NULL, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			payload = excluded.payload,
			status = 'queued',
			error = NULL,
			updated_at = excluded.updated_at`,
		conversationID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("upserting conversation %s: %w", conversationID, err)
	}
	return nil
}

// SetStatus updates the status (and optional error text) for the given ids.
// The write is idempotent; re-applying the same status is harmless.
func (s *Store) SetStatus(ctx context.Context, ids []string, status model.Status, errText string) error {
	if len(ids) == 0 {
		return nil
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE conversations SET status = ?, error = ?, updated_at = ? WHERE conversation_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing status update: %w", err)
	}
	defer stmt.Close()

	var errArg any
	if errText != "" {
		errArg = errText
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(status), errArg, now, id); err != nil {
			return fmt.Errorf("updating status for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// FetchByIDs loads the status rows for the given conversation ids. Missing
// ids are simply absent from the result.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]model.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, payload, status, error, created_at, updated_at
		 FROM conversations WHERE conversation_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// GetConversation loads a single status row. Returns sql.ErrNoRows when the
// id is unknown.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, payload, status, error, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, conversationID)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv               model.Conversation
		status             string
		errText            sql.NullString
		createdAt, updated string
		payload            string
	)
	if err := row.Scan(&conv.ConversationID, &payload, &status, &errText, &createdAt, &updated); err != nil {
		return nil, err
	}
	conv.Payload = []byte(payload)
	conv.Status = model.Status(status)
	conv.Error = errText.String
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

// LoadOutstanding returns ids still awaiting a terminal status, oldest
// first. Rows left in processing by a previous run are included so a
// restart replays them.
func (s *Store) LoadOutstanding(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM conversations
		WHERE status IN ('queued', 'processing')
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("loading outstanding conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StoreInsights bulk-inserts completed insights.
func (s *Store) StoreInsights(ctx context.Context, insights []*model.Insight) error {
	if len(insights) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insight insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO insights (conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insight insert: %w", err)
	}
	defer stmt.Close()

	for _, in := range insights {
		clusters, err := json.Marshal(in.Clusters)
		if err != nil {
			return fmt.Errorf("marshaling clusters for %s: %w", in.ConversationID, err)
		}
		createdAt := in.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var rawArg any
		if len(in.RawResponse) > 0 {
			rawArg = string(in.RawResponse)
		}
		if _, err := stmt.ExecContext(ctx,
			in.ConversationID, in.SentimentScore, string(clusters), in.Confidence,
			in.Reasoning, in.Model, rawArg, formatTime(createdAt),
		); err != nil {
			return fmt.Errorf("inserting insight for %s: %w", in.ConversationID, err)
		}
	}
	return tx.Commit()
}

// InsightFilter narrows an insights query.
type InsightFilter struct {
	Start         time.Time
	End           time.Time
	Limit         int
	MinConfidence *float64
	Sentiment     string // positive | negative | neutral, empty for all
}

// QueryInsights returns insights in the window ordered newest first,
// bounded by the limit, along with the total match count independent of
// the limit.
func (s *Store) QueryInsights(ctx context.Context, filter InsightFilter) ([]model.Insight, int, error) {
	clauses := []string{"created_at BETWEEN ? AND ?"}
	args := []any{
		formatTime(filter.Start),
		formatTime(filter.End),
	}
	if filter.MinConfidence != nil {
		clauses = append(clauses, "confidence >= ?")
		args = append(args, *filter.MinConfidence)
	}
	switch filter.Sentiment {
	case "positive":
		clauses = append(clauses, "sentiment_score > ?")
		args = append(args, model.PositiveThreshold)
	case "negative":
		clauses = append(clauses, "sentiment_score < ?")
		args = append(args, model.NegativeThreshold)
	case "neutral":
		clauses = append(clauses, "sentiment_score BETWEEN ? AND ?")
		args = append(args, model.NegativeThreshold, model.PositiveThreshold)
	}
	where := strings.Join(clauses, " AND ")

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sentiment_score, clusters, confidence, reasoning, model, raw_response, created_at
		FROM insights WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var insights []model.Insight
	for rows.Next() {
		var (
			in       model.Insight
			clusters string
			raw      sql.NullString
			created  string
		)
		if err := rows.Scan(&in.ConversationID, &in.SentimentScore, &clusters,
			&in.Confidence, &in.Reasoning, &in.Model, &raw, &created); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(clusters), &in.Clusters); err != nil {
			in.Clusters = nil
		}
		if raw.Valid {
			in.RawResponse = json.RawMessage(raw.String)
		}
		in.CreatedAt = parseTime(created)
		insights = append(insights, in)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM insights WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting insights: %w", err)
	}

	return insights, total, nil
}
