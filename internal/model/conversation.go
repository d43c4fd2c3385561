// Package model defines data structures for the insights pipeline.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a submitted conversation.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Message is a single message inside a submitted conversation.
type Message struct {
	AuthorID  string     `json:"author_id,omitempty"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Inbound   *bool      `json:"inbound,omitempty"`
}

// ConversationIn is the ingestion request payload.
type ConversationIn struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Messages       []Message         `json:"messages"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the submission for structural problems.
func (c *ConversationIn) Validate() error {
	if len(c.Messages) == 0 {
		return fmt.Errorf("messages cannot be empty")
	}
	for i, msg := range c.Messages {
		if strings.TrimSpace(msg.Text) == "" {
			return fmt.Errorf("message %d: text cannot be empty", i)
		}
	}
	return nil
}

// CombinedText flattens the messages into the analysis input, one
// "author: text" line per message in submission order.
func (c *ConversationIn) CombinedText() string {
	lines := make([]string, 0, len(c.Messages))
	for _, msg := range c.Messages {
		author := msg.AuthorID
		if author == "" {
			author = "user"
		}
		lines = append(lines, author+": "+strings.TrimSpace(msg.Text))
	}
	return strings.Join(lines, "\n")
}

// Conversation is the persisted per-submission status record.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Payload        []byte    `json:"-"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
