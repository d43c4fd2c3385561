package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/insights-platform/internal/model"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
)

type fakeConversationStore struct {
	rows       map[string]*model.Conversation
	upserted   []string
	upsertErr  error
	getErr     error
	lastUpsert []byte
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{rows: make(map[string]*model.Conversation)}
}

func (f *fakeConversationStore) UpsertQueued(ctx context.Context, conversationID string, payload []byte) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, conversationID)
	f.lastUpsert = payload
	f.rows[conversationID] = &model.Conversation{
		ConversationID: conversationID,
		Status:         model.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	return nil
}

func (f *fakeConversationStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[conversationID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return row, nil
}

type fakeIngestor struct {
	enqueued []string
	full     bool
}

func (f *fakeIngestor) Enqueue(conversationID string) bool {
	if f.full {
		return false
	}
	f.enqueued = append(f.enqueued, conversationID)
	return true
}

func postConversation(t *testing.T, h *ConversationHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	return rec
}

func TestCreateAcceptsAndQueues(t *testing.T) {
	store := newFakeConversationStore()
	queue := &fakeIngestor{}
	h := NewConversationHandler(store, queue, logger.NewNop())

	rec := postConversation(t, h, `{"messages":[{"author_id":"customer","text":"The app keeps crashing"}]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Errorf("status field = %q, want accepted", resp["status"])
	}
	id := resp["conversation_id"]
	if !strings.HasPrefix(id, "conv_") || len(id) != len("conv_")+12 {
		t.Errorf("conversation_id = %q, want conv_ prefix with 12 hex chars", id)
	}
	if len(store.upserted) != 1 || store.upserted[0] != id {
		t.Errorf("upserted = %v, want [%s]", store.upserted, id)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != id {
		t.Errorf("enqueued = %v, want [%s]", queue.enqueued, id)
	}
}

func TestCreateKeepsCallerID(t *testing.T) {
	store := newFakeConversationStore()
	queue := &fakeIngestor{}
	h := NewConversationHandler(store, queue, logger.NewNop())

	rec := postConversation(t, h, `{"conversation_id":"conv_abc123","messages":[{"text":"hello"}]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["conversation_id"] != "conv_abc123" {
		t.Errorf("conversation_id = %q, want conv_abc123", resp["conversation_id"])
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{messages: [}`, http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, http.StatusUnprocessableEntity},
		{"blank text", `{"messages":[{"text":"   "}]}`, http.StatusUnprocessableEntity},
		{"id with whitespace", `{"conversation_id":"conv 1","messages":[{"text":"hi"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewConversationHandler(newFakeConversationStore(), &fakeIngestor{}, logger.NewNop())
			rec := postConversation(t, h, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestCreateBackpressureWhenQueueFull(t *testing.T) {
	store := newFakeConversationStore()
	h := NewConversationHandler(store, &fakeIngestor{full: true}, logger.NewNop())

	rec := postConversation(t, h, `{"messages":[{"text":"hi"}]}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	// The row was persisted before the queue rejected it, so a restart
	// replays it.
	if len(store.upserted) != 1 {
		t.Errorf("upserted = %v, want one row", store.upserted)
	}
}

func getConversation(t *testing.T, h *ConversationHandler, id string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{id}", h.Get)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+id, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetReturnsStatus(t *testing.T) {
	store := newFakeConversationStore()
	store.rows["conv_known"] = &model.Conversation{
		ConversationID: "conv_known",
		Status:         model.StatusCompleted,
	}
	h := NewConversationHandler(store, &fakeIngestor{}, logger.NewNop())

	rec := getConversation(t, h, "conv_known")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "completed" {
		t.Errorf("status field = %v, want completed", resp["status"])
	}
}

func TestGetUnknownConversation(t *testing.T) {
	h := NewConversationHandler(newFakeConversationStore(), &fakeIngestor{}, logger.NewNop())
	rec := getConversation(t, h, "conv_missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
