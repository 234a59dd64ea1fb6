package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newInboxRouter(store Store) *gin.Engine {
	h := NewHandler(store)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Agent"); id != "" {
			auth.SetAgentID(c, id)
		}
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func inboxGet(r *gin.Engine, path, agentID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("X-Test-Agent", agentID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListInbox(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = store.Insert(context.Background(), &Message{
			ID:        fmt.Sprintf("msg-%02d", i),
			FromAgent: "agent-sender",
			ToAgent:   "agent-me",
			Type:      TypeWorkDelivered,
			Content:   map[string]any{"job_id": "job-1"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	r := newInboxRouter(store)

	w := inboxGet(r, "/v1/inbox", "agent-me")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Messages    []Message `json:"messages"`
		Count       int       `json:"count"`
		UnreadCount int       `json:"unread_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 3 || resp.UnreadCount != 3 {
		t.Fatalf("unexpected inbox: %+v", resp)
	}
	if resp.Messages[0].ID != "msg-02" {
		t.Errorf("expected newest first, got %s", resp.Messages[0].ID)
	}

	// Someone else's inbox is empty.
	w = inboxGet(r, "/v1/inbox", "agent-other")
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("expected empty inbox for other agent, got %d", resp.Count)
	}
}

func TestMarkRead(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Insert(context.Background(), &Message{
		ID:        "msg-read-me",
		FromAgent: "agent-sender",
		ToAgent:   "agent-me",
		Type:      TypeJobCompleted,
	})
	r := newInboxRouter(store)

	req := httptest.NewRequest("POST", "/v1/inbox/msg-read-me/read", nil)
	req.Header.Set("X-Test-Agent", "agent-me")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	n, _ := store.UnreadCount(context.Background(), "agent-me")
	if n != 0 {
		t.Errorf("expected 0 unread after marking, got %d", n)
	}

	// Non-recipients get a 404, not a 403: the inbox never confirms
	// other agents' message IDs.
	req = httptest.NewRequest("POST", "/v1/inbox/msg-read-me/read", nil)
	req.Header.Set("X-Test-Agent", "agent-intruder")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-recipient, got %d", w.Code)
	}
}

func TestListInbox_UnreadFilterAndPagination(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_ = store.Insert(context.Background(), &Message{
			ID:        fmt.Sprintf("msg-%02d", i),
			FromAgent: "agent-sender",
			ToAgent:   "agent-me",
			Type:      TypeJobStarted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	_ = store.MarkRead(context.Background(), "msg-03", "agent-me")
	r := newInboxRouter(store)

	w := inboxGet(r, "/v1/inbox?unread=true&limit=2", "agent-me")
	var resp struct {
		Messages   []Message `json:"messages"`
		NextCursor string    `json:"next_cursor"`
		HasMore    bool      `json:"has_more"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 2 || !resp.HasMore {
		t.Fatalf("unexpected first page: %+v", resp)
	}
	if resp.Messages[0].ID != "msg-02" {
		t.Errorf("expected msg-02 first (msg-03 is read), got %s", resp.Messages[0].ID)
	}

	w = inboxGet(r, "/v1/inbox?unread=true&cursor="+resp.NextCursor, "agent-me")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 1 || resp.HasMore {
		t.Fatalf("unexpected second page: %+v", resp)
	}
	if resp.Messages[0].ID != "msg-00" {
		t.Errorf("expected msg-00 on second page, got %s", resp.Messages[0].ID)
	}
}

func TestListInbox_InvalidSince(t *testing.T) {
	r := newInboxRouter(NewMemoryStore())
	w := inboxGet(r, "/v1/inbox?since=yesterday", "agent-me")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
