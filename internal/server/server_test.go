package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hollowmere/parley/internal/agent"
	"github.com/hollowmere/parley/internal/manager"
	"github.com/hollowmere/parley/internal/persist"
	"github.com/hollowmere/parley/internal/server"
	"github.com/hollowmere/parley/pkg/memindex"
	embmock "github.com/hollowmere/parley/pkg/provider/embeddings/mock"
	llmmock "github.com/hollowmere/parley/pkg/provider/llm/mock"
)

func newServer(t *testing.T, provider *llmmock.Provider) (*server.Server, *manager.Manager) {
	t.Helper()
	store, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("persist.NewStore: %v", err)
	}
	factory := func(agentID string) (memindex.Index, error) {
		return memindex.NewFlat(&embmock.Provider{})
	}
	logger := slog.New(slog.DiscardHandler)
	m, err := manager.New(provider, factory, store, manager.WithLogger(logger))
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	return server.New(m, nil, logger), m
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, &llmmock.Provider{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndListAgents(t *testing.T) {
	t.Parallel()

	s, _ := newServer(t, &llmmock.Provider{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/agents", map[string]string{
		"name":         "Maya",
		"systemPrompt": "You are Maya, a shop owner.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created struct {
		AgentID string `json:"agentId"`
		State   string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.AgentID == "" || created.State != "ready" {
		t.Errorf("created = %+v", created)
	}

	// Duplicate name conflicts.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/agents", map[string]string{
		"name": "Maya", "systemPrompt": "another",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", rec.Code)
	}

	// Invalid argument is a client error.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/agents", map[string]string{
		"name": "Torvel", "systemPrompt": " ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank prompt status = %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0]["agentName"] != "Maya" {
		t.Errorf("list = %+v", list)
	}
}

func TestInteract(t *testing.T) {
	t.Parallel()

	s, m := newServer(t, &llmmock.Provider{CompleteResult: "We stock three kinds."})
	a, err := m.Create(context.Background(), "Maya", "You are Maya, a shop owner.")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/agents/"+a.ID()+"/interact", map[string]string{
		"userId": "p1", "message": "Do you sell potions?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "We stock three kinds." {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestInteract_Errors(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteResult: "ok"}
	s, m := newServer(t, provider)
	a, err := m.Create(context.Background(), "Maya", "You are Maya.")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Unknown agent id.
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/agents/ghost/interact", map[string]string{
		"message": "hello",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d", rec.Code)
	}

	// Blank message.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/agents/"+a.ID()+"/interact", map[string]string{
		"message": "  ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message status = %d", rec.Code)
	}

	// LLM failure still delivers a reply body: the canned apology.
	provider.CompleteErr = errors.New("rate limited")
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/agents/"+a.ID()+"/interact", map[string]string{
		"message": "hello",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("llm failure status = %d", rec.Code)
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != agent.Apology {
		t.Errorf("reply = %q, want the canned apology", resp.Reply)
	}

	// The agent is now in error state; further interacts conflict.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/agents/"+a.ID()+"/interact", map[string]string{
		"message": "hello again",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("interact in error state status = %d", rec.Code)
	}
}

func TestAgentLookup_ByNameAndSuggestion(t *testing.T) {
	t.Parallel()

	s, m := newServer(t, &llmmock.Provider{CompleteResult: "Certainly."})
	if _, err := m.Create(context.Background(), "Maya", "You are Maya."); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The path segment accepts the display name, case-insensitively.
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/agents/maya/interact", map[string]string{
		"userId": "p1", "message": "Do you sell potions?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("interact by name status = %d, body %s", rec.Code, rec.Body)
	}

	// A near-miss name gets a 404 whose body carries a suggestion.
	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/agents/Myaa/interact", map[string]string{
		"message": "hello",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("near-miss status = %d", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Error, `did you mean "Maya"`) {
		t.Errorf("error = %q, want a did-you-mean suggestion", resp.Error)
	}
}

func TestDeleteAgent(t *testing.T) {
	t.Parallel()

	s, m := newServer(t, &llmmock.Provider{})
	a, err := m.Create(context.Background(), "Maya", "You are Maya.")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodDelete, "/api/agents/"+a.ID(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if m.ByID(a.ID()) != nil {
		t.Error("agent still registered after delete")
	}

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/api/agents/"+a.ID(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d", rec.Code)
	}
}

func TestConversations(t *testing.T) {
	t.Parallel()

	s, m := newServer(t, &llmmock.Provider{CompleteResult: "Hello there."})
	a, err := m.Create(context.Background(), "Maya", "You are Maya.")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Interact(context.Background(), "p1", "hi", ""); err != nil {
		t.Fatalf("Interact: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/agents/"+a.ID()+"/conversations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var users struct {
		UserIDs []string `json:"userIds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users.UserIDs) != 1 || users.UserIDs[0] != "p1" {
		t.Errorf("userIds = %v", users.UserIDs)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/agents/"+a.ID()+"/conversations/p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var entries []struct {
		Sender  string `json:"sender"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].Sender != "User" || entries[1].Sender != "Maya" {
		t.Errorf("entries = %+v", entries)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/agents/"+a.ID()+"/conversations/p1?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestSetPrompt(t *testing.T) {
	t.Parallel()

	s, m := newServer(t, &llmmock.Provider{})
	a, err := m.Create(context.Background(), "Maya", "You are Maya.")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodPut, "/api/agents/"+a.ID()+"/prompt", map[string]string{
		"systemPrompt": "You are Maya, now retired.",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := a.SystemPrompt(); got != "You are Maya, now retired." {
		t.Errorf("prompt = %q", got)
	}

	rec = doJSON(t, s.Handler(), http.MethodPut, "/api/agents/"+a.ID()+"/prompt", map[string]string{
		"systemPrompt": "  ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank prompt status = %d", rec.Code)
	}
}
