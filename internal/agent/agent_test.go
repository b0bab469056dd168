package agent_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/hollowmere/parley/internal/agent"
	"github.com/hollowmere/parley/internal/recall"
	"github.com/hollowmere/parley/pkg/memindex"
	"github.com/hollowmere/parley/pkg/memindex/mock"
	"github.com/hollowmere/parley/pkg/provider/llm"
	llmmock "github.com/hollowmere/parley/pkg/provider/llm/mock"
	"github.com/hollowmere/parley/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newMemory(t *testing.T, idx *mock.Index) *recall.Provider {
	t.Helper()
	mem, err := recall.NewProvider("agent-1", idx, recall.WithLogger(discard()))
	if err != nil {
		t.Fatalf("recall.NewProvider: %v", err)
	}
	return mem
}

func newAgent(t *testing.T, provider llm.Provider, idx *mock.Index, opts ...agent.Option) *agent.Agent {
	t.Helper()
	opts = append([]agent.Option{agent.WithLogger(discard())}, opts...)
	a, err := agent.New("agent-1", "Maya", "You are Maya, a shop owner.", provider, newMemory(t, idx), opts...)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return a
}

func newReadyAgent(t *testing.T, provider llm.Provider, idx *mock.Index, opts ...agent.Option) *agent.Agent {
	t.Helper()
	a := newAgent(t, provider, idx, opts...)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a
}

// ─────────────────────────────────────────────────────────────────────────────
// construction and lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	mem := newMemory(t, &mock.Index{})
	provider := &llmmock.Provider{}

	tests := []struct {
		name string
		fn   func() (*agent.Agent, error)
	}{
		{"empty id", func() (*agent.Agent, error) { return agent.New("", "Maya", "prompt", provider, mem) }},
		{"blank name", func() (*agent.Agent, error) { return agent.New("a1", "  ", "prompt", provider, mem) }},
		{"blank prompt", func() (*agent.Agent, error) { return agent.New("a1", "Maya", "", provider, mem) }},
		{"nil provider", func() (*agent.Agent, error) { return agent.New("a1", "Maya", "prompt", nil, mem) }},
		{"nil memory", func() (*agent.Agent, error) { return agent.New("a1", "Maya", "prompt", provider, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); !errors.Is(err, agent.ErrInvalidArgument) {
				t.Errorf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestInitialize_Transitions(t *testing.T) {
	t.Parallel()

	a := newAgent(t, &llmmock.Provider{}, &mock.Index{})
	if got := a.State(); got != agent.StateUninitialized {
		t.Fatalf("new agent state = %v", got)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.State(); got != agent.StateReady {
		t.Fatalf("state after init = %v, want ready", got)
	}

	// Re-initializing a ready agent is a logged no-op.
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := a.State(); got != agent.StateReady {
		t.Errorf("state after repeat init = %v", got)
	}
}

func TestInitialize_ProviderFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("model unavailable")
	a := newAgent(t, &llmmock.Provider{InitializeErr: cause}, &mock.Index{})

	err := a.Initialize(context.Background())
	var initErr *agent.InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("got %v, want *InitializationError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("InitializationError must carry the underlying cause")
	}
	if got := a.State(); got != agent.StateError {
		t.Errorf("state after failed init = %v, want error", got)
	}
}

func TestInitialize_MemoryLoadFailure(t *testing.T) {
	t.Parallel()

	idx := &mock.Index{LoadErr: errors.New("corrupt blob")}
	a := newAgent(t, &llmmock.Provider{}, idx, agent.WithMemoryStatePath("/tmp/nope.mem"))

	if err := a.Initialize(context.Background()); err == nil {
		t.Fatal("memory load failure must fail initialization")
	}
	if got := a.State(); got != agent.StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestInitialize_RetriesFromErrorState(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{InitializeErr: errors.New("model unavailable")}
	a := newAgent(t, provider, &mock.Index{})

	if err := a.Initialize(context.Background()); err == nil {
		t.Fatal("first Initialize must fail")
	}
	if got := a.State(); got != agent.StateError {
		t.Fatalf("state = %v, want error", got)
	}

	// The outage clears; re-running Initialize recovers the agent.
	provider.InitializeErr = nil
	provider.CompleteResult = "Welcome back."
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
	if got := a.State(); got != agent.StateReady {
		t.Fatalf("state after retry = %v, want ready", got)
	}
	if _, err := a.Interact(context.Background(), "p1", "anyone home?", ""); err != nil {
		t.Errorf("Interact after recovery: %v", err)
	}
}

func TestInitialize_RecoversAfterInteractFailure(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteErr: errors.New("upstream 500")}
	idx := &mock.Index{}
	a := newReadyAgent(t, provider, idx, agent.WithMemoryStatePath("/tmp/agent-1.mem"))

	if _, err := a.Interact(context.Background(), "p1", "hi", ""); err == nil {
		t.Fatal("Interact must fail while the provider errors")
	}
	if got := a.State(); got != agent.StateError {
		t.Fatalf("state = %v, want error", got)
	}

	provider.CompleteErr = nil
	provider.CompleteResult = "All good now."
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	reply, err := a.Interact(context.Background(), "p1", "still there?", "")
	if err != nil {
		t.Fatalf("Interact after recovery: %v", err)
	}
	if reply != "All good now." {
		t.Errorf("reply = %q", reply)
	}

	// Reinitialization must not reload persisted memory state over the live
	// index.
	if got := idx.CallCount("Load"); got != 1 {
		t.Errorf("memory state loaded %d times, want 1", got)
	}
}

func TestShutdown_IsIdempotentAndTerminal(t *testing.T) {
	t.Parallel()

	idx := &mock.Index{}
	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "hello"}, idx,
		agent.WithMemoryStatePath("/tmp/agent-1.mem"))

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := idx.CallCount("Save"); got != 1 {
		t.Errorf("memory state saved %d times, want 1 (idempotent shutdown)", got)
	}

	if _, err := a.Interact(context.Background(), "p1", "anyone there?", ""); !errors.Is(err, agent.ErrInvalidState) {
		t.Errorf("Interact after shutdown: got %v, want ErrInvalidState", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// interaction
// ─────────────────────────────────────────────────────────────────────────────

func TestInteract_AppendsTwoEntriesPerCall(t *testing.T) {
	t.Parallel()

	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "We stock three kinds."}, &mock.Index{})

	const turns = 3
	for i := 0; i < turns; i++ {
		reply, err := a.Interact(context.Background(), "p1", "Do you sell potions?", "")
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if reply != "We stock three kinds." {
			t.Fatalf("turn %d reply = %q", i, reply)
		}
	}

	log := a.Conversation("p1", 100)
	if len(log) != 2*turns {
		t.Fatalf("conversation has %d entries, want %d", len(log), 2*turns)
	}
	for i, e := range log {
		wantSender := types.UserSender
		if i%2 == 1 {
			wantSender = "Maya"
		}
		if e.Sender != wantSender {
			t.Errorf("entry %d sender = %q, want %q", i, e.Sender, wantSender)
		}
	}
}

func TestInteract_Validation(t *testing.T) {
	t.Parallel()

	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "hi"}, &mock.Index{})

	if _, err := a.Interact(context.Background(), "p1", "   ", ""); !errors.Is(err, agent.ErrEmptyMessage) {
		t.Errorf("blank message: got %v, want ErrEmptyMessage", err)
	}

	// Empty user id falls back to the default user bucket.
	if _, err := a.Interact(context.Background(), "", "hello", ""); err != nil {
		t.Fatalf("Interact with empty user id: %v", err)
	}
	if got := len(a.Conversation(agent.DefaultUserID, 10)); got != 2 {
		t.Errorf("default_user conversation has %d entries, want 2", got)
	}
}

func TestInteract_RequiresReady(t *testing.T) {
	t.Parallel()

	a := newAgent(t, &llmmock.Provider{}, &mock.Index{})
	if _, err := a.Interact(context.Background(), "p1", "hello", ""); !errors.Is(err, agent.ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

func TestInteract_EmptyReplyBecomesApology(t *testing.T) {
	t.Parallel()

	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "   "}, &mock.Index{})

	reply, err := a.Interact(context.Background(), "p1", "hello?", "")
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if reply != agent.Apology {
		t.Fatalf("reply = %q, want the canned apology", reply)
	}
	if got := a.State(); got != agent.StateReady {
		t.Errorf("state = %v, want ready (empty reply is not a failure)", got)
	}
}

func TestInteract_LLMFailureMovesToError(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	a := newReadyAgent(t, provider, &mock.Index{})

	if _, err := a.Interact(context.Background(), "p1", "hello", ""); err == nil {
		t.Fatal("LLM failure must surface to the caller")
	}
	if got := a.State(); got != agent.StateError {
		t.Fatalf("state = %v, want error", got)
	}
	// The user message was already logged before the failure; the reply never
	// arrived.
	if got := len(a.Conversation("p1", 10)); got != 1 {
		t.Errorf("conversation has %d entries after failed turn, want 1", got)
	}
}

func TestInteract_MemoryFailuresAreNonFatal(t *testing.T) {
	t.Parallel()

	idx := &mock.Index{
		AddErr:    errors.New("embed backend down"),
		SearchErr: errors.New("search backend down"),
	}
	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "Welcome in!"}, idx)

	reply, err := a.Interact(context.Background(), "p1", "hello", "")
	if err != nil {
		t.Fatalf("memory failures must not abort the turn: %v", err)
	}
	if reply != "Welcome in!" {
		t.Errorf("reply = %q", reply)
	}
	if got := a.State(); got != agent.StateReady {
		t.Errorf("state = %v, want ready", got)
	}
}

func TestInteract_PromptContainsRetrievedContext(t *testing.T) {
	t.Parallel()

	idx := &mock.Index{SearchResult: []memindex.Result{
		{Text: "From User: I bought a healing potion yesterday", Distance: 0.1, Namespace: memindex.NamespaceDynamic},
	}}
	provider := &llmmock.Provider{CompleteResult: "Back for more already?"}
	a := newReadyAgent(t, provider, idx)

	if _, err := a.Interact(context.Background(), "p1", "Do you sell potions?", ""); err != nil {
		t.Fatalf("Interact: %v", err)
	}

	prompts := provider.PromptLog()
	if len(prompts) != 1 {
		t.Fatalf("provider saw %d prompts, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], "[Highly Relevant] From User: I bought a healing potion yesterday") {
		t.Errorf("prompt missing labeled retrieved context:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[0], "## Memory") {
		t.Error("prompt missing Memory section")
	}
}

func TestInteract_PromptAssembly(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteResult: "Of course."}
	a := newReadyAgent(t, provider, &mock.Index{})

	if _, err := a.Interact(context.Background(), "p1", "Do you sell potions?", "Maya's shop sits on the market square."); err != nil {
		t.Fatalf("Interact: %v", err)
	}

	prompts := provider.PromptLog()
	if len(prompts) != 1 {
		t.Fatalf("provider saw %d prompts, want 1", len(prompts))
	}
	for _, want := range []string{
		"You are Maya, a shop owner.",
		"## Background",
		"Maya's shop sits on the market square.",
		"Do you sell potions?",
		"Now respond as Maya:",
	} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestSetSystemPrompt(t *testing.T) {
	t.Parallel()

	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "ok"}, &mock.Index{})

	if err := a.SetSystemPrompt("  "); !errors.Is(err, agent.ErrInvalidArgument) {
		t.Errorf("blank prompt: got %v, want ErrInvalidArgument", err)
	}
	if err := a.SetSystemPrompt("You are Maya, now retired."); err != nil {
		t.Fatalf("SetSystemPrompt: %v", err)
	}
	if got := a.SystemPrompt(); got != "You are Maya, now retired." {
		t.Errorf("SystemPrompt = %q", got)
	}
}

// TestInteract_SerializedPerAgent issues two concurrent interactions and
// verifies the conversation log is never interleaved mid-turn: each turn's
// user message is immediately followed by its reply.
func TestInteract_SerializedPerAgent(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	provider := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			// First completion blocks until the second caller is known to be
			// queued behind the interaction lock.
			once.Do(func() { <-release })
			return &llm.CompletionResponse{Content: "reply"}, nil
		},
	}
	a := newReadyAgent(t, provider, &mock.Index{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := a.Interact(context.Background(), "p1", "first", ""); err != nil {
			t.Errorf("first Interact: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		release <- struct{}{} // unblock the in-flight completion, then queue
		if _, err := a.Interact(context.Background(), "p1", "second", ""); err != nil {
			t.Errorf("second Interact: %v", err)
		}
	}()
	wg.Wait()

	log := a.Conversation("p1", 10)
	if len(log) != 4 {
		t.Fatalf("conversation has %d entries, want 4", len(log))
	}
	for i := 0; i < len(log); i += 2 {
		if log[i].Sender != types.UserSender || log[i+1].Sender != "Maya" {
			t.Fatalf("turn at %d interleaved: %q then %q", i, log[i].Sender, log[i+1].Sender)
		}
		if log[i+1].Timestamp.Before(log[i].Timestamp) {
			t.Errorf("reply at %d predates its user message", i+1)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// snapshot round-trip
// ─────────────────────────────────────────────────────────────────────────────

func TestExportRestore_RoundTrip(t *testing.T) {
	t.Parallel()

	a := newReadyAgent(t, &llmmock.Provider{CompleteResult: "Welcome!"}, &mock.Index{})
	if _, err := a.Interact(context.Background(), "p1", "hello", ""); err != nil {
		t.Fatalf("Interact: %v", err)
	}

	snap := a.Export()
	if snap.AgentID != "agent-1" || snap.AgentName != "Maya" {
		t.Fatalf("snapshot identity = %s/%s", snap.AgentID, snap.AgentName)
	}
	if len(snap.UserConversations["p1"]) != 2 {
		t.Fatalf("snapshot conversation has %d entries, want 2", len(snap.UserConversations["p1"]))
	}
	if len(snap.EmbeddedMessageIDs) != 2 {
		t.Errorf("snapshot embedded ids = %d, want 2", len(snap.EmbeddedMessageIDs))
	}

	restored := newAgent(t, &llmmock.Provider{}, &mock.Index{})
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := restored.Conversation("p1", 10)
	want := snap.UserConversations["p1"]
	if len(got) != len(want) {
		t.Fatalf("restored conversation has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if restored.SystemPrompt() != snap.SystemPrompt {
		t.Errorf("restored prompt = %q", restored.SystemPrompt())
	}
}

func TestRestore_RejectsForeignSnapshot(t *testing.T) {
	t.Parallel()

	a := newAgent(t, &llmmock.Provider{}, &mock.Index{})
	err := a.Restore(types.AgentSnapshot{AgentID: "someone-else"})
	if !errors.Is(err, agent.ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}
