// Package agent implements the conversational agent at the heart of the
// Parley engine: a named persona pairing an LLM provider with
// retrieval-augmented memory, per-user conversation history, and a small
// lifecycle state machine.
//
// One interaction flows through [Agent.Interact]: the user's message is
// appended to the conversation and embedded, memory is queried for relevant
// context concurrently with the history window fetch, the prompt is assembled
// and sent to the LLM, and the reply is appended and embedded in turn.
// Interactions are serialized per agent instance; different agents never
// contend with each other.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hollowmere/parley/internal/convo"
	"github.com/hollowmere/parley/internal/observe"
	"github.com/hollowmere/parley/internal/promptctx"
	"github.com/hollowmere/parley/internal/recall"
	"github.com/hollowmere/parley/pkg/provider/llm"
	"github.com/hollowmere/parley/pkg/types"
)

// DefaultUserID is substituted when Interact is called with an empty user id.
const DefaultUserID = "default_user"

// Apology is returned to the user when the LLM produced an empty reply, and
// is what outer layers should show when a completion fails outright.
const Apology = "Sorry, there was an error processing your request."

// Defaults for the retrieval and history windows.
const (
	defaultTopK          = 3
	defaultHistoryWindow = 8
)

// State is the agent lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateProcessing
	StateError
	StateShutdown
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateProcessing:    "processing",
	StateError:         "error",
	StateShutdown:      "shutdown",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Agent is a conversational persona. Create one with [New], bring it up with
// [Agent.Initialize], then call [Agent.Interact]. All methods are safe for
// concurrent use; Interact calls on the same instance queue on an internal
// lock and complete one at a time.
type Agent struct {
	id        string
	name      string
	createdAt time.Time

	llm     llm.Provider
	memory  *recall.Provider
	convos  *convo.Store
	budgets promptctx.Budgets
	logger  *slog.Logger
	metrics *observe.Metrics

	topK          int
	historyWindow int
	temperature   float64
	maxTokens     int
	memoryPath    string

	// memoryLoaded records that persisted index state was loaded once, so a
	// reinitialization after an error does not overwrite the live index with
	// the stale on-disk snapshot. Only touched inside initialize, which the
	// state machine runs one at a time.
	memoryLoaded bool

	// interactMu serializes interactions; stateMu guards state, systemPrompt
	// and lastModified, and is never held across a suspension point.
	interactMu sync.Mutex
	stateMu    sync.Mutex

	state        State
	systemPrompt string
	lastModified time.Time
}

// Option is a functional option for [New].
type Option func(*Agent)

// WithLogger sets the agent's logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithBudgets overrides the prompt-assembly length budgets.
func WithBudgets(b promptctx.Budgets) Option {
	return func(a *Agent) { a.budgets = b }
}

// WithTopK sets how many memory results are retrieved per interaction.
func WithTopK(k int) Option {
	return func(a *Agent) { a.topK = k }
}

// WithHistoryWindow sets how many recent messages are included in the prompt.
func WithHistoryWindow(n int) Option {
	return func(a *Agent) { a.historyWindow = n }
}

// WithTemperature sets the sampling temperature passed to the LLM provider.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens caps the completion length requested from the LLM provider.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithMemoryStatePath sets the file path where the agent's memory index state
// is loaded from during Initialize and saved to during Shutdown. When unset,
// memory state is not persisted.
func WithMemoryStatePath(path string) Option {
	return func(a *Agent) { a.memoryPath = path }
}

// WithMetrics attaches an instrument recorder. A nil recorder is valid.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// New creates an agent in [StateUninitialized]. id, name and systemPrompt
// must be non-empty; provider and memory must be non-nil.
func New(id, name, systemPrompt string, provider llm.Provider, memory *recall.Provider, opts ...Option) (*Agent, error) {
	switch {
	case id == "":
		return nil, fmt.Errorf("%w: agent id must not be empty", ErrInvalidArgument)
	case strings.TrimSpace(name) == "":
		return nil, fmt.Errorf("%w: agent name must not be empty", ErrInvalidArgument)
	case strings.TrimSpace(systemPrompt) == "":
		return nil, fmt.Errorf("%w: system prompt must not be empty", ErrInvalidArgument)
	case provider == nil:
		return nil, fmt.Errorf("%w: llm provider must not be nil", ErrInvalidArgument)
	case memory == nil:
		return nil, fmt.Errorf("%w: memory provider must not be nil", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	a := &Agent{
		id:            id,
		name:          name,
		systemPrompt:  systemPrompt,
		createdAt:     now,
		lastModified:  now,
		llm:           provider,
		memory:        memory,
		convos:        convo.NewStore(),
		budgets:       promptctx.DefaultBudgets(),
		logger:        slog.Default(),
		topK:          defaultTopK,
		historyWindow: defaultHistoryWindow,
		state:         StateUninitialized,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// NewID allocates a fresh agent id.
func NewID() string { return uuid.NewString() }

// ID returns the agent's immutable id.
func (a *Agent) ID() string { return a.id }

// Name returns the agent's display name.
func (a *Agent) Name() string { return a.name }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// SystemPrompt returns the current system prompt.
func (a *Agent) SystemPrompt() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.systemPrompt
}

// Memory returns the agent's memory provider, for fixed-memory loading by the
// owning application.
func (a *Agent) Memory() *recall.Provider { return a.memory }

// Initialize brings the agent up: it initializes the LLM provider, verifies
// readiness, and loads persisted memory-index state when a state path is
// configured. On success the agent is [StateReady]; on failure it is left in
// [StateError] and the returned error is an [*InitializationError] carrying
// the cause.
//
// Initialize is also the recovery path from [StateError]: after a failed
// Initialize or a failed interaction, calling it again re-runs the provider
// probe and memory load, and on success returns the agent to [StateReady].
// Calling Initialize in any other state logs a warning and returns nil.
func (a *Agent) Initialize(ctx context.Context) error {
	a.stateMu.Lock()
	if a.state != StateUninitialized && a.state != StateError {
		cur := a.state
		a.stateMu.Unlock()
		a.logger.Warn("initialize called outside uninitialized or error state, ignoring",
			"agentId", a.id, "state", cur.String())
		return nil
	}
	retrying := a.state == StateError
	a.state = StateInitializing
	a.stateMu.Unlock()
	if retrying {
		a.logger.Info("reinitializing agent after error", "agentId", a.id)
	}

	if err := a.initialize(ctx); err != nil {
		a.setState(StateError)
		return &InitializationError{AgentID: a.id, Err: err}
	}
	a.setState(StateReady)
	a.logger.Info("agent ready", "agentId", a.id, "agentName", a.name)
	return nil
}

func (a *Agent) initialize(ctx context.Context) error {
	if err := a.llm.Initialize(ctx); err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	if !a.llm.IsReady() {
		return fmt.Errorf("llm provider reports not ready")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.memoryPath != "" && !a.memoryLoaded {
		if err := a.memory.LoadState(ctx, a.memoryPath); err != nil {
			return err
		}
		a.memoryLoaded = true
	}
	return nil
}

// Interact runs one full conversation turn for userID and returns the agent's
// reply. An empty userID is treated as [DefaultUserID]; a blank message fails
// with [ErrEmptyMessage]; an agent that is not ready fails with
// [ErrInvalidState].
//
// Interactions on the same agent are serialized: concurrent callers queue and
// each turn's two conversation entries (user message, then reply) are
// appended back to back, never interleaved with another turn's.
//
// The user's message is embedded before retrieval runs, and the memory index
// applies adds synchronously, so a turn's own message can surface in its own
// retrieval. That is deliberate: it keeps "what is retrievable" a function of
// the conversation log alone, not of embedding latency.
//
// Memory failures degrade silently (empty context, un-embedded message); an
// LLM failure moves the agent to [StateError] and is returned to the caller.
// An empty LLM reply is replaced by [Apology] rather than surfaced.
func (a *Agent) Interact(ctx context.Context, userID, message, extraContext string) (string, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	a.interactMu.Lock()
	defer a.interactMu.Unlock()

	a.stateMu.Lock()
	if a.state != StateReady {
		cur := a.state
		a.stateMu.Unlock()
		return "", fmt.Errorf("%w: interact requires ready, agent is %s", ErrInvalidState, cur)
	}
	a.state = StateProcessing
	prompt := a.systemPrompt
	a.stateMu.Unlock()

	start := time.Now()
	reply, err := a.interact(ctx, userID, message, extraContext, prompt)
	if err != nil {
		a.setState(StateError)
		a.metrics.RecordInteraction(ctx, time.Since(start), "error")
		return "", err
	}
	a.setState(StateReady)
	a.metrics.RecordInteraction(ctx, time.Since(start), "ok")
	return reply, nil
}

func (a *Agent) interact(ctx context.Context, userID, message, extraContext, systemPrompt string) (string, error) {
	userEntry := newEntry(types.UserSender, message)
	a.convos.Append(userID, userEntry)
	a.touch()
	a.storeMessage(ctx, userEntry)

	var (
		retrieved string
		recent    []types.MessageEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		retrStart := time.Now()
		retrieved = a.memory.RetrieveContext(gctx, message, a.topK)
		a.metrics.RecordRetrieval(gctx, time.Since(retrStart))
		return nil
	})
	g.Go(func() error {
		// One extra so the current message, already appended above, can be
		// dropped: it is rendered separately as the prompt's final line.
		recent = a.convos.Tail(userID, a.historyWindow+1)
		if n := len(recent); n > 0 && recent[n-1].MessageID == userEntry.MessageID {
			recent = recent[:n-1]
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	input := promptctx.Input{
		AgentName:        a.name,
		SystemPrompt:     systemPrompt,
		UserInput:        message,
		Recent:           historyLines(recent),
		RetrievedContext: retrieved,
		FixedContext:     extraContext,
	}
	assembled := promptctx.Build(input, a.budgets)

	llmStart := time.Now()
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		Prompt:      assembled,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	a.metrics.RecordLLM(ctx, time.Since(llmStart))
	if err != nil {
		a.metrics.ProviderError(ctx)
		return "", fmt.Errorf("agent %s: completion: %w", a.id, err)
	}

	var reply string
	if resp != nil {
		reply = strings.TrimSpace(resp.Content)
	}
	if reply == "" {
		a.logger.Warn("llm returned an empty reply, substituting apology", "agentId", a.id)
		reply = Apology
	}

	agentEntry := newEntry(a.name, reply)
	a.convos.Append(userID, agentEntry)
	a.touch()
	a.storeMessage(ctx, agentEntry)

	return reply, nil
}

func (a *Agent) storeMessage(ctx context.Context, entry types.MessageEntry) {
	before := a.memory.IsEmbedded(entry.MessageID)
	a.memory.StoreMessage(ctx, entry)
	if !before && a.memory.IsEmbedded(entry.MessageID) {
		a.metrics.MessageEmbedded(ctx)
	}
}

// SetSystemPrompt replaces the system prompt, effective from the next
// interaction. A blank prompt fails with [ErrInvalidArgument]; an in-flight
// interaction keeps the prompt it captured when it started.
func (a *Agent) SetSystemPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: system prompt must not be blank", ErrInvalidArgument)
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.systemPrompt = prompt
	a.lastModified = time.Now().UTC()
	return nil
}

// Conversation returns up to max entries of the per-user conversation tail,
// oldest first.
func (a *Agent) Conversation(userID string, max int) []types.MessageEntry {
	if userID == "" {
		userID = DefaultUserID
	}
	return a.convos.Tail(userID, max)
}

// ConversationUsers returns the user ids that have talked to this agent.
func (a *Agent) ConversationUsers() []string {
	return a.convos.Users()
}

// Shutdown waits for any in-flight interaction, persists memory-index state
// when a state path is configured, and moves the agent to the terminal
// [StateShutdown]. Idempotent; after shutdown every Interact fails with
// [ErrInvalidState].
func (a *Agent) Shutdown(ctx context.Context) error {
	a.interactMu.Lock()
	defer a.interactMu.Unlock()

	a.stateMu.Lock()
	if a.state == StateShutdown {
		a.stateMu.Unlock()
		return nil
	}
	a.state = StateShutdown
	a.stateMu.Unlock()

	if a.memoryPath != "" {
		if err := a.memory.SaveState(ctx, a.memoryPath); err != nil {
			return err
		}
	}
	a.logger.Info("agent shut down", "agentId", a.id)
	return nil
}

// Export produces a point-in-time snapshot of everything the persistence
// layer stores for this agent. The snapshot shares no memory with the agent.
func (a *Agent) Export() types.AgentSnapshot {
	a.stateMu.Lock()
	prompt := a.systemPrompt
	created := a.createdAt
	modified := a.lastModified
	a.stateMu.Unlock()

	return types.AgentSnapshot{
		AgentID:            a.id,
		AgentName:          a.name,
		SystemPrompt:       prompt,
		UserConversations:  a.convos.All(),
		EmbeddedMessageIDs: a.memory.EmbeddedIDs(),
		CreatedAt:          created,
		LastModified:       modified,
	}
}

// Restore replaces the agent's conversations, embedded-id set, prompt and
// timestamps from a persisted snapshot. Intended to be called once, before
// Initialize, by the persistence layer.
func (a *Agent) Restore(snap types.AgentSnapshot) error {
	if snap.AgentID != a.id {
		return fmt.Errorf("%w: snapshot is for agent %s, not %s", ErrInvalidArgument, snap.AgentID, a.id)
	}
	a.stateMu.Lock()
	if snap.SystemPrompt != "" {
		a.systemPrompt = snap.SystemPrompt
	}
	if !snap.CreatedAt.IsZero() {
		a.createdAt = snap.CreatedAt
	}
	if !snap.LastModified.IsZero() {
		a.lastModified = snap.LastModified
	}
	a.stateMu.Unlock()

	a.convos.Restore(snap.UserConversations)
	a.memory.RestoreEmbedded(snap.EmbeddedMessageIDs)
	return nil
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

func (a *Agent) touch() {
	a.stateMu.Lock()
	a.lastModified = time.Now().UTC()
	a.stateMu.Unlock()
}

func newEntry(sender, content string) types.MessageEntry {
	return types.MessageEntry{
		Sender:    sender,
		Content:   content,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

func historyLines(entries []types.MessageEntry) []promptctx.Line {
	lines := make([]promptctx.Line, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, promptctx.Line{Speaker: e.Sender, Text: e.Content})
	}
	return lines
}
