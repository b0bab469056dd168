// Package manager owns the process-scoped agent registry: creation, lookup,
// bulk load and save, and coordinated shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/hollowmere/parley/internal/agent"
	"github.com/hollowmere/parley/internal/observe"
	"github.com/hollowmere/parley/internal/persist"
	"github.com/hollowmere/parley/internal/recall"
	"github.com/hollowmere/parley/pkg/memindex"
	"github.com/hollowmere/parley/pkg/provider/llm"
)

// ErrDuplicateName is returned by Create when the name is already registered.
var ErrDuplicateName = errors.New("manager: agent name already registered")

// ErrUnknownAgent is returned by Delete and Resolve when no registered agent
// matches.
var ErrUnknownAgent = errors.New("manager: unknown agent")

// suggestionThreshold is the minimum Jaro-Winkler similarity for Resolve to
// offer a "did you mean" candidate.
const suggestionThreshold = 0.84

// IndexFactory builds a fresh memory index owned by one agent.
type IndexFactory func(agentID string) (memindex.Index, error)

// Manager is the registry of live agents. The LLM provider is shared across
// all agents; each agent owns its memory index exclusively. Safe for
// concurrent use.
type Manager struct {
	provider  llm.Provider
	newIndex  IndexFactory
	store     *persist.Store
	logger    *slog.Logger
	metrics   *observe.Metrics
	agentOpts []agent.Option

	mu     sync.RWMutex
	byID   map[string]*agent.Agent
	byName map[string]*agent.Agent
}

// Option is a functional option for [New].
type Option func(*Manager)

// WithLogger sets the manager's logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics attaches an instrument recorder, passed through to every agent.
func WithMetrics(mx *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithAgentOptions appends options applied to every agent the manager
// constructs, such as prompt budgets or retrieval tuning.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(m *Manager) { m.agentOpts = append(m.agentOpts, opts...) }
}

// New creates an empty registry.
func New(provider llm.Provider, newIndex IndexFactory, store *persist.Store, opts ...Option) (*Manager, error) {
	switch {
	case provider == nil:
		return nil, errors.New("manager: llm provider must not be nil")
	case newIndex == nil:
		return nil, errors.New("manager: index factory must not be nil")
	case store == nil:
		return nil, errors.New("manager: persistence store must not be nil")
	}
	m := &Manager{
		provider: provider,
		newIndex: newIndex,
		store:    store,
		logger:   slog.Default(),
		byID:     make(map[string]*agent.Agent),
		byName:   make(map[string]*agent.Agent),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Create allocates a fresh id, constructs and initializes an agent, registers
// it, and persists both its record and the manifest. Fails with
// [ErrDuplicateName] when the name is taken.
func (m *Manager) Create(ctx context.Context, name, systemPrompt string) (*agent.Agent, error) {
	key := nameKey(name)

	m.mu.Lock()
	if _, taken := m.byName[key]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	// Reserve the name before the slow construction path so a concurrent
	// Create with the same name fails fast instead of racing.
	m.byName[key] = nil
	m.mu.Unlock()

	a, err := m.build(agent.NewID(), name, systemPrompt)
	if err == nil {
		err = a.Initialize(ctx)
	}
	if err == nil {
		err = m.persistAgent(a)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.byName, key)
		m.mu.Unlock()
		return nil, err
	}

	m.register(a)
	m.metrics.AgentUp(ctx)
	m.logger.Info("agent created", "agentId", a.ID(), "agentName", a.Name())
	return a, nil
}

// ByID returns the agent with the given id, or nil when not registered.
// Absence is an expected transient state during load, not an error.
func (m *Manager) ByID(id string) *agent.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// ByName returns the agent with the given display name (case-insensitive),
// or nil when not registered.
func (m *Manager) ByName(name string) *agent.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a := m.byName[nameKey(name)]; a != nil {
		return a
	}
	return nil
}

// Resolve looks up an agent by name and, unlike [Manager.ByName], returns an
// error for an unknown name; one wrapping [ErrUnknownAgent] and including a
// "did you mean" suggestion when a registered name is close enough by
// Jaro-Winkler similarity.
func (m *Manager) Resolve(name string) (*agent.Agent, error) {
	if a := m.ByName(name); a != nil {
		return a, nil
	}

	best, bestScore := "", 0.0
	for _, candidate := range m.Names() {
		if score := matchr.JaroWinkler(strings.ToLower(name), strings.ToLower(candidate), false); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore >= suggestionThreshold {
		return nil, fmt.Errorf("%w: %q (did you mean %q?)", ErrUnknownAgent, name, best)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
}

// Names returns the display names of all registered agents, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byName))
	for _, a := range m.byName {
		if a != nil {
			names = append(names, a.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Agents returns all registered agents in no particular order.
func (m *Manager) Agents() []*agent.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	return out
}

// Delete shuts an agent down, wipes its memory index, removes its persisted
// record and memory blob, and rewrites the manifest without it. Fails with
// [ErrUnknownAgent] for an unregistered id. The agent's conversation history
// is gone for good; there is no soft delete.
func (m *Manager) Delete(ctx context.Context, id string) error {
	a := m.ByID(id)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	if err := a.Shutdown(ctx); err != nil {
		return err
	}
	if err := a.Memory().Clear(ctx); err != nil {
		return err
	}
	if err := m.store.DeleteAgent(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.byID, id)
	delete(m.byName, nameKey(a.Name()))
	ids := make([]string, 0, len(m.byID))
	for rest := range m.byID {
		ids = append(ids, rest)
	}
	m.mu.Unlock()

	m.metrics.AgentDown(ctx)
	sort.Strings(ids)
	if err := m.store.SaveManifest(ids); err != nil {
		return err
	}
	m.logger.Info("agent deleted", "agentId", id, "agentName", a.Name())
	return nil
}

// LoadAll reads the manifest and reconstructs every listed agent:
// snapshot restore, memory-index state load, then initialization. An
// individually corrupt or missing record is logged and skipped; one bad
// agent never aborts the batch. Returns the number of agents loaded.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	manifest, err := m.store.LoadManifest()
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, id := range manifest.AgentIDs {
		if err := m.loadOne(ctx, id); err != nil {
			m.logger.Warn("skipping agent with unloadable record",
				"agentId", id, "error", err)
			continue
		}
		loaded++
	}
	m.logger.Info("agents loaded", "loaded", loaded, "listed", len(manifest.AgentIDs))
	return loaded, nil
}

func (m *Manager) loadOne(ctx context.Context, id string) error {
	snap, err := m.store.LoadAgent(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.byID[id]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("manager: agent %s already registered", id)
	}

	a, err := m.build(id, snap.AgentName, snap.SystemPrompt)
	if err != nil {
		return err
	}
	if err := a.Restore(snap); err != nil {
		return err
	}
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	m.register(a)
	m.metrics.AgentUp(ctx)
	return nil
}

// SaveAll persists every registered agent's snapshot and memory state
// concurrently, then rewrites the manifest. The manifest is written last and
// only on full success, so it never lists an agent whose record failed to
// land.
func (m *Manager) SaveAll(ctx context.Context) error {
	agents := m.Agents()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			if err := m.store.SaveAgent(a.Export()); err != nil {
				return err
			}
			return a.Memory().SaveState(gctx, m.store.MemoryStatePath(a.ID()))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID())
	}
	sort.Strings(ids)
	return m.store.SaveManifest(ids)
}

// Shutdown saves all agents, then shuts each one down. Errors are collected;
// every agent gets its shutdown attempt regardless of earlier failures.
func (m *Manager) Shutdown(ctx context.Context) error {
	errs := []error{m.SaveAll(ctx)}
	for _, a := range m.Agents() {
		if err := a.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		m.metrics.AgentDown(ctx)
	}
	return errors.Join(errs...)
}

func (m *Manager) build(id, name, systemPrompt string) (*agent.Agent, error) {
	idx, err := m.newIndex(id)
	if err != nil {
		return nil, fmt.Errorf("manager: create index for agent %s: %w", id, err)
	}
	mem, err := recall.NewProvider(id, idx, recall.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}

	opts := append([]agent.Option{
		agent.WithLogger(m.logger),
		agent.WithMetrics(m.metrics),
		agent.WithMemoryStatePath(m.store.MemoryStatePath(id)),
	}, m.agentOpts...)
	return agent.New(id, name, systemPrompt, m.provider, mem, opts...)
}

func (m *Manager) persistAgent(a *agent.Agent) error {
	if err := m.store.SaveAgent(a.Export()); err != nil {
		return err
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.byID)+1)
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	ids = append(ids, a.ID())
	sort.Strings(ids)
	return m.store.SaveManifest(ids)
}

func (m *Manager) register(a *agent.Agent) {
	m.mu.Lock()
	m.byID[a.ID()] = a
	m.byName[nameKey(a.Name())] = a
	m.mu.Unlock()
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
