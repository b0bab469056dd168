// Package recall orchestrates embedding and retrieval of conversational
// memory for one agent.
//
// A [Provider] sits between the agent and its memory index: new messages flow
// in through [Provider.StoreMessage] (deduplicated by message id), background
// lore through [Provider.StoreFixedMemory], and retrieval queries out through
// [Provider.RetrieveContext], which renders nearest-neighbor hits with a
// relevance label derived from cosine distance.
//
// Failure policy: store and retrieve failures are logged and swallowed here,
// uniformly. A missed embedding or a failed lookup degrades retrieval quality
// for future turns but must never abort the conversation turn that triggered
// it. State save/load failures are the exception; those are surfaced to the
// caller, since silently losing persistence is not a graceful degradation.
package recall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hollowmere/parley/pkg/memindex"
	"github.com/hollowmere/parley/pkg/types"
)

// DefaultTopK is the number of nearest neighbors retrieved when the caller
// passes k <= 0.
const DefaultTopK = 3

// Provider manages one agent's memory index: embedding new material,
// deduplicating by message id, and answering retrieval queries. Safe for
// concurrent use.
type Provider struct {
	agentID string
	index   memindex.Index
	logger  *slog.Logger

	mu       sync.Mutex
	embedded map[string]struct{}
}

// Option is a functional option for [NewProvider].
type Option func(*Provider)

// WithLogger sets the logger used for swallowed store/retrieve failures.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates a memory provider for one agent backed by the given
// index. The index must be owned exclusively by this provider.
func NewProvider(agentID string, index memindex.Index, opts ...Option) (*Provider, error) {
	if agentID == "" {
		return nil, errors.New("recall: agent id must not be empty")
	}
	if index == nil {
		return nil, errors.New("recall: index must not be nil")
	}
	p := &Provider{
		agentID:  agentID,
		index:    index,
		logger:   slog.Default(),
		embedded: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StoreMessage embeds one conversation message into the dynamic namespace.
//
// Messages are deduplicated by message id, not content: a message whose id was
// already embedded is a no-op, so the index receives at most one add per id
// even across concurrent callers. The id is reserved under the lock before the
// add is issued and released again if the add fails, so a failed add leaves a
// later retry possible.
//
// Index failures are logged and swallowed.
func (p *Provider) StoreMessage(ctx context.Context, msg types.MessageEntry) {
	if msg.MessageID == "" || strings.TrimSpace(msg.Content) == "" {
		return
	}

	p.mu.Lock()
	if _, done := p.embedded[msg.MessageID]; done {
		p.mu.Unlock()
		return
	}
	// Reserve the id before releasing the lock so a concurrent store of the
	// same message cannot slip past the check and add a second copy.
	p.embedded[msg.MessageID] = struct{}{}
	p.mu.Unlock()

	text := fmt.Sprintf("From %s: %s", msg.Sender, msg.Content)
	if err := p.index.Add(ctx, text, memindex.NamespaceDynamic); err != nil {
		p.mu.Lock()
		delete(p.embedded, msg.MessageID)
		p.mu.Unlock()
		p.logger.Warn("embedding message failed, will retry on next store",
			"agentId", p.agentID, "messageId", msg.MessageID, "error", err)
		return
	}
}

// StoreFixedMemory splits content on blank lines and embeds each chunk into
// the fixed namespace, where it is retrievable alongside dynamic memory but
// never mixed into the dedup bookkeeping.
//
// Unlike conversational stores this runs at load time, so failures are
// surfaced: every chunk is attempted and the errors are joined.
func (p *Provider) StoreFixedMemory(ctx context.Context, content string) error {
	var errs []error
	for i, chunk := range splitChunks(content) {
		if err := p.index.Add(ctx, chunk, memindex.NamespaceFixed); err != nil {
			errs = append(errs, fmt.Errorf("recall: fixed chunk %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// RetrieveContext queries the index for the k nearest neighbors to query
// across both the dynamic and fixed namespaces, merged by score, and renders
// them one per line with a relevance label:
//
//	[Highly Relevant] From User: I need a healing potion
//
// Relevance is 1 - cosine distance: above 0.8 is Highly Relevant, above 0.6
// Relevant, anything else Somewhat Relevant. Returns the empty string, never
// an error, when nothing was found or the index failed; a failed lookup is
// logged and degrades to empty context.
func (p *Provider) RetrieveContext(ctx context.Context, query string, k int) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	if k <= 0 {
		k = DefaultTopK
	}

	results, err := p.index.Search(ctx, query, k, memindex.NamespaceDynamic, memindex.NamespaceFixed)
	if err != nil {
		p.logger.Warn("memory retrieval failed, proceeding without context",
			"agentId", p.agentID, "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	// Defensive re-sort: the merge across namespaces must be score-ordered
	// regardless of how the index interleaved them.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })

	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("[%s] %s", relevanceLabel(1-r.Distance), r.Text))
	}
	return strings.Join(lines, "\n")
}

// IsEmbedded reports whether the given message id has been embedded.
func (p *Provider) IsEmbedded(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.embedded[messageID]
	return ok
}

// EmbeddedIDs returns a sorted copy of every embedded message id, for
// inclusion in the agent's persisted snapshot.
func (p *Provider) EmbeddedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.embedded))
	for id := range p.embedded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RestoreEmbedded replaces the embedded-id set from a persisted snapshot.
func (p *Provider) RestoreEmbedded(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embedded = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		p.embedded[id] = struct{}{}
	}
}

// Clear wipes the agent's index contents and the embedded-id set. Used by
// whole-agent deletion; there is no partial forget.
func (p *Provider) Clear(ctx context.Context) error {
	if err := p.index.Clear(ctx); err != nil {
		return fmt.Errorf("recall: clear index for agent %s: %w", p.agentID, err)
	}
	p.mu.Lock()
	p.embedded = make(map[string]struct{})
	p.mu.Unlock()
	return nil
}

// SaveState persists the index contents to path via the index's own Save.
func (p *Provider) SaveState(ctx context.Context, path string) error {
	if err := p.index.Save(ctx, path); err != nil {
		return fmt.Errorf("recall: save state for agent %s: %w", p.agentID, err)
	}
	return nil
}

// LoadState restores the index contents from path. Safe to call when no prior
// state exists; the index simply starts empty.
func (p *Provider) LoadState(ctx context.Context, path string) error {
	if err := p.index.Load(ctx, path); err != nil {
		return fmt.Errorf("recall: load state for agent %s: %w", p.agentID, err)
	}
	return nil
}

// relevanceLabel buckets a 1-distance relevance score into a display label.
func relevanceLabel(relevance float64) string {
	switch {
	case relevance > 0.8:
		return "Highly Relevant"
	case relevance > 0.6:
		return "Relevant"
	default:
		return "Somewhat Relevant"
	}
}

// splitChunks splits text into non-empty chunks on blank-line boundaries.
func splitChunks(text string) []string {
	var chunks []string
	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if chunk := strings.TrimSpace(raw); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
