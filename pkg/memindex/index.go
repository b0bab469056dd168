// Package memindex defines the memory-index contract used for
// retrieval-augmented context in Parley agents.
//
// A memory index accepts raw text, embeds it, stores it under a namespace, and
// answers nearest-neighbour queries with the stored texts and their vector
// distances. Two namespaces are in conventional use: [NamespaceDynamic] for
// per-conversation memory accumulated at runtime, and [NamespaceFixed] for
// static background material (lore, character history) loaded once. Keeping
// them separate lets retrieval search only background material when wanted.
//
// Implementations include [Flat] (in-process brute-force cosine search with a
// file snapshot, suitable for a few thousand entries per agent) and the
// pgvector-backed index in the postgres subpackage. Every implementation must
// be safe for concurrent use.
package memindex

import "context"

// Well-known namespaces.
const (
	// NamespaceDynamic holds conversation-derived memory added during play.
	NamespaceDynamic = "dynamic"

	// NamespaceFixed holds static background material loaded at agent setup.
	NamespaceFixed = "fixed"
)

// Result pairs a retrieved text with its vector-space distance from the query.
// Lower Distance values indicate higher semantic similarity.
type Result struct {
	// Text is the stored text as originally submitted to Add.
	Text string

	// Distance is the cosine distance to the query embedding, in [0, 2].
	Distance float64

	// Namespace is the namespace the result was retrieved from.
	Namespace string
}

// Index is the memory-index contract.
//
// Search results are ordered by ascending Distance. An empty namespaces list
// searches every namespace. The Save/Load pair persists index contents as an
// opaque blob at a caller-chosen path; durable backends may implement them as
// no-ops.
type Index interface {
	// Add embeds text and stores it under namespace. An empty namespace means
	// [NamespaceDynamic].
	Add(ctx context.Context, text string, namespace string) error

	// Search returns up to k stored texts nearest to query, ascending by
	// distance. Returns an empty (non-nil) slice when the index has no
	// matching entries.
	Search(ctx context.Context, query string, k int, namespaces ...string) ([]Result, error)

	// Save persists the index contents to path.
	Save(ctx context.Context, path string) error

	// Load restores index contents from path. Loading a path that does not
	// exist is not an error; the index simply starts empty.
	Load(ctx context.Context, path string) error

	// Clear removes all stored entries from every namespace.
	Clear(ctx context.Context) error
}
