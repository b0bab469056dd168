package memindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hollowmere/parley/pkg/provider/embeddings"
)

// Ensure Flat implements the Index interface.
var _ Index = (*Flat)(nil)

// snapshotVersion guards the on-disk snapshot layout. Bump when entry fields
// change incompatibly.
const snapshotVersion = 1

// entry is one stored text with its embedding.
type entry struct {
	Text      string    `msgpack:"text"`
	Namespace string    `msgpack:"namespace"`
	Vector    []float32 `msgpack:"vector"`
}

// snapshot is the msgpack-encoded on-disk form of a Flat index.
type snapshot struct {
	Version int     `msgpack:"version"`
	Model   string  `msgpack:"model"`
	Entries []entry `msgpack:"entries"`
}

// Flat is an in-process Index using brute-force cosine distance over an
// in-memory entry list. Embeddings are produced by the configured
// [embeddings.Provider] at Add and Search time.
//
// Suitable for a few thousand entries per agent; larger deployments should use
// the pgvector-backed index instead. Safe for concurrent use.
type Flat struct {
	embedder embeddings.Provider

	mu      sync.RWMutex
	entries []entry
}

// NewFlat creates an empty Flat index backed by the given embeddings provider.
func NewFlat(embedder embeddings.Provider) (*Flat, error) {
	if embedder == nil {
		return nil, errors.New("memindex: embedder must not be nil")
	}
	return &Flat{embedder: embedder}, nil
}

// Add implements Index. The text is embedded synchronously; entries are
// visible to Search as soon as Add returns.
func (f *Flat) Add(ctx context.Context, text string, namespace string) error {
	if text == "" {
		return errors.New("memindex: text must not be empty")
	}
	if namespace == "" {
		namespace = NamespaceDynamic
	}

	vec, err := f.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memindex: embed: %w", err)
	}

	f.mu.Lock()
	f.entries = append(f.entries, entry{Text: text, Namespace: namespace, Vector: vec})
	f.mu.Unlock()
	return nil
}

// Search implements Index.
func (f *Flat) Search(ctx context.Context, query string, k int, namespaces ...string) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	qvec, err := f.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memindex: embed query: %w", err)
	}

	wanted := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		wanted[ns] = true
	}

	f.mu.RLock()
	scored := make([]Result, 0, len(f.entries))
	for _, e := range f.entries {
		if len(wanted) > 0 && !wanted[e.Namespace] {
			continue
		}
		scored = append(scored, Result{
			Text:      e.Text,
			Distance:  cosineDistance(qvec, e.Vector),
			Namespace: e.Namespace,
		})
	}
	f.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Distance < scored[j].Distance
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Save implements Index. The snapshot is written to a temp file in the target
// directory and renamed into place, so a crash mid-save never leaves a
// truncated snapshot behind.
func (f *Flat) Save(ctx context.Context, path string) error {
	f.mu.RLock()
	snap := snapshot{
		Version: snapshotVersion,
		Model:   f.embedder.ModelID(),
		Entries: make([]entry, len(f.entries)),
	}
	copy(snap.Entries, f.entries)
	f.mu.RUnlock()

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("memindex: encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memindex: create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memindex: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memindex: commit snapshot: %w", err)
	}
	return nil
}

// Load implements Index. A missing file is not an error; the index starts
// empty, which makes Load safe to call for brand-new agents. A snapshot
// recorded with a different embedding model is rejected, since its vectors
// are not comparable to ones this index will produce.
func (f *Flat) Load(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("memindex: read snapshot: %w", err)
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("memindex: decode snapshot %q: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("memindex: snapshot %q has unsupported version %d", path, snap.Version)
	}
	if snap.Model != "" && snap.Model != f.embedder.ModelID() {
		return fmt.Errorf("memindex: snapshot %q was built with model %q, index uses %q", path, snap.Model, f.embedder.ModelID())
	}

	f.mu.Lock()
	f.entries = snap.Entries
	f.mu.Unlock()
	return nil
}

// Clear implements Index.
func (f *Flat) Clear(ctx context.Context) error {
	f.mu.Lock()
	f.entries = nil
	f.mu.Unlock()
	return nil
}

// Len returns the number of stored entries across all namespaces.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// cosineDistance computes the cosine distance between two vectors. Returns a
// value in [0, 2] where 0 means identical direction. Mismatched dimensions
// and zero-norm vectors map to the maximum distance.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
