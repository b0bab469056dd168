// Package mock provides a test double for the memindex.Index interface.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use.
//
// Typical usage:
//
//	idx := &mock.Index{SearchResult: []memindex.Result{{Text: "From User: hi", Distance: 0.1}}}
//
//	// inject idx into the system under test …
//
//	if got := idx.CallCount("Add"); got != 1 {
//	    t.Errorf("expected 1 Add call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/hollowmere/parley/pkg/memindex"
)

// Ensure Index implements the memindex.Index interface.
var _ memindex.Index = (*Index)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Index is a configurable test double for [memindex.Index].
// All exported *Err fields default to nil (success); SearchResult defaults to
// nil (empty non-nil slice returned).
type Index struct {
	mu    sync.Mutex
	calls []Call

	// AddErr is returned by Add when non-nil.
	AddErr error

	// SearchResult is returned by Search. When nil, Search returns an empty
	// non-nil slice.
	SearchResult []memindex.Result

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// SaveErr is returned by Save when non-nil.
	SaveErr error

	// LoadErr is returned by Load when non-nil.
	LoadErr error
}

// Add records the call and returns AddErr.
func (m *Index) Add(ctx context.Context, text string, namespace string) error {
	m.record("Add", text, namespace)
	return m.AddErr
}

// Search records the call and returns SearchResult, SearchErr.
func (m *Index) Search(ctx context.Context, query string, k int, namespaces ...string) ([]memindex.Result, error) {
	m.record("Search", query, k, namespaces)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult == nil {
		return []memindex.Result{}, nil
	}
	out := make([]memindex.Result, len(m.SearchResult))
	copy(out, m.SearchResult)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Save records the call and returns SaveErr.
func (m *Index) Save(ctx context.Context, path string) error {
	m.record("Save", path)
	return m.SaveErr
}

// Load records the call and returns LoadErr.
func (m *Index) Load(ctx context.Context, path string) error {
	m.record("Load", path)
	return m.LoadErr
}

// Clear records the call and always succeeds.
func (m *Index) Clear(ctx context.Context) error {
	m.record("Clear")
	return nil
}

// Calls returns a copy of all recorded method invocations.
func (m *Index) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Index) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// AddedTexts returns the text argument of every Add call, in order.
func (m *Index) AddedTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Method == "Add" {
			out = append(out, c.Args[0].(string))
		}
	}
	return out
}

func (m *Index) record(method string, args ...any) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	m.mu.Unlock()
}
