// Package convo implements the per-user conversation log owned by an agent.
//
// A [Store] maps user IDs to insertion-ordered sequences of
// [types.MessageEntry]. Entries are append-only: nothing is ever removed or
// mutated short of whole-agent deletion, so the log for a given user is
// always strictly chronological.
package convo

import (
	"sync"

	"github.com/hollowmere/parley/pkg/types"
)

// Store is an append-only, per-user conversation log.
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	byUID map[string][]types.MessageEntry
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{byUID: make(map[string][]types.MessageEntry)}
}

// Append adds entry to the end of userID's conversation.
func (s *Store) Append(userID string, entry types.MessageEntry) {
	s.mu.Lock()
	s.byUID[userID] = append(s.byUID[userID], entry)
	s.mu.Unlock()
}

// Tail returns up to n of the most recent entries for userID, oldest first.
// Returns an empty (non-nil) slice for unknown users or n <= 0.
func (s *Store) Tail(userID string, n int) []types.MessageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.byUID[userID]
	if n <= 0 || len(entries) == 0 {
		return []types.MessageEntry{}
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]types.MessageEntry, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of entries recorded for userID.
func (s *Store) Len(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUID[userID])
}

// Users returns the user IDs with at least one recorded entry.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byUID))
	for uid := range s.byUID {
		out = append(out, uid)
	}
	return out
}

// All returns a deep copy of every conversation, keyed by user ID.
// Used by the agent's snapshot export.
func (s *Store) All() map[string][]types.MessageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]types.MessageEntry, len(s.byUID))
	for uid, entries := range s.byUID {
		cp := make([]types.MessageEntry, len(entries))
		copy(cp, entries)
		out[uid] = cp
	}
	return out
}

// Restore replaces the store's contents with a deep copy of conversations.
// Used when reconstructing an agent from a persisted snapshot; a nil map
// resets the store to empty.
func (s *Store) Restore(conversations map[string][]types.MessageEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byUID = make(map[string][]types.MessageEntry, len(conversations))
	for uid, entries := range conversations {
		cp := make([]types.MessageEntry, len(entries))
		copy(cp, entries)
		s.byUID[uid] = cp
	}
}
