package persist_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hollowmere/parley/internal/persist"
	"github.com/hollowmere/parley/pkg/types"
)

func newStore(t *testing.T) *persist.Store {
	t.Helper()
	s, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func sampleSnapshot(id string) types.AgentSnapshot {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return types.AgentSnapshot{
		AgentID:      id,
		AgentName:    "Maya",
		SystemPrompt: "You are Maya, a shop owner.",
		UserConversations: map[string][]types.MessageEntry{
			"p1": {
				{Sender: types.UserSender, Content: "Do you sell potions?", MessageID: "m1", Timestamp: now},
				{Sender: "Maya", Content: "We stock three kinds.", MessageID: "m2", Timestamp: now.Add(time.Second)},
			},
		},
		EmbeddedMessageIDs: []string{"m1", "m2"},
		CreatedAt:          now.Add(-time.Hour),
		LastModified:       now.Add(time.Second),
	}
}

func TestSaveLoadAgent_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	want := sampleSnapshot("agent-1")
	if err := s.SaveAgent(want); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	got, err := s.LoadAgent("agent-1")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round-trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestLoadAgent_NotFound(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if _, err := s.LoadAgent("ghost"); !errors.Is(err, persist.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSaveAgent_Validation(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if err := s.SaveAgent(types.AgentSnapshot{}); err == nil {
		t.Error("snapshot without an id must be rejected")
	}
}

func TestLoadAgent_CorruptRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := persist.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	path := filepath.Join(dir, "agents", "agent-1.json")
	if err := os.WriteFile(path, []byte("{ not json"), 0o644); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}

	if _, err := s.LoadAgent("agent-1"); err == nil {
		t.Fatal("corrupt record must fail to load")
	} else if errors.Is(err, persist.ErrNotFound) {
		t.Error("corrupt is not the same as missing")
	}
}

func TestLoadAgent_RejectsMismatchedID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := persist.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.SaveAgent(sampleSnapshot("agent-2")); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	// Copy agent-2's record into agent-1's slot.
	data, err := os.ReadFile(filepath.Join(dir, "agents", "agent-2.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "agents", "agent-1.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadAgent("agent-1"); err == nil {
		t.Error("record holding a foreign snapshot must be rejected")
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	// A fresh store has an empty manifest, not an error.
	m, err := s.LoadManifest()
	if err != nil {
		t.Fatalf("LoadManifest on fresh store: %v", err)
	}
	if m.AgentIDs == nil || len(m.AgentIDs) != 0 {
		t.Fatalf("fresh manifest = %+v, want empty non-nil id list", m)
	}

	if err := s.SaveManifest([]string{"agent-1", "agent-2"}); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	m, err = s.LoadManifest()
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if !reflect.DeepEqual(m.AgentIDs, []string{"agent-1", "agent-2"}) {
		t.Errorf("manifest ids = %v", m.AgentIDs)
	}
	if m.LastUpdated.IsZero() {
		t.Error("manifest LastUpdated must be set")
	}
}

func TestDeleteAgent(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if err := s.SaveAgent(sampleSnapshot("agent-1")); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := s.DeleteAgent("agent-1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.LoadAgent("agent-1"); !errors.Is(err, persist.ErrNotFound) {
		t.Errorf("record survived delete: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.DeleteAgent("agent-1"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestMemoryStatePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := persist.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	want := filepath.Join(dir, "memory", "agent-1.mem")
	if got := s.MemoryStatePath("agent-1"); got != want {
		t.Errorf("MemoryStatePath = %q, want %q", got, want)
	}
}
