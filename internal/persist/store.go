// Package persist writes agent snapshots and the agent manifest to disk.
//
// Layout under the store root:
//
//	agents/<agentId>.json   one snapshot per agent
//	memory/<agentId>.mem    opaque memory-index blob, written by the index itself
//	manifest.json           list of known agent ids
//
// Every write goes through a temp file and an atomic rename, so a crash
// mid-save leaves either the old record or the new one, never a torn file.
// Callers are expected to write the manifest last: a manifest entry must never
// point at a record that was not yet durably written.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hollowmere/parley/pkg/types"
)

// ErrNotFound is returned when no record exists for the requested agent id.
var ErrNotFound = errors.New("persist: agent record not found")

const (
	agentsDir    = "agents"
	memoryDir    = "memory"
	manifestName = "manifest.json"
)

// Manifest is the durable index of known agent ids.
type Manifest struct {
	AgentIDs    []string  `json:"agentIds"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store persists agent records under a single root directory. Methods are
// safe for concurrent use as long as no two goroutines save the same agent id
// at once; the engine guarantees that via each agent's interaction lock.
type Store struct {
	root string
}

// NewStore creates the store layout under root, creating the agents and
// memory subdirectories if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("persist: root directory must not be empty")
	}
	for _, dir := range []string{root, filepath.Join(root, agentsDir), filepath.Join(root, memoryDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("persist: create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// SaveAgent writes one agent snapshot. The write is atomic.
func (s *Store) SaveAgent(snap types.AgentSnapshot) error {
	if snap.AgentID == "" {
		return errors.New("persist: snapshot has no agent id")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode agent %s: %w", snap.AgentID, err)
	}
	if err := writeAtomic(s.agentPath(snap.AgentID), data); err != nil {
		return fmt.Errorf("persist: save agent %s: %w", snap.AgentID, err)
	}
	return nil
}

// LoadAgent reads one agent snapshot. Returns [ErrNotFound] when no record
// exists for the id.
func (s *Store) LoadAgent(agentID string) (types.AgentSnapshot, error) {
	data, err := os.ReadFile(s.agentPath(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return types.AgentSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return types.AgentSnapshot{}, fmt.Errorf("persist: read agent %s: %w", agentID, err)
	}
	var snap types.AgentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.AgentSnapshot{}, fmt.Errorf("persist: decode agent %s: %w", agentID, err)
	}
	if snap.AgentID != agentID {
		return types.AgentSnapshot{}, fmt.Errorf("persist: record %s holds snapshot for %q", agentID, snap.AgentID)
	}
	return snap, nil
}

// DeleteAgent removes an agent's record and memory blob. Missing files are
// not an error.
func (s *Store) DeleteAgent(agentID string) error {
	var errs []error
	for _, path := range []string{s.agentPath(agentID), s.MemoryStatePath(agentID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("persist: delete %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// SaveManifest atomically rewrites the manifest. Call this only after every
// listed agent's record has been saved.
func (s *Store) SaveManifest(agentIDs []string) error {
	m := Manifest{AgentIDs: agentIDs, LastUpdated: time.Now().UTC()}
	if m.AgentIDs == nil {
		m.AgentIDs = []string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.root, manifestName), data); err != nil {
		return fmt.Errorf("persist: save manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest. A missing manifest is not an error; it
// yields an empty manifest, the normal state of a fresh store.
func (s *Store) LoadManifest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{AgentIDs: []string{}}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("persist: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("persist: decode manifest: %w", err)
	}
	if m.AgentIDs == nil {
		m.AgentIDs = []string{}
	}
	return m, nil
}

// MemoryStatePath returns the file path where the given agent's memory-index
// blob lives. The store never reads or interprets the blob.
func (s *Store) MemoryStatePath(agentID string) string {
	return filepath.Join(s.root, memoryDir, agentID+".mem")
}

func (s *Store) agentPath(agentID string) string {
	return filepath.Join(s.root, agentsDir, agentID+".json")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
