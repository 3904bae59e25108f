package allowlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "allowlist.json"), nil)
}

func TestStoreAppendAndEntries(t *testing.T) {
	s := tempStore(t)

	if err := s.Append("agent-1", "/usr/bin/git", "/usr/bin/make"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.Entries("agent-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Pattern != "/usr/bin/git" {
		t.Errorf("expected /usr/bin/git, got %q", entries[0].Pattern)
	}
	if entries[0].LastUsedAt == 0 {
		t.Error("expected lastUsedAt to be set")
	}
}

func TestStoreAppendDedupes(t *testing.T) {
	s := tempStore(t)

	if err := s.Append("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.Entries("agent-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after dedupe, got %d", len(entries))
	}
}

func TestStoreWildcardEntriesVisibleToAllAgents(t *testing.T) {
	s := tempStore(t)

	if err := s.Append(WildcardAgent, "/usr/bin/jq"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.Entries("agent-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected wildcard + agent entries, got %d", len(entries))
	}

	other, err := s.Entries("agent-2")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(other) != 1 || other[0].Pattern != "/usr/bin/jq" {
		t.Errorf("expected only the wildcard entry for agent-2, got %+v", other)
	}
}

func TestStoreRemovePrunesEmptyAgent(t *testing.T) {
	s := tempStore(t)

	if err := s.Append("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Remove("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var doc struct {
		Version int                        `json:"version"`
		Agents  map[string]json.RawMessage `json:"agents"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse file: %v", err)
	}
	if doc.Version != FileVersion {
		t.Errorf("expected version %d, got %d", FileVersion, doc.Version)
	}
	if _, ok := doc.Agents["agent-1"]; ok {
		t.Error("expected empty agent entry to be pruned")
	}
}

func TestStoreTouchBumpsLastUsed(t *testing.T) {
	s := tempStore(t)

	if err := s.Append("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, _ := s.Entries("agent-1")
	before := entries[0].LastUsedAt

	if err := s.Touch("agent-1", "/usr/bin/git"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	entries, _ = s.Entries("agent-1")
	if entries[0].LastUsedAt < before {
		t.Errorf("expected lastUsedAt bump, before=%d after=%d", before, entries[0].LastUsedAt)
	}
}

func TestStoreConcurrentAppends(t *testing.T) {
	s := tempStore(t)

	var wg sync.WaitGroup
	patterns := []string{"/bin/a", "/bin/b", "/bin/c", "/bin/d", "/bin/e"}
	for _, p := range patterns {
		wg.Add(1)
		go func(pattern string) {
			defer wg.Done()
			if err := s.Append("agent-1", pattern); err != nil {
				t.Errorf("append %s: %v", pattern, err)
			}
		}(p)
	}
	wg.Wait()

	entries, err := s.Entries("agent-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != len(patterns) {
		t.Errorf("expected %d entries, got %d (lost update)", len(patterns), len(entries))
	}
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	s := tempStore(t)
	entries, err := s.Entries("agent-1")
	if err != nil {
		t.Fatalf("entries on missing file: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}
