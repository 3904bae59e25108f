// Package allowlist persists per-agent exec allowlists and evaluates shell
// commands against them.
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileVersion is the schema version of the persisted allowlist file.
const FileVersion = 1

// WildcardAgent applies an entry to every agent.
const WildcardAgent = "*"

// Entry is one persisted allowlist pattern: an absolute resolved binary path
// or a safe-bin name.
type Entry struct {
	Pattern    string `json:"pattern"`
	LastUsedAt int64  `json:"lastUsedAt,omitempty"`
}

type agentEntry struct {
	Allowlist []Entry `json:"allowlist"`
}

type fileSchema struct {
	Version int                   `json:"version"`
	Agents  map[string]agentEntry `json:"agents"`
}

// Store reads and mutates the persisted allowlist file. All mutations are
// atomic read-modify-write cycles guarded by a cross-process file lock, so
// concurrent approvals for the same agent never lose updates.
type Store struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a store backed by the given file path. The file is created
// lazily on first append.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger.With("component", "allowlist_store"),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Entries returns the allowlist entries visible to the given agent, which is
// the union of the agent's own entries and the wildcard entries.
func (s *Store) Entries(agentID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	var out []Entry
	out = append(out, doc.Agents[WildcardAgent].Allowlist...)
	if agentID != "" && agentID != WildcardAgent {
		out = append(out, doc.Agents[agentID].Allowlist...)
	}
	return out, nil
}

// Append adds patterns for the agent, deduplicated by pattern. Existing
// entries are never overwritten; re-appending an existing pattern bumps its
// lastUsedAt instead.
func (s *Store) Append(agentID string, patterns ...string) error {
	if agentID == "" {
		agentID = WildcardAgent
	}
	return s.mutate(func(doc *fileSchema) {
		entry := doc.Agents[agentID]
		now := time.Now().UnixMilli()
		for _, p := range patterns {
			if p == "" {
				continue
			}
			if i := indexOfPattern(entry.Allowlist, p); i >= 0 {
				entry.Allowlist[i].LastUsedAt = now
				continue
			}
			entry.Allowlist = append(entry.Allowlist, Entry{Pattern: p, LastUsedAt: now})
		}
		doc.Agents[agentID] = entry
	})
}

// Touch bumps lastUsedAt for patterns the agent just used successfully.
// Unknown patterns are ignored; wildcard entries are touched too.
func (s *Store) Touch(agentID string, patterns ...string) error {
	return s.mutate(func(doc *fileSchema) {
		now := time.Now().UnixMilli()
		for _, id := range []string{agentID, WildcardAgent} {
			entry, ok := doc.Agents[id]
			if !ok {
				continue
			}
			for _, p := range patterns {
				if i := indexOfPattern(entry.Allowlist, p); i >= 0 {
					entry.Allowlist[i].LastUsedAt = now
				}
			}
			doc.Agents[id] = entry
		}
	})
}

// Remove deletes a pattern from the agent's allowlist. Agents left with an
// empty allowlist are pruned from the file.
func (s *Store) Remove(agentID string, pattern string) error {
	if agentID == "" {
		agentID = WildcardAgent
	}
	return s.mutate(func(doc *fileSchema) {
		entry, ok := doc.Agents[agentID]
		if !ok {
			return
		}
		kept := entry.Allowlist[:0]
		for _, e := range entry.Allowlist {
			if e.Pattern != pattern {
				kept = append(kept, e)
			}
		}
		entry.Allowlist = kept
		if len(entry.Allowlist) == 0 {
			delete(doc.Agents, agentID)
			return
		}
		doc.Agents[agentID] = entry
	})
}

// mutate runs fn over the parsed file under the file lock and writes the
// result back via a temp-file rename.
func (s *Store) mutate(fn func(doc *fileSchema)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock allowlist file: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("unlock allowlist file", "error", err)
		}
	}()

	doc, err := s.read()
	if err != nil {
		return err
	}

	fn(doc)

	return s.write(doc)
}

func (s *Store) read() (*fileSchema, error) {
	doc := &fileSchema{Version: FileVersion, Agents: map[string]agentEntry{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowlist file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse allowlist file: %w", err)
	}
	if doc.Agents == nil {
		doc.Agents = map[string]agentEntry{}
	}
	return doc, nil
}

func (s *Store) write(doc *fileSchema) error {
	doc.Version = FileVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode allowlist file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create allowlist dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".allowlist-*")
	if err != nil {
		return fmt.Errorf("create temp allowlist file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp allowlist file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp allowlist file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace allowlist file: %w", err)
	}
	return nil
}

func indexOfPattern(entries []Entry, pattern string) int {
	for i, e := range entries {
		if e.Pattern == pattern {
			return i
		}
	}
	return -1
}
