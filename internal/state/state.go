// Package state persists the single operator's durable snapshot: the last
// research artifact plus session preferences. One JSON file, serialized
// writes, defaults on any read problem.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SnapshotVersion is the on-disk schema version.
const SnapshotVersion = 1

// Snapshot is the persisted operator state.
type Snapshot struct {
	Version                 int    `json:"version"`
	CurrentResearchResult   string `json:"currentResearchResult,omitempty"`
	CurrentResearchFilename string `json:"currentResearchFilename,omitempty"`
	CurrentResearchSummary  string `json:"currentResearchSummary,omitempty"`
	CurrentResearchQuery    string `json:"currentResearchQuery,omitempty"`
	SessionModel            string `json:"sessionModel,omitempty"`
	SessionCharacter        string `json:"sessionCharacter,omitempty"`
	MemoryEnabled           bool   `json:"memoryEnabled"`
	MemoryDepth             int    `json:"memoryDepth,omitempty"`
	MemoryGithubEnabled     bool   `json:"memoryGithubEnabled"`
	UpdatedAt               int64  `json:"updatedAt"`
}

func defaultSnapshot() Snapshot {
	return Snapshot{Version: SnapshotVersion}
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	CurrentResearchResult   *string
	CurrentResearchFilename *string
	CurrentResearchSummary  *string
	CurrentResearchQuery    *string
	SessionModel            *string
	SessionCharacter        *string
	MemoryEnabled           *bool
	MemoryDepth             *int
	MemoryGithubEnabled     *bool
}

func (p Patch) apply(s *Snapshot) {
	if p.CurrentResearchResult != nil {
		s.CurrentResearchResult = *p.CurrentResearchResult
	}
	if p.CurrentResearchFilename != nil {
		s.CurrentResearchFilename = *p.CurrentResearchFilename
	}
	if p.CurrentResearchSummary != nil {
		s.CurrentResearchSummary = *p.CurrentResearchSummary
	}
	if p.CurrentResearchQuery != nil {
		s.CurrentResearchQuery = *p.CurrentResearchQuery
	}
	if p.SessionModel != nil {
		s.SessionModel = *p.SessionModel
	}
	if p.SessionCharacter != nil {
		s.SessionCharacter = *p.SessionCharacter
	}
	if p.MemoryEnabled != nil {
		s.MemoryEnabled = *p.MemoryEnabled
	}
	if p.MemoryDepth != nil {
		s.MemoryDepth = *p.MemoryDepth
	}
	if p.MemoryGithubEnabled != nil {
		s.MemoryGithubEnabled = *p.MemoryGithubEnabled
	}
}

// SessionRef is the in-memory slice of a live session that the snapshot
// hydrates and captures. The session controller owns the struct; this
// package only copies fields across.
type SessionRef struct {
	CurrentResearchResult   string
	CurrentResearchFilename string
	CurrentResearchSummary  string
	CurrentResearchQuery    string
	SessionModel            string
	SessionCharacter        string
	MemoryEnabled           bool
	MemoryDepth             int
	MemoryGithubEnabled     bool
}

// Store reads and writes the snapshot file. All writes go through one mutex
// so concurrent saves cannot tear the file.
type Store struct {
	mu     sync.Mutex
	path   string
	cached *Snapshot
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a store for the given snapshot path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger, now: time.Now}
}

// Load returns the current snapshot, reading from disk on first use or when
// force is set. Any read or decode problem yields defaults silently.
func (s *Store) Load(force bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(force)
}

func (s *Store) loadLocked(force bool) Snapshot {
	if s.cached != nil && !force {
		return *s.cached
	}
	snap := defaultSnapshot()
	raw, err := os.ReadFile(s.path)
	if err == nil {
		if err := json.Unmarshal(raw, &snap); err != nil {
			s.logger.Warn("session snapshot undecodable, using defaults", zap.Error(err))
			snap = defaultSnapshot()
		}
	} else if !os.IsNotExist(err) {
		s.logger.Warn("session snapshot unreadable, using defaults", zap.Error(err))
	}
	snap.Version = SnapshotVersion
	s.cached = &snap
	return snap
}

// Save applies a patch and persists. The in-memory snapshot is updated even
// when the disk write fails; the write error is returned to the caller.
func (s *Store) Save(patch Patch) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked(false)
	patch.apply(&snap)
	snap.UpdatedAt = s.now().UnixMilli()
	s.cached = &snap

	return snap, s.writeLocked(snap)
}

func (s *Store) writeLocked(snap Snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session snapshot: %w", err)
	}
	return nil
}

// Clear resets the snapshot to defaults and removes the file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := defaultSnapshot()
	s.cached = &snap
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session snapshot: %w", err)
	}
	return nil
}

// ApplyStateToRef hydrates a live session from the persisted snapshot.
func (s *Store) ApplyStateToRef(ref *SessionRef) {
	snap := s.Load(false)
	ref.CurrentResearchResult = snap.CurrentResearchResult
	ref.CurrentResearchFilename = snap.CurrentResearchFilename
	ref.CurrentResearchSummary = snap.CurrentResearchSummary
	ref.CurrentResearchQuery = snap.CurrentResearchQuery
	ref.SessionModel = snap.SessionModel
	ref.SessionCharacter = snap.SessionCharacter
	ref.MemoryEnabled = snap.MemoryEnabled
	ref.MemoryDepth = snap.MemoryDepth
	ref.MemoryGithubEnabled = snap.MemoryGithubEnabled
}

// SnapshotFromRef captures a live session as a full patch.
func SnapshotFromRef(ref *SessionRef) Patch {
	return Patch{
		CurrentResearchResult:   &ref.CurrentResearchResult,
		CurrentResearchFilename: &ref.CurrentResearchFilename,
		CurrentResearchSummary:  &ref.CurrentResearchSummary,
		CurrentResearchQuery:    &ref.CurrentResearchQuery,
		SessionModel:            &ref.SessionModel,
		SessionCharacter:        &ref.SessionCharacter,
		MemoryEnabled:           &ref.MemoryEnabled,
		MemoryDepth:             &ref.MemoryDepth,
		MemoryGithubEnabled:     &ref.MemoryGithubEnabled,
	}
}

// PersistFromRef saves the session's state, with an optional extra patch
// applied on top.
func (s *Store) PersistFromRef(ref *SessionRef, extra *Patch) (Snapshot, error) {
	patch := SnapshotFromRef(ref)
	if extra != nil {
		if extra.CurrentResearchResult != nil {
			patch.CurrentResearchResult = extra.CurrentResearchResult
		}
		if extra.CurrentResearchFilename != nil {
			patch.CurrentResearchFilename = extra.CurrentResearchFilename
		}
		if extra.CurrentResearchSummary != nil {
			patch.CurrentResearchSummary = extra.CurrentResearchSummary
		}
		if extra.CurrentResearchQuery != nil {
			patch.CurrentResearchQuery = extra.CurrentResearchQuery
		}
		if extra.SessionModel != nil {
			patch.SessionModel = extra.SessionModel
		}
		if extra.SessionCharacter != nil {
			patch.SessionCharacter = extra.SessionCharacter
		}
		if extra.MemoryEnabled != nil {
			patch.MemoryEnabled = extra.MemoryEnabled
		}
		if extra.MemoryDepth != nil {
			patch.MemoryDepth = extra.MemoryDepth
		}
		if extra.MemoryGithubEnabled != nil {
			patch.MemoryGithubEnabled = extra.MemoryGithubEnabled
		}
	}
	return s.Save(patch)
}
