// internal/version/store.go
package version

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"themesync/shared/types"

	"github.com/spf13/afero"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

// Entries maps file keys to local metadata in insertion order. The order
// is the enumeration order of a category's sync pass.
type Entries = orderedmap.OrderedMap[string, *shared.LocalFileMeta]

// Document is the on-disk root: user id -> category -> entries
type Document map[string]map[shared.Category]*Entries

func NewEntries() *Entries {
	return orderedmap.New[string, *shared.LocalFileMeta]()
}

// CloneEntries deep-copies entries, keeping their order
func CloneEntries(src *Entries) *Entries {
	dst := NewEntries()
	if src == nil {
		return dst
	}
	for pair := src.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		dst.Set(pair.Key, pair.Value.Clone())
	}
	return dst
}

// Store is the local version store. It is loaded and rewritten wholesale;
// callers work on per-category copies and commit them back.
type Store struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	doc    Document
	loaded bool
}

func NewStore(fs afero.Fs, path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		fs:     fs,
		path:   path,
		logger: logger,
	}
}

// Load (re)reads the version file. A missing, unreadable or corrupt file
// leaves the store empty; it is recreated on the next commit.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
}

func (s *Store) loadLocked() {
	s.doc = Document{}
	s.loaded = true

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("version store unreadable, starting empty",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("version store corrupt, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	if doc != nil {
		s.doc = doc
	}
}

func (s *Store) ensureLoaded() {
	if !s.loaded {
		s.loadLocked()
	}
}

// Category returns a private copy of one category's entries
func (s *Store) Category(user string, cat shared.Category) *Entries {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	return CloneEntries(s.doc[user][cat])
}

// Commit replaces one category's entries and persists the whole document
func (s *Store) Commit(user string, cat shared.Category, entries *Entries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	s.setLocked(user, cat, CloneEntries(entries))
	return s.writeLocked()
}

func (s *Store) setLocked(user string, cat shared.Category, entries *Entries) {
	cats, ok := s.doc[user]
	if !ok {
		cats = make(map[shared.Category]*Entries)
		s.doc[user] = cats
	}
	cats[cat] = entries
}

func (s *Store) Get(user string, cat shared.Category, key string) (*shared.LocalFileMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	entries := s.doc[user][cat]
	if entries == nil {
		return nil, false
	}
	meta, ok := entries.Get(key)
	if !ok || meta == nil {
		return nil, false
	}
	return meta.Clone(), true
}

// Track records a newly discovered file. Existing entries are left as is.
func (s *Store) Track(user string, cat shared.Category, key string, meta *shared.LocalFileMeta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	entries := s.doc[user][cat]
	if entries == nil {
		entries = NewEntries()
		s.setLocked(user, cat, entries)
	}
	if _, exists := entries.Get(key); exists {
		return false, nil
	}

	now := time.Now().UTC()
	m := meta.Clone()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	entries.Set(key, m)
	return true, s.writeLocked()
}

// Untrack drops a file from local bookkeeping. Mirroring the removal to
// the remote is the caller's business.
func (s *Store) Untrack(user string, cat shared.Category, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	entries := s.doc[user][cat]
	if entries == nil {
		return false, nil
	}
	if _, present := entries.Delete(key); !present {
		return false, nil
	}
	return true, s.writeLocked()
}

// Update applies fn to a copy of one entry and persists it if fn succeeds
func (s *Store) Update(user string, cat shared.Category, key string, fn func(*shared.LocalFileMeta) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	entries := s.doc[user][cat]
	if entries == nil {
		return fmt.Errorf("no %s tracked for user %s", cat, user)
	}
	meta, ok := entries.Get(key)
	if !ok || meta == nil {
		return fmt.Errorf("file not tracked: %s/%s", cat, key)
	}

	m := meta.Clone()
	if err := fn(m); err != nil {
		return err
	}
	entries.Set(key, m)
	return s.writeLocked()
}

// writeLocked rewrites the version file through a temp file and rename
func (s *Store) writeLocked() error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating version store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling version store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing version store: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("replacing version store: %w", err)
	}
	return nil
}
