// internal/workspace/local.go
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"themesync/internal/version"
	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var ErrInvalidKey = errors.New("invalid file key")

// LocalWorkspace owns the content directories of every category. Files
// are addressed by path; the key of a file is its path relative to the
// category root.
type LocalWorkspace struct {
	Fs     afero.Fs
	Roots  map[shared.Category]string
	Logger *zap.Logger
}

func NewLocalWorkspace(fsys afero.Fs, roots map[shared.Category]string, logger *zap.Logger) (*LocalWorkspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, cat := range shared.Categories() {
		root, ok := roots[cat]
		if !ok || root == "" {
			return nil, fmt.Errorf("no content root for %s", cat)
		}
		if err := fsys.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s root: %w", cat, err)
		}
	}
	return &LocalWorkspace{Fs: fsys, Roots: roots, Logger: logger}, nil
}

// PathFor maps a key to its path under the category root, refusing keys
// that would escape it
func (w *LocalWorkspace) PathFor(cat shared.Category, key string) (string, error) {
	root := w.Roots[cat]
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || clean == "." || filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(root, clean), nil
}

// ShouldIgnore skips hidden files, editor swap files and temp files
func (w *LocalWorkspace) ShouldIgnore(rel string) bool {
	if rel == "" || rel == "." {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	base := filepath.Base(rel)
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp")
}

// Discover walks every category root and tracks files the store does not
// know yet. It returns the newly tracked keys per category.
func (w *LocalWorkspace) Discover(store *version.Store, user string) (map[shared.Category][]string, error) {
	added := make(map[shared.Category][]string)

	for _, cat := range shared.Categories() {
		root := w.Roots[cat]
		err := afero.Walk(w.Fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return fmt.Errorf("getting relative path: %w", err)
			}
			if info.IsDir() {
				if rel != "." && w.ShouldIgnore(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.ShouldIgnore(rel) || !info.Mode().IsRegular() {
				return nil
			}

			key := filepath.ToSlash(rel)
			if _, tracked := store.Get(user, cat, key); tracked {
				return nil
			}
			content, err := afero.ReadFile(w.Fs, path)
			if err != nil {
				w.Logger.Warn("skipping unreadable file",
					zap.String("category", string(cat)), zap.String("path", path), zap.Error(err))
				return nil
			}

			ok, err := store.Track(user, cat, key, &shared.LocalFileMeta{
				FileName:        filepath.Base(rel),
				LocalFilePath:   path,
				LocalCommitHash: utils.HashContent(content),
				IsDirty:         true,
			})
			if err != nil {
				return fmt.Errorf("tracking %s: %w", key, err)
			}
			if ok {
				added[cat] = append(added[cat], key)
				w.Logger.Debug("tracked new file", zap.String("category", string(cat)), zap.String("key", key))
			}
			return nil
		})
		if err != nil {
			return added, fmt.Errorf("discovering %s: %w", cat, err)
		}
	}
	return added, nil
}

// Refresh rehashes the content of every entry so LocalCommitHash reflects
// what is on disk. Entries whose file vanished keep their last hash.
// Entries that cannot be read are left unchanged and returned by key.
func (w *LocalWorkspace) Refresh(cat shared.Category, entries *version.Entries) (map[string]error, error) {
	if _, ok := w.Roots[cat]; !ok {
		return nil, fmt.Errorf("no content root for %s", cat)
	}

	now := time.Now().UTC()
	failed := make(map[string]error)
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		meta := pair.Value
		content, err := w.Read(meta)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				w.Logger.Warn("tracked file missing on disk",
					zap.String("category", string(cat)), zap.String("key", pair.Key))
				continue
			}
			w.Logger.Warn("tracked file unreadable",
				zap.String("category", string(cat)), zap.String("key", pair.Key), zap.Error(err))
			failed[pair.Key] = err
			continue
		}

		hash := utils.HashContent(content)
		if hash != meta.LocalCommitHash {
			meta.LocalCommitHash = hash
			meta.UpdatedAt = now
		}
		meta.IsDirty = !shared.HashMatches(meta.HeadVersionHash, hash)
	}
	return failed, nil
}

func (w *LocalWorkspace) Read(meta *shared.LocalFileMeta) ([]byte, error) {
	content, err := afero.ReadFile(w.Fs, meta.LocalFilePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", meta.LocalFilePath, err)
	}
	return content, nil
}

// Write replaces a file's content through a temp file and rename
func (w *LocalWorkspace) Write(meta *shared.LocalFileMeta, content []byte) error {
	path := meta.LocalFilePath
	if err := w.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := afero.WriteFile(w.Fs, tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Fs.Rename(tmp, path); err != nil {
		w.Fs.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Remove deletes a file's content. A file that is already gone is fine.
func (w *LocalWorkspace) Remove(meta *shared.LocalFileMeta) error {
	if err := w.Fs.Remove(meta.LocalFilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", meta.LocalFilePath, err)
	}
	return nil
}
