// internal/safe/safe.go
package safe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

const metaPrefix = "snapshot:"

// SnapshotMeta describes one stored snapshot
type SnapshotMeta struct {
	Hash       shared.Hash `json:"hash"`
	Size       int64       `json:"size"`
	Compressed bool        `json:"compressed"`
	CreatedAt  time.Time   `json:"created_at"`
	AccessedAt time.Time   `json:"accessed_at"`
}

// Safe keeps the content of every synced version, addressed by hash, so
// the common ancestor of a later conflict can be shown
type Safe struct {
	root  string
	db    *badger.DB
	cache *lru.Cache[shared.Hash, []byte]
	comp  *compressor
}

type Options struct {
	Root        string // Root directory path
	CacheSize   int    // Number of snapshots to cache
	Compression CompressionOptions
}

func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	cache, err := lru.New[shared.Hash, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	if opts.Compression == (CompressionOptions{}) {
		opts.Compression = DefaultCompressionOptions()
	}
	comp, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Safe{
		root:  opts.Root,
		db:    db,
		cache: cache,
		comp:  comp,
	}, nil
}

func (s *Safe) Close() {
	s.comp.close()
}

// Store saves content and returns its hash. Storing the same content
// twice is a no-op.
func (s *Safe) Store(content []byte) (shared.Hash, error) {
	if content == nil {
		content = []byte{}
	}
	hash := utils.HashContent(content)

	exists, err := s.Exists(hash)
	if err != nil {
		return "", fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		s.cache.Add(hash, content)
		return hash, nil
	}

	data, compressed := s.comp.compress(content)

	path := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing content file: %w", err)
	}

	now := time.Now().UTC()
	meta := SnapshotMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		Compressed: compressed,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if err := s.storeMeta(meta); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

// Get retrieves content by hash and verifies it
func (s *Safe) Get(hash shared.Hash) ([]byte, error) {
	if !utils.IsValidHash(hash) {
		return nil, ErrInvalidHash
	}
	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if meta.Compressed {
		content, err = s.comp.decompress(content)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}
	if utils.HashContent(content) != hash {
		return nil, fmt.Errorf("content hash mismatch for %s", hash)
	}

	s.cache.Add(hash, content)
	meta.AccessedAt = time.Now().UTC()
	if err := s.storeMeta(meta); err != nil {
		return nil, fmt.Errorf("updating metadata: %w", err)
	}
	return content, nil
}

func (s *Safe) Exists(hash shared.Hash) (bool, error) {
	if !utils.IsValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}
	_, err := s.getMeta(hash)
	if errors.Is(err, ErrContentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Prune deletes every snapshot whose hash is not in keep and returns how
// many were removed
func (s *Safe) Prune(keep map[shared.Hash]bool) (int, error) {
	var stale []shared.Hash
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			hash := shared.Hash(strings.TrimPrefix(string(it.Item().Key()), metaPrefix))
			if !keep[hash] {
				stale = append(stale, hash)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}

	for _, hash := range stale {
		if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("removing snapshot %s: %w", hash, err)
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(metaKey(hash))
		}); err != nil {
			return 0, fmt.Errorf("deleting metadata: %w", err)
		}
		s.cache.Remove(hash)
	}
	return len(stale), nil
}

func (s *Safe) contentPath(hash shared.Hash) string {
	h := string(hash)
	return filepath.Join(s.root, h[:2], h[2:])
}

func metaKey(hash shared.Hash) []byte {
	return []byte(metaPrefix + string(hash))
}

func (s *Safe) storeMeta(meta SnapshotMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.Hash), data)
	})
}

func (s *Safe) getMeta(hash shared.Hash) (SnapshotMeta, error) {
	var meta SnapshotMeta

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})

	return meta, err
}
