// internal/parcel/parcel.go
package parcel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"themesync/client"
	"themesync/internal/auth"
	"themesync/internal/config"
	"themesync/internal/safe"
	"themesync/internal/syncer"
	"themesync/internal/version"
	"themesync/internal/workspace"
	"themesync/shared/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Parcel bundles the local sync state of one machine: the version store,
// the content roots, the content safe and the remote client
type Parcel struct {
	Config    *config.Config
	User      string
	DB        *badger.DB
	Safe      *safe.Safe
	Store     *version.Store
	Workspace *workspace.LocalWorkspace
	Tokens    *auth.FileProvider
	Client    *client.Client
	Syncer    *syncer.Orchestrator
	Logger    *zap.Logger
}

// Initialize creates the state directory and every content root
func Initialize(cfg *config.Config) error {
	dirs := []string{cfg.Sync.StateDir, cfg.SafeDir()}
	for _, cat := range shared.Categories() {
		dirs = append(dirs, cfg.Root(cat))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

func New(cfg *config.Config, logger *zap.Logger) (*Parcel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Initialize(cfg); err != nil {
		return nil, fmt.Errorf("initializing directories: %w", err)
	}

	db, err := InitDB(filepath.Join(cfg.Sync.StateDir, "db"))
	if err != nil {
		return nil, err
	}

	contentSafe, err := safe.New(db, safe.Options{
		Root:      cfg.SafeDir(),
		CacheSize: cfg.Sync.CacheSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing content safe: %w", err)
	}

	fsys := afero.NewOsFs()
	roots := make(map[shared.Category]string)
	for _, cat := range shared.Categories() {
		roots[cat] = cfg.Root(cat)
	}
	ws, err := workspace.NewLocalWorkspace(fsys, roots, logger)
	if err != nil {
		contentSafe.Close()
		db.Close()
		return nil, fmt.Errorf("creating local workspace: %w", err)
	}

	tokens := auth.NewFileProvider(fsys, cfg.TokenFile(), cfg.Sync.Token)
	remote := client.New(cfg.Remote.BaseURL, cfg.Timeout(), tokens, logger)
	store := version.NewStore(fsys, cfg.VersionFile(), logger)

	p := &Parcel{
		Config:    cfg,
		User:      cfg.Sync.UserID,
		DB:        db,
		Safe:      contentSafe,
		Store:     store,
		Workspace: ws,
		Tokens:    tokens,
		Client:    remote,
		Logger:    logger,
	}
	p.Syncer = syncer.New(syncer.Options{
		Store:     store,
		Remote:    remote,
		Workspace: ws,
		Snapshots: contentSafe,
		Tokens:    tokens,
		Logger:    logger,
	})
	return p, nil
}

// Sync runs a full pass and drops snapshots no tracked file refers to
func (p *Parcel) Sync(ctx context.Context) (*shared.SyncResult, error) {
	result, err := p.Syncer.SyncAll(ctx, p.User)
	if err != nil {
		return result, err
	}
	if _, err := p.Prune(); err != nil {
		p.Logger.Warn("pruning content safe", zap.Error(err))
	}
	return result, nil
}

// Prune keeps the snapshots referenced as a commit, parent or head of any
// tracked file
func (p *Parcel) Prune() (int, error) {
	keep := make(map[shared.Hash]bool)
	for _, cat := range shared.Categories() {
		entries := p.Store.Category(p.User, cat)
		for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
			meta := pair.Value
			keep[meta.LocalCommitHash] = true
			if h, ok := meta.ParentHash.Get(); ok {
				keep[h] = true
			}
			if h, ok := meta.HeadVersionHash.Get(); ok {
				keep[h] = true
			}
		}
	}

	removed, err := p.Safe.Prune(keep)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		p.Logger.Debug("pruned content safe", zap.Int("removed", removed))
	}
	return removed, nil
}

// Track copies an outside file into a category root under its base name
// and starts tracking it. It returns the new file key.
func (p *Parcel) Track(cat shared.Category, src string) (string, error) {
	key := filepath.Base(src)
	dst, err := p.Workspace.PathFor(cat, key)
	if err != nil {
		return "", err
	}
	if _, ok := p.Store.Get(p.User, cat, key); ok {
		return "", fmt.Errorf("%s/%s is already tracked", cat, key)
	}

	abs, err := filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", src, err)
	}
	if absDst, _ := filepath.Abs(dst); abs != absDst {
		if err := copyFile(abs, dst); err != nil {
			return "", err
		}
	}

	if _, err := p.Workspace.Discover(p.Store, p.User); err != nil {
		return "", fmt.Errorf("tracking %s: %w", key, err)
	}
	if _, ok := p.Store.Get(p.User, cat, key); !ok {
		return "", fmt.Errorf("%s is ignored in %s", key, cat)
	}
	return key, nil
}

// Watch syncs after every burst of changes under the content roots until
// ctx is done
func (p *Parcel) Watch(ctx context.Context, onResult func(*shared.SyncResult, error)) error {
	w, err := workspace.NewWatcher(p.Workspace, p.Config.Debounce())
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	return w.Run(ctx, func(ctx context.Context) {
		onResult(p.Sync(ctx))
	})
}

// Close ensures proper cleanup of resources
func (p *Parcel) Close() error {
	if p == nil {
		return nil
	}
	if p.Safe != nil {
		p.Safe.Close()
	}
	if p.DB != nil {
		if err := p.DB.Close(); err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
