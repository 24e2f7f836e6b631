package parcel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"themesync/internal/api"
	"themesync/internal/config"
	"themesync/internal/safe"
	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBackend(t *testing.T) string {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	blobs, err := safe.New(db, safe.Options{Root: t.TempDir()})
	require.NoError(t, err)
	repo, err := api.NewRepository(db, blobs, api.RepositoryOptions{})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewRouter(api.NewFileHandler(repo, nil), nil))
	t.Cleanup(func() {
		srv.Close()
		repo.Close()
		blobs.Close()
		db.Close()
	})
	return srv.URL
}

func loadConfig(t *testing.T, remote string) *config.Config {
	t.Helper()
	t.Setenv("THEMESYNC_TOKEN", "")
	t.Setenv("THEMESYNC_REMOTE", "")
	t.Setenv("THEMESYNC_USER", "")

	body, err := json.Marshal(map[string]any{
		"remote": map[string]any{"base_url": remote},
		"sync":   map[string]any{"state_dir": t.TempDir(), "token": "alice"},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func openParcel(t *testing.T, cfg *config.Config) *Parcel {
	t.Helper()
	p, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewCreatesLayout(t *testing.T) {
	cfg := loadConfig(t, "http://127.0.0.1:1")
	openParcel(t, cfg)

	for _, dir := range []string{cfg.SafeDir(), cfg.Root(shared.CategoryThemes), cfg.Root(shared.CategorySettings)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestSyncPushesAndPrunes(t *testing.T) {
	cfg := loadConfig(t, startBackend(t))
	p := openParcel(t, cfg)

	content := []byte(`{"name":"Dark"}`)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Root(shared.CategoryThemes), "dark.json"), content, 0o644))

	orphan, err := p.Safe.Store([]byte("no longer referenced"))
	require.NoError(t, err)

	result, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Data, 1)
	assert.Equal(t, shared.StatusPushed, result.Data[0].Status)

	exists, err := p.Safe.Exists(orphan)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = p.Safe.Exists(utils.HashContent(content))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSyncWithoutSession(t *testing.T) {
	cfg := loadConfig(t, startBackend(t))
	cfg.Sync.Token = ""
	p := openParcel(t, cfg)

	_, err := p.Sync(context.Background())
	assert.Error(t, err)
}

func TestTrackCopiesIntoRoot(t *testing.T) {
	cfg := loadConfig(t, "http://127.0.0.1:1")
	p := openParcel(t, cfg)

	src := filepath.Join(t.TempDir(), "solarized.json")
	require.NoError(t, os.WriteFile(src, []byte(`{}`), 0o644))

	key, err := p.Track(shared.CategoryThemes, src)
	require.NoError(t, err)
	assert.Equal(t, "solarized.json", key)

	got, err := os.ReadFile(filepath.Join(cfg.Root(shared.CategoryThemes), key))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)

	meta, ok := p.Store.Get(p.User, shared.CategoryThemes, key)
	require.True(t, ok)
	assert.Equal(t, utils.HashContent([]byte(`{}`)), meta.LocalCommitHash)
	assert.False(t, meta.ParentHash.IsSome())

	_, err = p.Track(shared.CategoryThemes, src)
	assert.Error(t, err)
}
