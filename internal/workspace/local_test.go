package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"themesync/internal/version"
	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWorkspace(t *testing.T, fsys afero.Fs, base string) *LocalWorkspace {
	t.Helper()
	ws, err := NewLocalWorkspace(fsys, map[shared.Category]string{
		shared.CategoryThemes:   filepath.Join(base, "themes"),
		shared.CategorySettings: filepath.Join(base, "settings"),
	}, nil)
	require.NoError(t, err)
	return ws
}

func TestPathFor(t *testing.T) {
	ws := setupWorkspace(t, afero.NewMemMapFs(), "/ws")

	p, err := ws.PathFor(shared.CategoryThemes, "dark.json")
	require.NoError(t, err)
	assert.Equal(t, "/ws/themes/dark.json", p)

	p, err = ws.PathFor(shared.CategoryThemes, "nested/light.json")
	require.NoError(t, err)
	assert.Equal(t, "/ws/themes/nested/light.json", p)

	for _, bad := range []string{"", ".", "..", "../escape.json", "/etc/passwd"} {
		_, err := ws.PathFor(shared.CategoryThemes, bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestDiscoverTracksNewFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	ws := setupWorkspace(t, fsys, "/ws")
	store := version.NewStore(fsys, "/state/versions.json", nil)

	require.NoError(t, afero.WriteFile(fsys, "/ws/themes/dark.json", []byte(`{"dark":true}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ws/themes/.hidden.json", []byte(`{}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ws/themes/dark.json~", []byte(`{}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ws/settings/settings.json", []byte(`{"x":1}`), 0o644))

	added, err := ws.Discover(store, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dark.json"}, added[shared.CategoryThemes])
	assert.Equal(t, []string{"settings.json"}, added[shared.CategorySettings])

	meta, ok := store.Get("u1", shared.CategoryThemes, "dark.json")
	require.True(t, ok)
	assert.Equal(t, utils.HashContent([]byte(`{"dark":true}`)), meta.LocalCommitHash)
	assert.False(t, meta.ParentHash.IsSome())
	assert.False(t, meta.ID.IsSome())
	assert.True(t, meta.IsDirty)

	// second run finds nothing new
	added, err = ws.Discover(store, "u1")
	require.NoError(t, err)
	assert.Empty(t, added[shared.CategoryThemes])
}

func TestRefreshRehashes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	ws := setupWorkspace(t, fsys, "/ws")

	synced := []byte(`{"v":1}`)
	require.NoError(t, afero.WriteFile(fsys, "/ws/themes/a.json", []byte(`{"v":2}`), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ws/themes/b.json", synced, 0o644))

	entries := version.NewEntries()
	entries.Set("a.json", &shared.LocalFileMeta{
		LocalFilePath:   "/ws/themes/a.json",
		LocalCommitHash: utils.HashContent(synced),
		HeadVersionHash: shared.Some(utils.HashContent(synced)),
	})
	entries.Set("b.json", &shared.LocalFileMeta{
		LocalFilePath:   "/ws/themes/b.json",
		LocalCommitHash: utils.HashContent(synced),
		HeadVersionHash: shared.Some(utils.HashContent(synced)),
		IsDirty:         true,
	})
	entries.Set("gone.json", &shared.LocalFileMeta{
		LocalFilePath:   "/ws/themes/gone.json",
		LocalCommitHash: "old",
	})

	failed, err := ws.Refresh(shared.CategoryThemes, entries)
	require.NoError(t, err)
	assert.Empty(t, failed)

	a, _ := entries.Get("a.json")
	assert.Equal(t, utils.HashContent([]byte(`{"v":2}`)), a.LocalCommitHash)
	assert.True(t, a.IsDirty)

	b, _ := entries.Get("b.json")
	assert.False(t, b.IsDirty)

	gone, _ := entries.Get("gone.json")
	assert.Equal(t, shared.Hash("old"), gone.LocalCommitHash)
}

func TestRefreshSkipsUnreadableFiles(t *testing.T) {
	base := t.TempDir()
	ws := setupWorkspace(t, afero.NewOsFs(), base)

	good := filepath.Join(base, "themes", "good.json")
	bad := filepath.Join(base, "themes", "bad.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"v":2}`), 0o644))
	require.NoError(t, os.Mkdir(bad, 0o755))

	entries := version.NewEntries()
	entries.Set("bad.json", &shared.LocalFileMeta{LocalFilePath: bad, LocalCommitHash: "old"})
	entries.Set("good.json", &shared.LocalFileMeta{LocalFilePath: good, LocalCommitHash: "old"})

	failed, err := ws.Refresh(shared.CategoryThemes, entries)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Error(t, failed["bad.json"])

	b, _ := entries.Get("bad.json")
	assert.Equal(t, shared.Hash("old"), b.LocalCommitHash)

	g, _ := entries.Get("good.json")
	assert.Equal(t, utils.HashContent([]byte(`{"v":2}`)), g.LocalCommitHash)
}

func TestRefreshUnknownCategory(t *testing.T) {
	ws := setupWorkspace(t, afero.NewMemMapFs(), "/ws")
	_, err := ws.Refresh(shared.Category("fonts"), version.NewEntries())
	assert.Error(t, err)
}

func TestWriteReplacesContent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	ws := setupWorkspace(t, fsys, "/ws")
	meta := &shared.LocalFileMeta{LocalFilePath: "/ws/themes/sub/new.json"}

	require.NoError(t, ws.Write(meta, []byte("one")))
	require.NoError(t, ws.Write(meta, []byte("two")))

	got, err := ws.Read(meta)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	exists, err := afero.Exists(fsys, "/ws/themes/sub/.new.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWatcherDebounces(t *testing.T) {
	base := t.TempDir()
	ws := setupWorkspace(t, afero.NewOsFs(), base)

	w, err := NewWatcher(ws, 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) { calls <- struct{}{} })
	}()

	path := filepath.Join(base, "themes", "dark.json")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
	}

	select {
	case <-calls:
	case <-ctx.Done():
		t.Fatal("watcher did not report the change")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRemoveToleratesMissingFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	ws := setupWorkspace(t, fsys, "/ws")
	meta := &shared.LocalFileMeta{LocalFilePath: "/ws/settings/settings.json"}

	require.NoError(t, ws.Write(meta, []byte("{}")))
	require.NoError(t, ws.Remove(meta))
	require.NoError(t, ws.Remove(meta))

	exists, err := afero.Exists(fsys, meta.LocalFilePath)
	require.NoError(t, err)
	assert.False(t, exists)
}
