package syncer

import (
	"context"
	"errors"
	"testing"

	apperrors "themesync/internal/errors"
	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	c1 = []byte(`{"name":"Dark","type":"dark"}`)
	c2 = []byte(`{"name":"Dark","type":"dark","colors":{"editor.background":"#111111"}}`)
	c3 = []byte(`{"name":"Dark","type":"dark","colors":{"editor.background":"#222222"}}`)
	h1 = utils.HashContent(c1)
	h2 = utils.HashContent(c2)
	h3 = utils.HashContent(c3)
)

type dispatchFixture struct {
	remote    *fakeRemote
	content   *memContent
	snapshots *memSnapshots
	d         *Dispatcher
}

func newDispatchFixture() *dispatchFixture {
	f := &dispatchFixture{
		remote:    newFakeRemote(),
		content:   newMemContent(),
		snapshots: newMemSnapshots(),
	}
	f.d = NewDispatcher(f.remote, f.content, f.snapshots, nil)
	return f
}

func TestDispatchFreshFilePushesCreate(t *testing.T) {
	f := newDispatchFixture()
	f.content.files["/themes/dark.json"] = c1
	local := &shared.LocalFileMeta{
		FileName:        "dark.json",
		LocalFilePath:   "/themes/dark.json",
		LocalCommitHash: h1,
		IsDirty:         true,
	}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, nil)

	assert.Equal(t, shared.StateUntracked, resp.State)
	assert.Equal(t, shared.StatusPushed, resp.Status)
	assert.Empty(t, resp.Error)
	require.Len(t, f.remote.creates, 1)
	assert.Equal(t, h1, f.remote.creates[0].Checksum)
	assert.Equal(t, "dark.json", f.remote.creates[0].Name)
	require.Len(t, f.remote.inits, 1)
	assert.Equal(t, int64(len(c1)), f.remote.inits[0].Size)
	assert.Equal(t, "application/json", f.remote.inits[0].MimeType)

	require.NotNil(t, updated)
	assert.Equal(t, shared.Some[int64](42), updated.ID)
	assert.Equal(t, shared.Some(h1), updated.ParentHash)
	assert.Equal(t, h1, updated.LocalCommitHash)
	assert.Equal(t, shared.Some(h1), updated.HeadVersionHash)
	assert.False(t, updated.IsDirty)
	assert.Equal(t, shared.Some[int64](42), resp.FileID)

	// the input record is never mutated in place
	assert.False(t, local.ID.IsSome())
	assert.True(t, local.IsDirty)

	stored, err := f.snapshots.Get(h1)
	require.NoError(t, err)
	assert.Equal(t, c1, stored)
}

func TestDispatchPushRoundTripIsUpToDate(t *testing.T) {
	f := newDispatchFixture()
	f.content.files["/themes/dark.json"] = c1
	local := &shared.LocalFileMeta{LocalFilePath: "/themes/dark.json", LocalCommitHash: h1}

	_, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, nil)
	require.NotNil(t, updated)

	snap, err := f.remote.RemoteVersions(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Themes, 1)
	assert.Equal(t, shared.StateUpToDate, Classify(updated, &snap.Themes[0]))

	resp, again := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", updated, &snap.Themes[0])
	assert.Equal(t, shared.StatusUpToDate, resp.Status)
	assert.Nil(t, again)
	assert.Len(t, f.remote.inits, 1)
}

func TestDispatchLocalEditPushesUpdate(t *testing.T) {
	f := newDispatchFixture()
	remote := f.remote.put(shared.CategoryThemes, "dark.json", c1, shared.None[shared.Hash]())
	f.content.files["/themes/dark.json"] = c2
	local := &shared.LocalFileMeta{
		ID:              shared.Some(remote.ID),
		LocalFilePath:   "/themes/dark.json",
		LocalCommitHash: h2,
		ParentHash:      shared.Some(h1),
		HeadVersionHash: shared.Some(h1),
		IsDirty:         true,
	}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, &remote)

	assert.Equal(t, shared.StateLocalAhead, resp.State)
	assert.Equal(t, shared.StatusPushed, resp.Status)
	require.Len(t, f.remote.updates, 1)
	assert.Equal(t, h1, f.remote.updates[0].ParentHash)
	assert.Equal(t, h2, f.remote.updates[0].Checksum)
	assert.Equal(t, remote.ID, f.remote.updateIDs[0])

	require.NotNil(t, updated)
	assert.Equal(t, shared.Some(h2), updated.ParentHash)
	assert.Equal(t, h2, updated.LocalCommitHash)
	assert.Equal(t, shared.Some(h2), updated.HeadVersionHash)
	assert.False(t, updated.IsDirty)
}

func TestDispatchRemoteEditPulls(t *testing.T) {
	f := newDispatchFixture()
	put := f.remote.put(shared.CategoryThemes, "dark.json", c1, shared.None[shared.Hash]())
	remote := f.remote.edit(put.ID, c2)
	f.content.files["/themes/dark.json"] = c1
	local := &shared.LocalFileMeta{
		ID:              shared.Some(put.ID),
		LocalFilePath:   "/themes/dark.json",
		LocalCommitHash: h1,
		ParentHash:      shared.Some(h1),
		HeadVersionHash: shared.Some(h1),
	}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, &remote)

	assert.Equal(t, shared.StateRemoteAhead, resp.State)
	assert.Equal(t, shared.StatusPulled, resp.Status)
	assert.Equal(t, c2, f.content.files["/themes/dark.json"])

	require.NotNil(t, updated)
	assert.Equal(t, h2, updated.LocalCommitHash)
	assert.Equal(t, shared.Some(h2), updated.ParentHash)
	assert.Equal(t, shared.Some(h2), updated.HeadVersionHash)
	assert.Equal(t, shared.Some(remote.HeadVersionID), updated.HeadVersionID)

	// an edit right after a pull is a plain local change
	edited := updated.Clone()
	edited.LocalCommitHash = h3
	assert.Equal(t, shared.StateLocalAhead, Classify(edited, &remote))
}

func TestPullRecordsRemoteHeadAsParent(t *testing.T) {
	f := newDispatchFixture()
	put := f.remote.put(shared.CategoryThemes, "dark.json", c1, shared.None[shared.Hash]())
	f.remote.edit(put.ID, c2)
	remote := f.remote.edit(put.ID, c3)
	require.Equal(t, shared.Some(h2), remote.ParentHash)

	f.content.files["/themes/dark.json"] = c2
	local := &shared.LocalFileMeta{
		ID:              shared.Some(put.ID),
		LocalFilePath:   "/themes/dark.json",
		LocalCommitHash: h2,
		ParentHash:      shared.Some(h2),
		HeadVersionHash: shared.Some(h2),
	}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, &remote)
	require.Equal(t, shared.StatusPulled, resp.Status)
	require.NotNil(t, updated)
	// the pulled head, not the head's own parent, is the new common point
	assert.Equal(t, shared.Some(remote.HeadVersionHash), updated.ParentHash)
	assert.NotEqual(t, remote.ParentHash, updated.ParentHash)

	_, adopted := f.d.Adopt(context.Background(), shared.CategoryThemes, "copy.json", "/themes/copy.json", &remote)
	require.NotNil(t, adopted)
	assert.Equal(t, shared.Some(h3), adopted.ParentHash)
}

func TestDispatchConflictDoesNotMutate(t *testing.T) {
	f := newDispatchFixture()
	local := &shared.LocalFileMeta{
		ID:              shared.Some[int64](5),
		LocalFilePath:   "/themes/dark.json",
		LocalCommitHash: "B",
		ParentHash:      shared.Some[shared.Hash]("A"),
	}
	before := local.Clone()
	remote := &shared.RemoteFileMeta{ID: 5, HeadVersionHash: "D", ParentHash: shared.Some[shared.Hash]("C"), RemoteFileURL: "/content/9"}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, remote)

	assert.Equal(t, shared.StateConflict, resp.State)
	assert.Equal(t, shared.StatusConflict, resp.Status)
	assert.Nil(t, updated)
	assert.Equal(t, before, local)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, shared.Hash("B"), resp.Conflict.LocalCommitHash)
	assert.Equal(t, shared.Hash("D"), resp.Conflict.RemoteHeadHash)
	assert.Equal(t, "/content/9", resp.Conflict.RemoteFileURL)
	assert.Empty(t, f.remote.inits)
}

func TestDispatchStaleHeadBecomesConflict(t *testing.T) {
	f := newDispatchFixture()
	stale := f.remote.put(shared.CategoryThemes, "dark.json", c1, shared.None[shared.Hash]())
	f.remote.edit(stale.ID, c3)
	f.content.files["/themes/dark.json"] = c2
	local := &shared.LocalFileMeta{
		ID:              shared.Some(stale.ID),
		LocalFilePath:   "/themes/dark.json",
		LocalCommitHash: h2,
		ParentHash:      shared.Some(h1),
	}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, &stale)

	assert.Equal(t, shared.StateLocalAhead, resp.State)
	assert.Equal(t, shared.StatusConflict, resp.Status)
	assert.NotEmpty(t, resp.Error)
	assert.NotNil(t, resp.Conflict)
	assert.Nil(t, updated)
}

func TestDispatchFailuresKeepMetadata(t *testing.T) {
	t.Run("network error during push", func(t *testing.T) {
		f := newDispatchFixture()
		f.remote.failInit["dark.json"] = apperrors.Network("POST /themes/initUpload", errors.New("connection reset"))
		f.content.files["/themes/dark.json"] = c1
		local := &shared.LocalFileMeta{LocalFilePath: "/themes/dark.json", LocalCommitHash: h1}

		resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, nil)
		assert.Equal(t, shared.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "connection reset")
		assert.Nil(t, updated)
		assert.Empty(t, f.remote.creates)
	})

	t.Run("missing local content", func(t *testing.T) {
		f := newDispatchFixture()
		local := &shared.LocalFileMeta{LocalFilePath: "/themes/gone.json", LocalCommitHash: h1}

		resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "gone.json", local, nil)
		assert.Equal(t, shared.StatusError, resp.Status)
		assert.Nil(t, updated)
		assert.Empty(t, f.remote.inits)
	})

	t.Run("download does not match head", func(t *testing.T) {
		f := newDispatchFixture()
		f.remote.blobs["/content/77"] = c2
		f.content.files["/themes/dark.json"] = c1
		local := &shared.LocalFileMeta{LocalFilePath: "/themes/dark.json", LocalCommitHash: h1, ParentHash: shared.Some(h1)}
		remote := &shared.RemoteFileMeta{ID: 3, HeadVersionHash: h3, ParentHash: shared.Some(h1), RemoteFileURL: "/content/77"}

		resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, remote)
		assert.Equal(t, shared.StateRemoteAhead, resp.State)
		assert.Equal(t, shared.StatusError, resp.Status)
		assert.Nil(t, updated)
		assert.Equal(t, c1, f.content.files["/themes/dark.json"])
	})

	t.Run("local write fails", func(t *testing.T) {
		f := newDispatchFixture()
		put := f.remote.put(shared.CategoryThemes, "dark.json", c1, shared.None[shared.Hash]())
		remote := f.remote.edit(put.ID, c2)
		local := &shared.LocalFileMeta{LocalFilePath: "/readonly/dark.json", LocalCommitHash: h1, ParentHash: shared.Some(h1)}

		resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, &remote)
		assert.Equal(t, shared.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "permission denied")
		assert.Nil(t, updated)
	})
}

func TestDispatchUpToDateAlignsBookkeeping(t *testing.T) {
	f := newDispatchFixture()
	remote := &shared.RemoteFileMeta{ID: 7, HeadVersionHash: h1, HeadVersionID: 3}
	local := &shared.LocalFileMeta{LocalFilePath: "/themes/dark.json", LocalCommitHash: h1, IsDirty: true}

	resp, updated := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", local, remote)
	assert.Equal(t, shared.StatusUpToDate, resp.Status)
	require.NotNil(t, updated)
	assert.Equal(t, shared.Some[int64](7), updated.ID)
	assert.Equal(t, shared.Some(h1), updated.ParentHash)
	assert.Equal(t, shared.Some[int64](3), updated.HeadVersionID)
	assert.False(t, updated.IsDirty)

	resp, again := f.d.Dispatch(context.Background(), shared.CategoryThemes, "dark.json", updated, remote)
	assert.Equal(t, shared.StatusUpToDate, resp.Status)
	assert.Nil(t, again)
	assert.Empty(t, f.remote.inits)
}

func TestAdoptPullsRemoteOnlyFile(t *testing.T) {
	f := newDispatchFixture()
	remote := f.remote.put(shared.CategorySettings, "editor/settings.json", c1, shared.None[shared.Hash]())

	resp, created := f.d.Adopt(context.Background(), shared.CategorySettings, "editor/settings.json", "/settings/editor/settings.json", &remote)

	assert.Equal(t, shared.StateRemoteAhead, resp.State)
	assert.Equal(t, shared.StatusPulled, resp.Status)
	require.NotNil(t, created)
	assert.Equal(t, "settings.json", created.FileName)
	assert.Equal(t, shared.Some(remote.ID), created.ID)
	assert.Equal(t, h1, created.LocalCommitHash)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, c1, f.content.files["/settings/editor/settings.json"])
}
