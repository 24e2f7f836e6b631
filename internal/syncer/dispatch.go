package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"themesync/client"
	apperrors "themesync/internal/errors"
	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Remote is the part of the backend client the sync engine uses
type Remote interface {
	RemoteVersions(ctx context.Context) (*shared.RemoteSnapshot, error)
	InitUpload(ctx context.Context, cat shared.Category, req client.InitUploadRequest) (*client.UploadEndpoint, error)
	Upload(ctx context.Context, signedURL, mimeType string, content []byte) error
	CreateFile(ctx context.Context, cat shared.Category, req client.CreateFileRequest) (*client.PushResponse, error)
	UpdateFile(ctx context.Context, id int64, req client.UpdateFileRequest) (*client.PushResponse, error)
	Download(ctx context.Context, fileURL string) ([]byte, error)
	DeleteFile(ctx context.Context, cat shared.Category, id int64) error
}

// Content reads and writes the bytes behind a LocalFileMeta
type Content interface {
	Read(meta *shared.LocalFileMeta) ([]byte, error)
	Write(meta *shared.LocalFileMeta, content []byte) error
}

// Snapshots keeps synced content by hash
type Snapshots interface {
	Store(content []byte) (shared.Hash, error)
	Get(hash shared.Hash) ([]byte, error)
}

// Dispatcher runs the action that belongs to a sync state. Local metadata
// is only replaced after the whole action chain succeeded.
type Dispatcher struct {
	remote    Remote
	content   Content
	snapshots Snapshots
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(remote Remote, content Content, snapshots Snapshots, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		remote:    remote,
		content:   content,
		snapshots: snapshots,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch classifies one file and executes the matching action. The
// returned metadata is nil when the local record must stay as it was.
func (d *Dispatcher) Dispatch(ctx context.Context, cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) (shared.SyncResponse, *shared.LocalFileMeta) {
	state := Classify(local, remote)
	resp := d.newResponse(cat, key, local, remote, state)

	var (
		updated *shared.LocalFileMeta
		err     error
	)
	switch state {
	case shared.StateUntracked:
		updated, err = d.pushCreate(ctx, cat, key, local)
		resp.Status = shared.StatusPushed
	case shared.StateLocalAhead:
		updated, err = d.pushUpdate(ctx, cat, key, local, remote)
		resp.Status = shared.StatusPushed
	case shared.StateRemoteAhead:
		updated, err = d.pull(ctx, local, remote)
		resp.Status = shared.StatusPulled
	case shared.StateConflict:
		resp.Status = shared.StatusConflict
		resp.Conflict = conflictInfo(local, remote)
	case shared.StateUpToDate:
		updated = d.align(local, remote)
		resp.Status = shared.StatusUpToDate
	default:
		err = fmt.Errorf("unhandled sync state %s", state)
	}

	return d.finish(resp, local, remote, updated, err)
}

// Pull forces remote content over the local file, whatever the state
func (d *Dispatcher) Pull(ctx context.Context, cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) (shared.SyncResponse, *shared.LocalFileMeta) {
	return d.pullAs(ctx, cat, key, local, remote, Classify(local, remote))
}

// Adopt pulls a file that exists only on the remote into path and
// returns its first local record
func (d *Dispatcher) Adopt(ctx context.Context, cat shared.Category, key, path string, remote *shared.RemoteFileMeta) (shared.SyncResponse, *shared.LocalFileMeta) {
	local := &shared.LocalFileMeta{
		FileName:      filepath.Base(path),
		LocalFilePath: path,
	}
	return d.pullAs(ctx, cat, key, local, remote, shared.StateRemoteAhead)
}

func (d *Dispatcher) pullAs(ctx context.Context, cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta, state shared.SyncState) (shared.SyncResponse, *shared.LocalFileMeta) {
	resp := d.newResponse(cat, key, local, remote, state)
	resp.Status = shared.StatusPulled
	updated, err := d.pull(ctx, local, remote)
	return d.finish(resp, local, remote, updated, err)
}

// Fail reports a file that could not be prepared for an action. Its local
// record is left as it was.
func (d *Dispatcher) Fail(cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta, err error) shared.SyncResponse {
	resp := d.newResponse(cat, key, local, remote, Classify(local, remote))
	resp, _ = d.finish(resp, local, remote, nil, err)
	return resp
}

func (d *Dispatcher) newResponse(cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta, state shared.SyncState) shared.SyncResponse {
	resp := shared.SyncResponse{
		Key:       key,
		FileName:  local.FileName,
		FileID:    local.ID,
		Type:      cat,
		State:     state,
		StartedAt: d.now(),
	}
	if !resp.FileID.IsSome() && remote != nil {
		resp.FileID = shared.Some(remote.ID)
	}
	return resp
}

func (d *Dispatcher) finish(resp shared.SyncResponse, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta, updated *shared.LocalFileMeta, err error) (shared.SyncResponse, *shared.LocalFileMeta) {
	resp.FinishedAt = d.now()
	if err == nil {
		if updated != nil {
			resp.FileID = updated.ID
		}
		return resp, updated
	}

	// The backend refused a push because its head moved after the
	// snapshot was taken: both sides changed.
	if apperrors.IsConflict(err) {
		resp.Status = shared.StatusConflict
		resp.Conflict = conflictInfo(local, remote)
		resp.Error = err.Error()
		d.logger.Info("push rejected by remote, conflict",
			zap.String("category", string(resp.Type)), zap.String("key", resp.Key), zap.Error(err))
		return resp, nil
	}

	resp.Status = shared.StatusError
	resp.Error = err.Error()
	d.logger.Warn("file sync failed",
		zap.String("category", string(resp.Type)),
		zap.String("key", resp.Key),
		zap.Stringer("state", resp.State),
		zap.Error(err),
	)
	return resp, nil
}

// upload runs the upload-session chain shared by create and update pushes
func (d *Dispatcher) upload(ctx context.Context, cat shared.Category, key string, local *shared.LocalFileMeta) (*client.UploadEndpoint, []byte, error) {
	content, err := d.content.Read(local)
	if err != nil {
		return nil, nil, err
	}
	mime := mimetype.Detect(content).String()

	ep, err := d.remote.InitUpload(ctx, cat, client.InitUploadRequest{
		FileName: key,
		Size:     int64(len(content)),
		MimeType: mime,
		Checksum: local.LocalCommitHash,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := d.remote.Upload(ctx, ep.SignedURL, mime, content); err != nil {
		return nil, nil, err
	}
	return ep, content, nil
}

func (d *Dispatcher) pushCreate(ctx context.Context, cat shared.Category, key string, local *shared.LocalFileMeta) (*shared.LocalFileMeta, error) {
	ep, content, err := d.upload(ctx, cat, key, local)
	if err != nil {
		return nil, err
	}

	pushed, err := d.remote.CreateFile(ctx, cat, client.CreateFileRequest{
		Name:     key,
		FileURL:  ep.SignedURL,
		Checksum: local.LocalCommitHash,
	})
	if err != nil {
		return nil, err
	}

	d.snapshot(content)
	return d.afterPush(local, pushed), nil
}

func (d *Dispatcher) pushUpdate(ctx context.Context, cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) (*shared.LocalFileMeta, error) {
	id, ok := local.ID.Get()
	if !ok {
		id = remote.ID
	}
	parent, ok := local.ParentHash.Get()
	if !ok {
		return nil, fmt.Errorf("%s has no parent hash", key)
	}

	ep, content, err := d.upload(ctx, cat, key, local)
	if err != nil {
		return nil, err
	}

	pushed, err := d.remote.UpdateFile(ctx, id, client.UpdateFileRequest{
		ParentHash: parent,
		FilePath:   ep.SignedURL,
		Checksum:   local.LocalCommitHash,
	})
	if err != nil {
		return nil, err
	}

	d.snapshot(content)
	return d.afterPush(local, pushed), nil
}

func (d *Dispatcher) afterPush(local *shared.LocalFileMeta, pushed *client.PushResponse) *shared.LocalFileMeta {
	m := local.Clone()
	m.ID = shared.Some(pushed.ID)
	m.ParentHash = shared.Some(local.LocalCommitHash)
	m.LocalCommitHash = pushed.HeadVersionHash
	m.HeadVersionHash = shared.Some(pushed.HeadVersionHash)
	m.HeadVersionID = shared.Some(pushed.HeadVersionID)
	m.IsDirty = false
	m.HasConflict = false
	m.UpdatedAt = d.now()
	return m
}

// pull replaces local content with the remote head. The download is
// verified against the advertised head hash before anything is written.
func (d *Dispatcher) pull(ctx context.Context, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) (*shared.LocalFileMeta, error) {
	if remote == nil {
		return nil, fmt.Errorf("%s has no remote record", local.FileName)
	}

	content, err := d.remote.Download(ctx, remote.RemoteFileURL)
	if err != nil {
		return nil, err
	}
	if got := utils.HashContent(content); got != remote.HeadVersionHash {
		return nil, fmt.Errorf("downloaded content hash %s does not match remote head %s", got, remote.HeadVersionHash)
	}
	if err := d.content.Write(local, content); err != nil {
		return nil, err
	}
	d.snapshot(content)

	m := local.Clone()
	m.ID = shared.Some(remote.ID)
	m.LocalCommitHash = remote.HeadVersionHash
	// The pulled head is now the last common point of both sides
	m.ParentHash = shared.Some(remote.HeadVersionHash)
	m.HeadVersionHash = shared.Some(remote.HeadVersionHash)
	m.HeadVersionID = shared.Some(remote.HeadVersionID)
	m.IsDirty = false
	m.HasConflict = false
	m.UpdatedAt = d.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	return m, nil
}

// align records the remote identity of a file whose content already
// matches the remote head. It returns nil when nothing is stale.
func (d *Dispatcher) align(local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) *shared.LocalFileMeta {
	head := remote.HeadVersionHash
	if shared.HashMatches(local.ParentHash, head) &&
		shared.HashMatches(local.HeadVersionHash, head) &&
		local.ID.OrZero() == remote.ID && local.ID.IsSome() &&
		local.HeadVersionID.OrZero() == remote.HeadVersionID &&
		!local.IsDirty && !local.HasConflict {
		return nil
	}

	m := local.Clone()
	m.ID = shared.Some(remote.ID)
	m.ParentHash = shared.Some(head)
	m.HeadVersionHash = shared.Some(head)
	m.HeadVersionID = shared.Some(remote.HeadVersionID)
	m.IsDirty = false
	m.HasConflict = false
	return m
}

func (d *Dispatcher) snapshot(content []byte) {
	if d.snapshots == nil {
		return
	}
	if _, err := d.snapshots.Store(content); err != nil {
		d.logger.Warn("storing synced snapshot", zap.Error(err))
	}
}

func conflictInfo(local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) *shared.ConflictInfo {
	info := &shared.ConflictInfo{
		LocalCommitHash: local.LocalCommitHash,
		LocalParentHash: local.ParentHash,
	}
	if remote != nil {
		info.RemoteHeadHash = remote.HeadVersionHash
		info.RemoteParentHash = remote.ParentHash
		info.RemoteFileURL = remote.RemoteFileURL
	}
	return info
}
