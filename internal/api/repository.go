// internal/api/repository.go
package api

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"themesync/client"
	apperrors "themesync/internal/errors"
	"themesync/internal/storage"
	"themesync/internal/validation"
	"themesync/shared/types"
	"themesync/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// FileRecord is one synchronized file of one owner
type FileRecord struct {
	ID              int64                      `json:"id"`
	Owner           string                     `json:"owner"`
	Category        shared.Category            `json:"category"`
	Name            string                     `json:"name"`
	HeadVersionID   int64                      `json:"headVersionId"`
	HeadVersionHash shared.Hash                `json:"headVersionHash"`
	ParentHash      shared.Option[shared.Hash] `json:"parentHash"`
	CreatedAt       time.Time                  `json:"createdAt"`
	UpdatedAt       time.Time                  `json:"updatedAt"`
}

// VersionRecord is one immutable revision of a file
type VersionRecord struct {
	ID         int64                      `json:"id"`
	FileID     int64                      `json:"fileId"`
	Owner      string                     `json:"owner"`
	Hash       shared.Hash                `json:"hash"`
	ParentHash shared.Option[shared.Hash] `json:"parentHash"`
	Size       int64                      `json:"size"`
	MimeType   string                     `json:"mimeType"`
	CreatedAt  time.Time                  `json:"createdAt"`
}

// UploadRecord is a pending upload session. Its id is the capability
// embedded in the signed URL.
type UploadRecord struct {
	ID       string          `json:"id"`
	Owner    string          `json:"owner"`
	Category shared.Category `json:"category"`
	FileName string          `json:"fileName"`
	Size     int64           `json:"size"`
	MimeType string          `json:"mimeType"`
	Checksum shared.Hash     `json:"checksum"`
	Expire   time.Time       `json:"expire"`
	Uploaded bool            `json:"uploaded"`
}

// Blobs stores version content by hash
type Blobs interface {
	Store(content []byte) (shared.Hash, error)
	Get(hash shared.Hash) ([]byte, error)
}

type RepositoryOptions struct {
	UploadTTL      time.Duration
	MaxUploadBytes int64
}

// Repository implements the versioning rules of the backend on badger.
// Writes that check a file head are serialized.
type Repository struct {
	files      *storage.Collection[FileRecord]
	versions   *storage.Collection[VersionRecord]
	uploads    *storage.Collection[UploadRecord]
	fileIDs    *storage.Sequence
	versionIDs *storage.Sequence
	blobs      Blobs

	ttl     time.Duration
	maxSize int64
	now     func() time.Time

	mu sync.Mutex
}

func NewRepository(db *badger.DB, blobs Blobs, opts RepositoryOptions) (*Repository, error) {
	fileIDs, err := storage.NewSequence(db, "file")
	if err != nil {
		return nil, err
	}
	versionIDs, err := storage.NewSequence(db, "version")
	if err != nil {
		fileIDs.Release()
		return nil, err
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = 15 * time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Repository{
		files:      storage.NewCollection[FileRecord](db, "file"),
		versions:   storage.NewCollection[VersionRecord](db, "version"),
		uploads:    storage.NewCollection[UploadRecord](db, "upload"),
		fileIDs:    fileIDs,
		versionIDs: versionIDs,
		blobs:      blobs,
		ttl:        opts.UploadTTL,
		maxSize:    opts.MaxUploadBytes,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the id sequences; it must run before the database closes
func (r *Repository) Close() error {
	err := r.fileIDs.Release()
	if verr := r.versionIDs.Release(); err == nil {
		err = verr
	}
	return err
}

func (r *Repository) MaxUploadBytes() int64 {
	return r.maxSize
}

// ownerKey encodes the owner so one owner's prefix never matches another's
func ownerKey(owner string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(owner)) + ":"
}

func recordKey(owner string, id int64) string {
	return fmt.Sprintf("%s%020d", ownerKey(owner), id)
}

func contentURL(versionID int64) string {
	return fmt.Sprintf("/content/%d", versionID)
}

// Snapshot lists the head of every file of an owner, by category
func (r *Repository) Snapshot(owner string) (*shared.RemoteSnapshot, error) {
	files, err := r.files.List(ownerKey(owner))
	if err != nil {
		return nil, err
	}

	snap := &shared.RemoteSnapshot{
		Themes:   []shared.RemoteFileMeta{},
		Settings: []shared.RemoteFileMeta{},
	}
	for _, f := range files {
		meta := shared.RemoteFileMeta{
			ID:              f.ID,
			Name:            f.Name,
			HeadVersionHash: f.HeadVersionHash,
			HeadVersionID:   f.HeadVersionID,
			ParentHash:      f.ParentHash,
			RemoteFileURL:   contentURL(f.HeadVersionID),
		}
		switch f.Category {
		case shared.CategoryThemes:
			snap.Themes = append(snap.Themes, meta)
		case shared.CategorySettings:
			snap.Settings = append(snap.Settings, meta)
		}
	}
	return snap, nil
}

func (r *Repository) InitUpload(owner string, cat shared.Category, req client.InitUploadRequest) (*client.UploadEndpoint, error) {
	if err := validation.FileName(req.FileName); err != nil {
		return nil, err
	}
	if err := validation.Size(req.Size, r.maxSize); err != nil {
		return nil, err
	}
	if err := validation.Checksum(req.Checksum); err != nil {
		return nil, err
	}

	up := &UploadRecord{
		ID:       uuid.New().String(),
		Owner:    owner,
		Category: cat,
		FileName: req.FileName,
		Size:     req.Size,
		MimeType: req.MimeType,
		Checksum: req.Checksum,
		Expire:   r.now().Add(r.ttl),
	}
	if err := r.uploads.Create(up.ID, up); err != nil {
		return nil, err
	}
	return &client.UploadEndpoint{
		SignedURL: "/upload/" + up.ID,
		Expire:    up.Expire,
		FileID:    up.ID,
	}, nil
}

// CompleteUpload stores the bytes of a pending upload after checking them
// against the announced size and checksum
func (r *Repository) CompleteUpload(id string, content []byte) error {
	up, err := r.uploads.Get(id)
	if err != nil {
		return err
	}
	if r.now().After(up.Expire) {
		return apperrors.ValidationError("upload session expired", nil)
	}
	if up.Uploaded {
		return apperrors.Conflict("upload already completed", nil)
	}
	if int64(len(content)) != up.Size {
		return apperrors.ValidationError(fmt.Sprintf("expected %d bytes, got %d", up.Size, len(content)), nil)
	}
	if got := utils.HashContent(content); got != up.Checksum {
		return apperrors.ValidationError("content does not match checksum", map[string]shared.Hash{
			"expected": up.Checksum,
			"actual":   got,
		})
	}

	if _, err := r.blobs.Store(content); err != nil {
		return apperrors.Internal("storing content", err)
	}
	_, err = r.uploads.Update(id, func(u *UploadRecord) error {
		u.Uploaded = true
		return nil
	})
	return err
}

// takeUpload resolves a signed URL to its completed upload and consumes it
func (r *Repository) takeUpload(owner string, cat shared.Category, rawURL string, checksum shared.Hash) (*UploadRecord, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.HasPrefix(u.Path, "/upload/") {
		return nil, apperrors.ValidationError("file url is not an upload url", nil)
	}
	up, err := r.uploads.Get(path.Base(u.Path))
	if err != nil {
		return nil, err
	}
	if up.Owner != owner || up.Category != cat {
		return nil, apperrors.NotFound("upload not found")
	}
	if !up.Uploaded {
		return nil, apperrors.ValidationError("upload not completed", nil)
	}
	if up.Checksum != checksum {
		return nil, apperrors.ValidationError("checksum does not match upload", nil)
	}
	if err := r.uploads.Delete(up.ID); err != nil {
		return nil, err
	}
	return up, nil
}

func (r *Repository) newVersion(owner string, fileID int64, up *UploadRecord, parent shared.Option[shared.Hash]) (*VersionRecord, error) {
	id, err := r.versionIDs.Next()
	if err != nil {
		return nil, apperrors.Internal("allocating version id", err)
	}
	v := &VersionRecord{
		ID:         id,
		FileID:     fileID,
		Owner:      owner,
		Hash:       up.Checksum,
		ParentHash: parent,
		Size:       up.Size,
		MimeType:   up.MimeType,
		CreatedAt:  r.now(),
	}
	if err := r.versions.Create(recordKey(owner, id), v); err != nil {
		return nil, err
	}
	return v, nil
}

// CreateFile registers a new file whose first version is a completed upload
func (r *Repository) CreateFile(owner string, cat shared.Category, req client.CreateFileRequest) (*client.PushResponse, error) {
	if err := validation.FileName(req.Name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.files.List(ownerKey(owner))
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if f.Category == cat && f.Name == req.Name {
			return nil, apperrors.Conflict(fmt.Sprintf("%s/%s already exists", cat, req.Name), map[string]int64{"id": f.ID})
		}
	}

	up, err := r.takeUpload(owner, cat, req.FileURL, req.Checksum)
	if err != nil {
		return nil, err
	}
	id, err := r.fileIDs.Next()
	if err != nil {
		return nil, apperrors.Internal("allocating file id", err)
	}
	v, err := r.newVersion(owner, id, up, shared.None[shared.Hash]())
	if err != nil {
		return nil, err
	}

	f := &FileRecord{
		ID:              id,
		Owner:           owner,
		Category:        cat,
		Name:            req.Name,
		HeadVersionID:   v.ID,
		HeadVersionHash: v.Hash,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.CreatedAt,
	}
	if err := r.files.Create(recordKey(owner, id), f); err != nil {
		return nil, err
	}
	return pushResponse(f, v), nil
}

// PushFile adds a version on top of the current head. The caller's parent
// hash must be that head; otherwise someone else pushed first.
func (r *Repository) PushFile(owner string, id int64, req client.UpdateFileRequest) (*client.PushResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.files.Get(recordKey(owner, id))
	if err != nil {
		return nil, err
	}
	if f.HeadVersionHash != req.ParentHash {
		return nil, apperrors.Conflict("parent hash is not the current head", map[string]any{
			"headVersionHash": f.HeadVersionHash,
			"headVersionId":   f.HeadVersionID,
		})
	}

	up, err := r.takeUpload(owner, f.Category, req.FilePath, req.Checksum)
	if err != nil {
		return nil, err
	}
	parent := shared.Some(f.HeadVersionHash)
	v, err := r.newVersion(owner, id, up, parent)
	if err != nil {
		return nil, err
	}

	f, err = r.files.Update(recordKey(owner, id), func(f *FileRecord) error {
		f.ParentHash = parent
		f.HeadVersionID = v.ID
		f.HeadVersionHash = v.Hash
		f.UpdatedAt = v.CreatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pushResponse(f, v), nil
}

// Content returns the bytes and MIME type of one version
func (r *Repository) Content(owner string, versionID int64) ([]byte, string, error) {
	v, err := r.versions.Get(recordKey(owner, versionID))
	if err != nil {
		return nil, "", err
	}
	content, err := r.blobs.Get(v.Hash)
	if err != nil {
		return nil, "", apperrors.Internal("reading content", err)
	}
	return content, v.MimeType, nil
}

// DeleteFile removes a file and all of its versions. Content blobs stay,
// other files may share them.
func (r *Repository) DeleteFile(owner string, cat shared.Category, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.files.Get(recordKey(owner, id))
	if err != nil {
		return err
	}
	if f.Category != cat {
		return apperrors.NotFound(fmt.Sprintf("%s file not found: %d", cat, id))
	}

	versions, err := r.versions.List(ownerKey(owner))
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.FileID != id {
			continue
		}
		if err := r.versions.Delete(recordKey(owner, v.ID)); err != nil {
			return err
		}
	}
	return r.files.Delete(recordKey(owner, id))
}

func pushResponse(f *FileRecord, v *VersionRecord) *client.PushResponse {
	return &client.PushResponse{
		ID:                   f.ID,
		HeadVersionID:        v.ID,
		HeadVersionHash:      v.Hash,
		HeadVersionCreatedAt: v.CreatedAt,
		HeadVersionFilePath:  contentURL(v.ID),
	}
}
