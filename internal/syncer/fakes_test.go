package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"themesync/client"
	apperrors "themesync/internal/errors"
	"themesync/shared/types"
	"themesync/shared/utils"
)

type fakeFile struct {
	meta    shared.RemoteFileMeta
	content []byte
}

// fakeRemote is an in-memory backend with the same versioning rules as
// the real one: creates start a history, updates must name the current
// head as their parent.
type fakeRemote struct {
	mu sync.Mutex

	files       map[shared.Category][]*fakeFile
	staged      map[string][]byte
	blobs       map[string][]byte
	nextID      int64
	nextVersion int64

	failInit    map[string]error
	versionsErr error

	fetches   int
	inits     []client.InitUploadRequest
	creates   []client.CreateFileRequest
	updates   []client.UpdateFileRequest
	updateIDs []int64
	deletes   []int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:    make(map[shared.Category][]*fakeFile),
		staged:   make(map[string][]byte),
		blobs:    make(map[string][]byte),
		nextID:   41,
		failInit: make(map[string]error),
	}
}

// put stores a remote file directly and returns its record
func (f *fakeRemote) put(cat shared.Category, name string, content []byte, parent shared.Option[shared.Hash]) shared.RemoteFileMeta {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	file := &fakeFile{meta: shared.RemoteFileMeta{ID: f.nextID, Name: name}}
	f.setHead(file, content, parent)
	f.files[cat] = append(f.files[cat], file)
	return file.meta
}

// edit replaces the head of an existing remote file, as another machine would
func (f *fakeRemote) edit(id int64, content []byte) shared.RemoteFileMeta {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, _ := f.find(id)
	f.setHead(file, content, shared.Some(file.meta.HeadVersionHash))
	return file.meta
}

func (f *fakeRemote) setHead(file *fakeFile, content []byte, parent shared.Option[shared.Hash]) {
	f.nextVersion++
	url := fmt.Sprintf("/content/%d", f.nextVersion)
	file.content = content
	file.meta.HeadVersionHash = utils.HashContent(content)
	file.meta.HeadVersionID = f.nextVersion
	file.meta.ParentHash = parent
	file.meta.RemoteFileURL = url
	f.blobs[url] = content
}

func (f *fakeRemote) find(id int64) (*fakeFile, shared.Category) {
	for cat, files := range f.files {
		for _, file := range files {
			if file.meta.ID == id {
				return file, cat
			}
		}
	}
	return nil, ""
}

func (f *fakeRemote) RemoteVersions(context.Context) (*shared.RemoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.versionsErr != nil {
		return nil, f.versionsErr
	}
	snap := &shared.RemoteSnapshot{Themes: []shared.RemoteFileMeta{}, Settings: []shared.RemoteFileMeta{}}
	for _, file := range f.files[shared.CategoryThemes] {
		snap.Themes = append(snap.Themes, file.meta)
	}
	for _, file := range f.files[shared.CategorySettings] {
		snap.Settings = append(snap.Settings, file.meta)
	}
	return snap, nil
}

func (f *fakeRemote) InitUpload(_ context.Context, cat shared.Category, req client.InitUploadRequest) (*client.UploadEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inits = append(f.inits, req)
	if err := f.failInit[req.FileName]; err != nil {
		return nil, err
	}
	return &client.UploadEndpoint{
		SignedURL: fmt.Sprintf("/upload/%s/%s/%d", cat, req.FileName, len(f.inits)),
		FileID:    fmt.Sprintf("u%d", len(f.inits)),
	}, nil
}

func (f *fakeRemote) Upload(_ context.Context, signedURL, _ string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged[signedURL] = append([]byte(nil), content...)
	return nil
}

func (f *fakeRemote) CreateFile(_ context.Context, cat shared.Category, req client.CreateFileRequest) (*client.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates = append(f.creates, req)
	content, err := f.takeStaged(req.FileURL, req.Checksum)
	if err != nil {
		return nil, err
	}
	f.nextID++
	file := &fakeFile{meta: shared.RemoteFileMeta{ID: f.nextID, Name: req.Name}}
	f.setHead(file, content, shared.None[shared.Hash]())
	f.files[cat] = append(f.files[cat], file)
	return pushResponse(file), nil
}

func (f *fakeRemote) UpdateFile(_ context.Context, id int64, req client.UpdateFileRequest) (*client.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, req)
	f.updateIDs = append(f.updateIDs, id)
	file, _ := f.find(id)
	if file == nil {
		return nil, apperrors.NotFound("file not found")
	}
	if file.meta.HeadVersionHash != req.ParentHash {
		return nil, apperrors.Conflict("parent hash is not the current head", nil)
	}
	content, err := f.takeStaged(req.FilePath, req.Checksum)
	if err != nil {
		return nil, err
	}
	f.setHead(file, content, shared.Some(file.meta.HeadVersionHash))
	return pushResponse(file), nil
}

func (f *fakeRemote) takeStaged(url string, checksum shared.Hash) ([]byte, error) {
	content, ok := f.staged[url]
	if !ok {
		return nil, apperrors.ValidationError("nothing uploaded to "+url, nil)
	}
	if utils.HashContent(content) != checksum {
		return nil, apperrors.ValidationError("checksum mismatch", nil)
	}
	delete(f.staged, url)
	return content, nil
}

func (f *fakeRemote) Download(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	content, ok := f.blobs[url]
	if !ok {
		return nil, apperrors.NotFound("no content at " + url)
	}
	return content, nil
}

func (f *fakeRemote) DeleteFile(_ context.Context, cat shared.Category, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes = append(f.deletes, id)
	files := f.files[cat]
	for i, file := range files {
		if file.meta.ID == id {
			f.files[cat] = append(files[:i], files[i+1:]...)
			break
		}
	}
	return nil
}

func pushResponse(file *fakeFile) *client.PushResponse {
	return &client.PushResponse{
		ID:                  file.meta.ID,
		HeadVersionID:       file.meta.HeadVersionID,
		HeadVersionHash:     file.meta.HeadVersionHash,
		HeadVersionFilePath: file.meta.RemoteFileURL,
	}
}

// memContent keeps file content keyed by LocalFilePath
type memContent struct {
	files map[string][]byte
}

func newMemContent() *memContent {
	return &memContent{files: make(map[string][]byte)}
}

func (m *memContent) Read(meta *shared.LocalFileMeta) ([]byte, error) {
	content, ok := m.files[meta.LocalFilePath]
	if !ok {
		return nil, fmt.Errorf("reading %s: file does not exist", meta.LocalFilePath)
	}
	return content, nil
}

func (m *memContent) Write(meta *shared.LocalFileMeta, content []byte) error {
	if strings.Contains(meta.LocalFilePath, "readonly") {
		return fmt.Errorf("writing %s: permission denied", meta.LocalFilePath)
	}
	m.files[meta.LocalFilePath] = content
	return nil
}

// memSnapshots is a hash-addressed content map
type memSnapshots struct {
	mu    sync.Mutex
	blobs map[shared.Hash][]byte
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{blobs: make(map[shared.Hash][]byte)}
}

func (s *memSnapshots) Store(content []byte) (shared.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := utils.HashContent(content)
	s.blobs[h] = content
	return h, nil
}

func (s *memSnapshots) Get(hash shared.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", hash)
	}
	return content, nil
}
