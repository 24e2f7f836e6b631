package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"themesync/internal/auth"
	apperrors "themesync/internal/errors"
	"themesync/internal/version"
	"themesync/shared/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// Workspace is the local content side of a sync pass
type Workspace interface {
	Content
	PathFor(cat shared.Category, key string) (string, error)
	Refresh(cat shared.Category, entries *version.Entries) (map[string]error, error)
	Discover(store *version.Store, user string) (map[shared.Category][]string, error)
	Remove(meta *shared.LocalFileMeta) error
}

// Resolution picks the side that wins a conflict
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
)

func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(s) {
	case "local", "keep-local", "mine":
		return KeepLocal, nil
	case "remote", "keep-remote", "theirs":
		return KeepRemote, nil
	}
	return 0, apperrors.ValidationError(fmt.Sprintf("unknown resolution %q", s), nil)
}

func (r Resolution) String() string {
	if r == KeepRemote {
		return "keep-remote"
	}
	return "keep-local"
}

// FileStatus is the dry-run classification of one file
type FileStatus struct {
	Category shared.Category
	Key      string
	State    shared.SyncState
	Local    *shared.LocalFileMeta
	Remote   *shared.RemoteFileMeta
}

// Comparison holds the three versions of a file involved in a conflict.
// Base is nil when the last synced content is not in the snapshot store.
type Comparison struct {
	Key    string
	State  shared.SyncState
	Base   []byte
	Local  []byte
	Remote []byte
}

type Options struct {
	Store     *version.Store
	Remote    Remote
	Workspace Workspace
	Snapshots Snapshots
	Tokens    auth.Provider
	Logger    *zap.Logger
}

// Orchestrator runs sync passes. Categories are reconciled concurrently,
// the files of one category one after another.
type Orchestrator struct {
	store      *version.Store
	remote     Remote
	workspace  Workspace
	snapshots  Snapshots
	dispatcher *Dispatcher
	tokens     auth.Provider
	logger     *zap.Logger

	running sync.Mutex
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      opts.Store,
		remote:     opts.Remote,
		workspace:  opts.Workspace,
		snapshots:  opts.Snapshots,
		dispatcher: NewDispatcher(opts.Remote, opts.Workspace, opts.Snapshots, logger),
		tokens:     opts.Tokens,
		logger:     logger,
	}
}

func (o *Orchestrator) begin() (func(), error) {
	if !o.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	return o.running.Unlock, nil
}

func (o *Orchestrator) authenticate(ctx context.Context) error {
	if o.tokens == nil {
		return apperrors.Unauthorized("no credential provider configured")
	}
	token, err := o.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	if token == "" {
		return apperrors.Unauthorized("not signed in")
	}
	return nil
}

// prepare checks credentials, reloads the store and tracks new files
func (o *Orchestrator) prepare(ctx context.Context, user string) error {
	if err := o.authenticate(ctx); err != nil {
		return err
	}
	o.store.Load()
	added, err := o.workspace.Discover(o.store, user)
	if err != nil {
		o.logger.Warn("discovering local files", zap.Error(err))
	}
	for cat, keys := range added {
		if len(keys) > 0 {
			o.logger.Info("tracking new files", zap.String("category", string(cat)), zap.Strings("keys", keys))
		}
	}
	return nil
}

// SyncAll reconciles every category against one remote snapshot. Failed
// categories are logged and left out of the result.
func (o *Orchestrator) SyncAll(ctx context.Context, user string) (*shared.SyncResult, error) {
	release, err := o.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.prepare(ctx, user); err != nil {
		return nil, err
	}
	snapshot, err := o.remote.RemoteVersions(ctx)
	if err != nil {
		return nil, err
	}

	cats := shared.Categories()
	results := make([][]shared.SyncResponse, len(cats))
	errs := make([]error, len(cats))

	var g errgroup.Group
	for i, cat := range cats {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic syncing %s: %v", cat, r)
				}
			}()
			results[i], errs[i] = o.syncCategory(ctx, user, cat, snapshot)
			return nil
		})
	}
	g.Wait()

	result := &shared.SyncResult{Success: true, Data: []shared.SyncResponse{}}
	for i, cat := range cats {
		if errs[i] != nil {
			result.Success = false
			o.logger.Error("category sync failed", zap.String("category", string(cat)), zap.Error(errs[i]))
			continue
		}
		for _, r := range results[i] {
			if r.Status == shared.StatusError {
				result.Success = false
			}
			result.Data = append(result.Data, r)
		}
	}

	o.logger.Info("sync pass finished",
		zap.String("user", user),
		zap.Bool("success", result.Success),
		zap.Int("files", len(result.Data)),
	)
	return result, nil
}

// SyncCategory reconciles one category against a fresh remote snapshot
func (o *Orchestrator) SyncCategory(ctx context.Context, user string, cat shared.Category) ([]shared.SyncResponse, error) {
	release, err := o.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.prepare(ctx, user); err != nil {
		return nil, err
	}
	snapshot, err := o.remote.RemoteVersions(ctx)
	if err != nil {
		return nil, err
	}
	return o.syncCategory(ctx, user, cat, snapshot)
}

func (o *Orchestrator) syncCategory(ctx context.Context, user string, cat shared.Category, snapshot *shared.RemoteSnapshot) ([]shared.SyncResponse, error) {
	entries := o.store.Category(user, cat)
	unreadable, err := o.workspace.Refresh(cat, entries)
	if err != nil {
		return nil, fmt.Errorf("refreshing %s: %w", cat, err)
	}

	index := indexRemotes(snapshot.For(cat))
	responses := make([]shared.SyncResponse, 0, entries.Len())

	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		if ctx.Err() != nil {
			break
		}
		remote := index.match(pair.Key, pair.Value)
		if err, ok := unreadable[pair.Key]; ok {
			responses = append(responses, o.dispatcher.Fail(cat, pair.Key, pair.Value, remote, err))
			continue
		}

		local := o.rebind(cat, pair.Key, pair.Value, remote)
		if local != pair.Value {
			entries.Set(pair.Key, local)
		}
		resp, updated := o.dispatcher.Dispatch(ctx, cat, pair.Key, local, remote)
		if updated != nil {
			entries.Set(pair.Key, updated)
		}
		responses = append(responses, resp)
	}

	for _, remote := range index.unmatched() {
		if ctx.Err() != nil {
			break
		}
		if _, taken := entries.Get(remote.Name); taken {
			o.logger.Warn("remote file name already tracked under another id",
				zap.String("category", string(cat)), zap.String("name", remote.Name), zap.Int64("id", remote.ID))
			continue
		}
		path, err := o.workspace.PathFor(cat, remote.Name)
		if err != nil {
			o.logger.Warn("skipping remote file with unusable name",
				zap.String("category", string(cat)), zap.String("name", remote.Name), zap.Error(err))
			continue
		}
		resp, created := o.dispatcher.Adopt(ctx, cat, remote.Name, path, remote)
		if created != nil {
			entries.Set(remote.Name, created)
		}
		responses = append(responses, resp)
	}

	if err := o.store.Commit(user, cat, entries); err != nil {
		return nil, fmt.Errorf("committing %s: %w", cat, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return responses, nil
}

// Status classifies every tracked and remote-only file without acting
func (o *Orchestrator) Status(ctx context.Context, user string) ([]FileStatus, error) {
	if err := o.authenticate(ctx); err != nil {
		return nil, err
	}
	o.store.Load()
	snapshot, err := o.remote.RemoteVersions(ctx)
	if err != nil {
		return nil, err
	}

	var out []FileStatus
	for _, cat := range shared.Categories() {
		entries := o.store.Category(user, cat)
		if _, err := o.workspace.Refresh(cat, entries); err != nil {
			return nil, fmt.Errorf("refreshing %s: %w", cat, err)
		}
		index := indexRemotes(snapshot.For(cat))
		for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
			remote := index.match(pair.Key, pair.Value)
			out = append(out, FileStatus{
				Category: cat,
				Key:      pair.Key,
				State:    Classify(pair.Value, remote),
				Local:    pair.Value,
				Remote:   remote,
			})
		}
		for _, remote := range index.unmatched() {
			out = append(out, FileStatus{
				Category: cat,
				Key:      remote.Name,
				State:    shared.StateRemoteAhead,
				Remote:   remote,
			})
		}
	}
	return out, nil
}

// ResolveConflict settles one file. KeepLocal makes the current remote head
// the parent and pushes local content over it; KeepRemote pulls.
func (o *Orchestrator) ResolveConflict(ctx context.Context, user string, cat shared.Category, key string, res Resolution) (shared.SyncResponse, error) {
	release, err := o.begin()
	if err != nil {
		return shared.SyncResponse{}, err
	}
	defer release()

	entries, local, remote, err := o.lookup(ctx, user, cat, key)
	if err != nil {
		return shared.SyncResponse{}, err
	}
	if remote == nil {
		return shared.SyncResponse{}, apperrors.NotFound(fmt.Sprintf("%s/%s has no remote record", cat, key))
	}

	var (
		resp    shared.SyncResponse
		updated *shared.LocalFileMeta
	)
	switch res {
	case KeepRemote:
		resp, updated = o.dispatcher.Pull(ctx, cat, key, local, remote)
	case KeepLocal:
		// The remote head becomes the confirmed common point; local
		// content is now strictly ahead of it.
		base := local.Clone()
		base.ID = shared.Some(remote.ID)
		base.ParentHash = shared.Some(remote.HeadVersionHash)
		base.HeadVersionHash = shared.Some(remote.HeadVersionHash)
		base.HeadVersionID = shared.Some(remote.HeadVersionID)
		base.HasConflict = false
		entries.Set(key, base)

		resp, updated = o.dispatcher.Dispatch(ctx, cat, key, base, remote)
	default:
		return shared.SyncResponse{}, apperrors.ValidationError(fmt.Sprintf("unknown resolution %d", res), nil)
	}
	if updated != nil {
		entries.Set(key, updated)
	}

	if err := o.store.Commit(user, cat, entries); err != nil {
		return resp, fmt.Errorf("committing %s: %w", cat, err)
	}
	o.logger.Info("conflict resolved",
		zap.String("category", string(cat)),
		zap.String("key", key),
		zap.Stringer("resolution", res),
		zap.String("status", string(resp.Status)),
	)
	return resp, nil
}

// Compare loads base, local and remote content of one file
func (o *Orchestrator) Compare(ctx context.Context, user string, cat shared.Category, key string) (*Comparison, error) {
	_, local, remote, err := o.lookup(ctx, user, cat, key)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{Key: key, State: Classify(local, remote)}
	if cmp.Local, err = o.workspace.Read(local); err != nil {
		return nil, err
	}
	if remote != nil {
		if cmp.Remote, err = o.remote.Download(ctx, remote.RemoteFileURL); err != nil {
			return nil, err
		}
	}
	if parent, ok := local.ParentHash.Get(); ok && o.snapshots != nil {
		base, err := o.snapshots.Get(parent)
		if err != nil {
			o.logger.Debug("base content unavailable", zap.String("hash", string(parent)), zap.Error(err))
		} else {
			cmp.Base = base
		}
	}
	return cmp, nil
}

// Untrack stops syncing a file: the remote record, the local record and
// the local content are all removed.
func (o *Orchestrator) Untrack(ctx context.Context, user string, cat shared.Category, key string) error {
	release, err := o.begin()
	if err != nil {
		return err
	}
	defer release()

	if err := o.authenticate(ctx); err != nil {
		return err
	}
	o.store.Load()
	local, ok := o.store.Get(user, cat, key)
	if !ok {
		return apperrors.NotFound(fmt.Sprintf("file not tracked: %s/%s", cat, key))
	}

	if id, ok := local.ID.Get(); ok {
		if err := o.remote.DeleteFile(ctx, cat, id); err != nil {
			return err
		}
	}
	if err := o.workspace.Remove(local); err != nil {
		return err
	}
	if _, err := o.store.Untrack(user, cat, key); err != nil {
		return err
	}
	o.logger.Info("file untracked", zap.String("category", string(cat)), zap.String("key", key))
	return nil
}

// lookup returns the refreshed entries of a category with one entry and
// its remote counterpart
func (o *Orchestrator) lookup(ctx context.Context, user string, cat shared.Category, key string) (*version.Entries, *shared.LocalFileMeta, *shared.RemoteFileMeta, error) {
	if err := o.authenticate(ctx); err != nil {
		return nil, nil, nil, err
	}
	o.store.Load()
	entries := o.store.Category(user, cat)
	local, ok := entries.Get(key)
	if !ok || local == nil {
		return nil, nil, nil, apperrors.NotFound(fmt.Sprintf("file not tracked: %s/%s", cat, key))
	}
	unreadable, err := o.workspace.Refresh(cat, entries)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("refreshing %s: %w", cat, err)
	}
	if err, ok := unreadable[key]; ok {
		return nil, nil, nil, err
	}

	snapshot, err := o.remote.RemoteVersions(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	remote := indexRemotes(snapshot.For(cat)).match(key, local)
	if rebound := o.rebind(cat, key, local, remote); rebound != local {
		local = rebound
		entries.Set(key, local)
	}
	return entries, local, remote, nil
}

// rebind points an entry at the remote record it was matched to by name
// after its stored remote id disappeared, as happens when another device
// untracks a file and creates it again. The old head version id belongs to
// the deleted record and is dropped.
func (o *Orchestrator) rebind(cat shared.Category, key string, local *shared.LocalFileMeta, remote *shared.RemoteFileMeta) *shared.LocalFileMeta {
	id, ok := local.ID.Get()
	if !ok || remote == nil || remote.ID == id {
		return local
	}
	o.logger.Info("remote file recreated under a new id",
		zap.String("category", string(cat)),
		zap.String("key", key),
		zap.Int64("old_id", id),
		zap.Int64("new_id", remote.ID),
	)
	m := local.Clone()
	m.ID = shared.Some(remote.ID)
	m.HeadVersionID = shared.None[int64]()
	return m
}

// remoteIndex matches local entries to remote records, by remote id when
// the entry has one and by file name otherwise or when that id is gone
type remoteIndex struct {
	list    []shared.RemoteFileMeta
	byID    map[int64]int
	byName  map[string]int
	matched map[int]bool
}

func indexRemotes(list []shared.RemoteFileMeta) *remoteIndex {
	idx := &remoteIndex{
		list:    list,
		byID:    make(map[int64]int, len(list)),
		byName:  make(map[string]int, len(list)),
		matched: make(map[int]bool),
	}
	for i, r := range list {
		idx.byID[r.ID] = i
		if _, dup := idx.byName[r.Name]; !dup {
			idx.byName[r.Name] = i
		}
	}
	return idx
}

func (x *remoteIndex) match(key string, local *shared.LocalFileMeta) *shared.RemoteFileMeta {
	if id, ok := local.ID.Get(); ok {
		if i, found := x.byID[id]; found {
			return x.claim(i)
		}
	}
	if i, found := x.byName[key]; found {
		return x.claim(i)
	}
	return nil
}

func (x *remoteIndex) claim(i int) *shared.RemoteFileMeta {
	if x.matched[i] {
		return nil
	}
	x.matched[i] = true
	return &x.list[i]
}

// unmatched returns the remote records no local entry claimed, in
// snapshot order
func (x *remoteIndex) unmatched() []*shared.RemoteFileMeta {
	var out []*shared.RemoteFileMeta
	for i := range x.list {
		if !x.matched[i] {
			out = append(out, &x.list[i])
		}
	}
	return out
}
