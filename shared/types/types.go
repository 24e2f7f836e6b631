package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Category partitions synchronizable files
type Category string

const (
	CategoryThemes   Category = "themes"
	CategorySettings Category = "settings"
)

// Categories returns every category in a fixed order
func Categories() []Category {
	return []Category{CategoryThemes, CategorySettings}
}

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryThemes, CategorySettings:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Hash is a lowercase hex SHA-256 content hash
type Hash string

// Option holds a value that may be absent. Absent values encode as JSON null.
type Option[T any] struct {
	value T
	ok    bool
}

func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

func (o Option[T]) IsSome() bool {
	return o.ok
}

// OrZero returns the value or the zero value of T
func (o Option[T]) OrZero() T {
	return o.value
}

func (o Option[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Option[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Option[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

func (o Option[T]) String() string {
	if !o.ok {
		return "<none>"
	}
	return fmt.Sprint(o.value)
}

// HashMatches reports whether o is set and equal to h. An unset option
// never matches, including the empty hash.
func HashMatches(o Option[Hash], h Hash) bool {
	v, ok := o.Get()
	return ok && v == h
}

// LocalFileMeta is the local bookkeeping for one synchronizable file
type LocalFileMeta struct {
	ID              Option[int64] `json:"id"`
	FileName        string        `json:"fileName"`
	LocalFilePath   string        `json:"localFilePath"`
	LocalCommitHash Hash          `json:"localCommitHash"`
	ParentHash      Option[Hash]  `json:"parentHash"`
	HeadVersionHash Option[Hash]  `json:"headVersionHash"`
	HeadVersionID   Option[int64] `json:"headVersionId"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	IsDirty         bool          `json:"isDirty"`
	HasConflict     bool          `json:"hasConflict"`
}

// Clone returns a copy that can be mutated independently
func (m *LocalFileMeta) Clone() *LocalFileMeta {
	c := *m
	return &c
}

// RemoteFileMeta is the server-reported state of one file
type RemoteFileMeta struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	HeadVersionHash Hash         `json:"headVersionHash"`
	HeadVersionID   int64        `json:"headVersionId"`
	ParentHash      Option[Hash] `json:"parentHash"`
	RemoteFileURL   string       `json:"remoteFileUrl"`
}

// RemoteSnapshot is the body of GET /remote-version
type RemoteSnapshot struct {
	Themes   []RemoteFileMeta `json:"themes"`
	Settings []RemoteFileMeta `json:"settings"`
}

// For returns the remote records of one category
func (s *RemoteSnapshot) For(c Category) []RemoteFileMeta {
	if s == nil {
		return nil
	}
	switch c {
	case CategoryThemes:
		return s.Themes
	case CategorySettings:
		return s.Settings
	}
	return nil
}

// SyncState is the classification of one file against the remote
type SyncState int

const (
	StateUntracked SyncState = iota
	StateUpToDate
	StateLocalAhead
	StateRemoteAhead
	StateConflict
)

func (s SyncState) String() string {
	switch s {
	case StateUntracked:
		return "UNTRACKED"
	case StateUpToDate:
		return "UP_TO_DATE"
	case StateLocalAhead:
		return "LOCAL_AHEAD"
	case StateRemoteAhead:
		return "REMOTE_AHEAD"
	case StateConflict:
		return "CONFLICT"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the outcome tag of one file in a sync pass
type Status string

const (
	StatusPushed   Status = "PUSHED"
	StatusPulled   Status = "PULLED"
	StatusUpToDate Status = "UP_TO_DATE"
	StatusConflict Status = "CONFLICT"
	StatusError    Status = "ERROR"
)

// ConflictInfo carries both sides of a conflict so a caller can let a
// human choose
type ConflictInfo struct {
	LocalCommitHash  Hash         `json:"localCommitHash"`
	LocalParentHash  Option[Hash] `json:"localParentHash"`
	RemoteHeadHash   Hash         `json:"remoteHeadHash"`
	RemoteParentHash Option[Hash] `json:"remoteParentHash"`
	RemoteFileURL    string       `json:"remoteFileUrl"`
}

// SyncResponse is the per-file result of a sync pass. It is not persisted.
type SyncResponse struct {
	Key        string        `json:"key"`
	FileName   string        `json:"fileName"`
	FileID     Option[int64] `json:"fileId"`
	Type       Category      `json:"type"`
	State      SyncState     `json:"state"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Conflict   *ConflictInfo `json:"conflict,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// SyncResult is returned by a full sync pass
type SyncResult struct {
	Success bool           `json:"success"`
	Data    []SyncResponse `json:"data"`
}
