package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/model"
)

// Memory is an in-memory Store used by tests and dev mode. It mirrors the
// Postgres semantics (CAS master versions, atomic lock claims, the
// single-active-batch index, upload ordering) but offers no rollback:
// WithinTx simply runs fn against the same maps.
type Memory struct {
	mu      sync.Mutex
	lockTTL time.Duration
	now     func() time.Time

	groups   map[string]model.SharingGroup
	members  map[string]map[int64]model.Permission
	versions map[string]int64
	locks    map[string]model.Lock
	files    map[string]map[string]*model.FileIndex
	uploads  map[int64]*model.Upload
	deferred map[int64]*model.DeferredUpload

	nextUploadID   int64
	nextDeferredID int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory(lockTTL time.Duration) *Memory {
	return &Memory{
		lockTTL:  lockTTL,
		now:      func() time.Time { return time.Now().UTC() },
		groups:   make(map[string]model.SharingGroup),
		members:  make(map[string]map[int64]model.Permission),
		versions: make(map[string]int64),
		locks:    make(map[string]model.Lock),
		files:    make(map[string]map[string]*model.FileIndex),
		uploads:  make(map[int64]*model.Upload),
		deferred: make(map[int64]*model.DeferredUpload),
	}
}

func (m *Memory) WithinTx(ctx context.Context, fn func(Stores) error) error {
	return fn(m)
}

// SetNow overrides the store clock, for tests.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) SharingGroups() SharingGroupStore     { return &memSharingGroups{m} }
func (m *Memory) MasterVersions() MasterVersionStore   { return &memMasterVersions{m} }
func (m *Memory) Locks() LockStore                     { return &memLocks{m} }
func (m *Memory) FileIndex() FileIndexStore            { return &memFileIndex{m} }
func (m *Memory) Uploads() UploadStore                 { return &memUploads{m} }
func (m *Memory) DeferredUploads() DeferredUploadStore { return &memDeferredUploads{m} }

type memSharingGroups struct{ m *Memory }

func (s *memSharingGroups) Create(ctx context.Context, g model.SharingGroup) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.m.now()
	}
	s.m.groups[g.UUID] = g
	s.m.versions[g.UUID] = 0
	return nil
}

func (s *memSharingGroups) Get(ctx context.Context, sharingGroupUUID string) (*model.SharingGroup, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	g, ok := s.m.groups[sharingGroupUUID]
	if !ok {
		return nil, ErrNotFound
	}
	out := g
	return &out, nil
}

func (s *memSharingGroups) AddUser(ctx context.Context, u model.SharingGroupUser) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.members[u.SharingGroupUUID] == nil {
		s.m.members[u.SharingGroupUUID] = make(map[int64]model.Permission)
	}
	s.m.members[u.SharingGroupUUID][u.UserID] = u.Permission
	return nil
}

func (s *memSharingGroups) Permission(ctx context.Context, userID int64, sharingGroupUUID string) (model.Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.members[sharingGroupUUID][userID]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

type memMasterVersions struct{ m *Memory }

func (s *memMasterVersions) Lookup(ctx context.Context, sharingGroupUUID string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	v, ok := s.m.versions[sharingGroupUUID]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (s *memMasterVersions) UpdateToNext(ctx context.Context, sharingGroupUUID string, expected int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	v, ok := s.m.versions[sharingGroupUUID]
	if !ok || v != expected {
		return ErrVersionMismatch
	}
	s.m.versions[sharingGroupUUID] = v + 1
	return nil
}

type memLocks struct{ m *Memory }

func (s *memLocks) Acquire(ctx context.Context, scopeKey, holderUUID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now()
	if l, ok := s.m.locks[scopeKey]; ok {
		if now.Sub(l.CreatedAt) <= s.m.lockTTL {
			return ErrLockHeld
		}
		delete(s.m.locks, scopeKey)
	}
	s.m.locks[scopeKey] = model.Lock{ScopeKey: scopeKey, HolderUUID: holderUUID, CreatedAt: now}
	return nil
}

func (s *memLocks) Release(ctx context.Context, scopeKey string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.locks, scopeKey)
	return nil
}

type memFileIndex struct{ m *Memory }

func (s *memFileIndex) Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*model.FileIndex, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	fi, ok := s.m.files[sharingGroupUUID][fileUUID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *fi
	return &out, nil
}

func (s *memFileIndex) List(ctx context.Context, sharingGroupUUID string) ([]model.FileIndex, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var result []model.FileIndex
	for _, fi := range s.m.files[sharingGroupUUID] {
		result = append(result, *fi)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FileUUID < result[j].FileUUID })
	return result, nil
}

func (s *memFileIndex) GroupMembers(ctx context.Context, sharingGroupUUID, fileGroupUUID string) ([]model.FileIndex, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var result []model.FileIndex
	for _, fi := range s.m.files[sharingGroupUUID] {
		if fi.FileGroupUUID != nil && *fi.FileGroupUUID == fileGroupUUID {
			result = append(result, *fi)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FileUUID < result[j].FileUUID })
	return result, nil
}

func (s *memFileIndex) Create(ctx context.Context, fi *model.FileIndex) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now()
	fi.CreatedAt = now
	fi.UpdatedAt = now
	if s.m.files[fi.SharingGroupUUID] == nil {
		s.m.files[fi.SharingGroupUUID] = make(map[string]*model.FileIndex)
	}
	stored := *fi
	s.m.files[fi.SharingGroupUUID][fi.FileUUID] = &stored
	return nil
}

func (s *memFileIndex) BumpVersion(ctx context.Context, sharingGroupUUID, fileUUID string, newVersion int32, checksum string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	fi, ok := s.m.files[sharingGroupUUID][fileUUID]
	if !ok || fi.FileVersion >= newVersion {
		return nil
	}
	fi.FileVersion = newVersion
	fi.Checksum = checksum
	fi.UpdatedAt = s.m.now()
	return nil
}

func (s *memFileIndex) MarkDeleted(ctx context.Context, sharingGroupUUID, fileUUID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	fi, ok := s.m.files[sharingGroupUUID][fileUUID]
	if !ok {
		return nil
	}
	fi.Deleted = true
	fi.UpdatedAt = s.m.now()
	return nil
}

type memUploads struct{ m *Memory }

func (s *memUploads) Create(ctx context.Context, u *model.Upload) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.nextUploadID++
	u.ID = s.m.nextUploadID
	u.CreatedAt = s.m.now()
	stored := *u
	s.m.uploads[u.ID] = &stored
	return nil
}

func (s *memUploads) LookupExisting(ctx context.Context, sharingGroupUUID, fileUUID, deviceUUID string, state model.UploadState, uploadIndex int32) (*model.Upload, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var found *model.Upload
	for _, u := range s.m.uploads {
		if u.SharingGroupUUID == sharingGroupUUID && u.FileUUID == fileUUID &&
			u.DeviceUUID == deviceUUID && u.State == state && u.UploadIndex == uploadIndex {
			if found == nil || u.ID > found.ID {
				found = u
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	return &out, nil
}

func (s *memUploads) ForDeferred(ctx context.Context, deferredIDs []int64) ([]model.Upload, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ids := make(map[int64]bool, len(deferredIDs))
	for _, id := range deferredIDs {
		ids[id] = true
	}
	var result []model.Upload
	for _, u := range s.m.uploads {
		if u.DeferredUploadID != nil && ids[*u.DeferredUploadID] {
			result = append(result, *u)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if *a.DeferredUploadID != *b.DeferredUploadID {
			return *a.DeferredUploadID < *b.DeferredUploadID
		}
		if a.UploadIndex != b.UploadIndex {
			return a.UploadIndex < b.UploadIndex
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (s *memUploads) Consume(ctx context.Context, rowIDs []int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, id := range rowIDs {
		delete(s.m.uploads, id)
	}
	return nil
}

func (s *memUploads) PendingDeletionExists(ctx context.Context, sharingGroupUUID, fileUUID string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.uploads {
		if u.SharingGroupUUID != sharingGroupUUID || u.FileUUID != fileUUID ||
			u.State != model.StateDeleteSingleFile || u.DeferredUploadID == nil {
			continue
		}
		if d, ok := s.m.deferred[*u.DeferredUploadID]; ok && d.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

type memDeferredUploads struct{ m *Memory }

func (s *memDeferredUploads) Create(ctx context.Context, d *model.DeferredUpload) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.deferred {
		if existing.SharingGroupUUID == d.SharingGroupUUID &&
			sameKey(existing.FileGroupUUID, d.FileGroupUUID) && existing.Status.Active() {
			return ErrBatchActive
		}
	}
	s.m.nextDeferredID++
	d.ID = s.m.nextDeferredID
	d.CreatedAt = s.m.now()
	stored := *d
	s.m.deferred[d.ID] = &stored
	return nil
}

func (s *memDeferredUploads) Get(ctx context.Context, id int64) (*model.DeferredUpload, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	d, ok := s.m.deferred[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

func (s *memDeferredUploads) ActiveForKey(ctx context.Context, sharingGroupUUID string, fileGroupUUID *string) (*model.DeferredUpload, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, d := range s.m.deferred {
		if d.SharingGroupUUID == sharingGroupUUID && sameKey(d.FileGroupUUID, fileGroupUUID) && d.Status.Active() {
			out := *d
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memDeferredUploads) ListActive(ctx context.Context) ([]model.DeferredUpload, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var result []model.DeferredUpload
	for _, d := range s.m.deferred {
		if d.Status.Active() {
			result = append(result, *d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memDeferredUploads) SetStatus(ctx context.Context, ids []int64, status model.DeferredStatus) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, id := range ids {
		if d, ok := s.m.deferred[id]; ok {
			d.Status = status
		}
	}
	return nil
}

func sameKey(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
