// Package blobhost is a reference implementation of the dumb versioned
// blob host the sync layer talks to: one opaque, versioned, encrypted
// snapshot per room, no server-side business logic. It backs the
// `chartsync serve` development command and the client integration tests.
package blobhost

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/chartsync/internal/types"
)

// ErrNotFound indicates an unknown blob id or version handle.
var ErrNotFound = errors.New("blob not found")

// version is one immutable pushed revision.
type version struct {
	handle      string
	description string
	blob        string
	pushedAt    time.Time
	deviceTag   string
	sizeBytes   int64
}

// blobRecord is one room's blob with its full version history.
type blobRecord struct {
	id          string
	fingerprint string
	versions    []version // newest last
}

// Memory is an in-memory versioned blob store. Pushes append versions;
// nothing is ever overwritten.
type Memory struct {
	mu     sync.RWMutex
	byID   map[string]*blobRecord
	byRoom map[string]*blobRecord
	// now is swappable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[string]*blobRecord),
		byRoom: make(map[string]*blobRecord),
		now:    time.Now,
	}
}

// Find returns the blob id for a room fingerprint, or "" when unknown.
func (m *Memory) Find(roomFingerprint string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.byRoom[roomFingerprint]; ok {
		return rec.id
	}
	return ""
}

// Push appends a new version, creating the blob when blobID is empty.
// The room index is built from the fingerprint embedded in the
// description, when present.
func (m *Memory) Push(blobID, description, blob string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rec *blobRecord
	if blobID == "" {
		rec = &blobRecord{id: ulid.Make().String()}
		m.byID[rec.id] = rec
	} else {
		var ok bool
		rec, ok = m.byID[blobID]
		if !ok {
			return "", ErrNotFound
		}
	}

	v := version{
		handle:      ulid.Make().String(),
		description: description,
		blob:        blob,
		pushedAt:    m.now().UTC(),
		sizeBytes:   int64(len(blob)),
	}
	if desc := types.ParseRoomDescription(description); desc != nil {
		v.deviceTag = desc.DeviceTag
		if rec.fingerprint == "" {
			rec.fingerprint = desc.RoomFingerprint
			m.byRoom[desc.RoomFingerprint] = rec
		}
	}
	rec.versions = append(rec.versions, v)

	return rec.id, nil
}

// Check returns the newest version's description and push time.
func (m *Memory) Check(blobID string) (description string, updatedAt time.Time, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[blobID]
	if !ok || len(rec.versions) == 0 {
		return "", time.Time{}, ErrNotFound
	}
	newest := rec.versions[len(rec.versions)-1]
	return newest.description, newest.pushedAt, nil
}

// Pull returns a version's blob content; an empty or "latest" handle
// means the newest version.
func (m *Memory) Pull(blobID, versionHandle string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[blobID]
	if !ok || len(rec.versions) == 0 {
		return "", ErrNotFound
	}

	if versionHandle == "" || versionHandle == types.VersionHandleLatest {
		return rec.versions[len(rec.versions)-1].blob, nil
	}
	for _, v := range rec.versions {
		if v.handle == versionHandle {
			return v.blob, nil
		}
	}
	return "", ErrNotFound
}

// Versions returns up to count versions, newest first.
func (m *Memory) Versions(blobID string, count int) ([]types.RemoteVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[blobID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]types.RemoteVersion, 0, len(rec.versions))
	for i := len(rec.versions) - 1; i >= 0; i-- {
		if count > 0 && len(out) >= count {
			break
		}
		v := rec.versions[i]
		out = append(out, types.RemoteVersion{
			Handle:    v.handle,
			PushedAt:  v.pushedAt,
			DeviceTag: v.deviceTag,
			SizeBytes: v.sizeBytes,
		})
	}
	return out, nil
}
