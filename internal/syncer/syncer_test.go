package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/chartsync/internal/envelope"
	"github.com/hyperengineering/chartsync/internal/remote"
	"github.com/hyperengineering/chartsync/internal/store"
	"github.com/hyperengineering/chartsync/internal/types"
)

// fakeRemote is a controllable remote.Store. Check answers from confirmAt
// after any push so the confirmation round trip can be scripted.
type fakeRemote struct {
	findID   string
	check    *remote.CheckResult
	checkErr error
	blob     string
	pullErr  error
	versions []types.RemoteVersion

	pushErr    error
	pushCount  int
	pullCount  int
	confirmAt  time.Time
	confirmErr error
}

var _ remote.Store = (*fakeRemote)(nil)

func (f *fakeRemote) Find(ctx context.Context, roomFingerprint string) (string, error) {
	return f.findID, nil
}

func (f *fakeRemote) Push(ctx context.Context, blobID, description, blob string) (string, error) {
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.pushCount++
	f.blob = blob
	if blobID == "" {
		blobID = "blob-fake-1"
	}
	return blobID, nil
}

func (f *fakeRemote) Check(ctx context.Context, blobID string) (*remote.CheckResult, error) {
	if f.pushCount > 0 {
		if f.confirmErr != nil {
			return nil, f.confirmErr
		}
		return &remote.CheckResult{UpdatedAt: f.confirmAt}, nil
	}
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	return f.check, nil
}

func (f *fakeRemote) Pull(ctx context.Context, blobID, versionHandle string) (string, error) {
	if f.pullErr != nil {
		return "", f.pullErr
	}
	f.pullCount++
	return f.blob, nil
}

func (f *fakeRemote) ListVersions(ctx context.Context, blobID string, count int) ([]types.RemoteVersion, error) {
	return f.versions, nil
}

func newTestLocal(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chartsync.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestConfig(t *testing.T) *types.SyncConfig {
	t.Helper()
	cfg, err := types.BuildSyncConfig("ward-seven", "Phone", "")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func remoteDescription(t *testing.T, secret, label string, pushedAt time.Time) string {
	t.Helper()
	cfg, err := types.BuildSyncConfig(secret, label, "")
	if err != nil {
		t.Fatal(err)
	}
	desc, err := cfg.Describe(pushedAt, 64)
	if err != nil {
		t.Fatal(err)
	}
	return desc
}

func encryptPayload(t *testing.T, secret string, payload *types.SyncPayload) string {
	t.Helper()
	opaque, err := envelope.Encrypt(payload, secret)
	if err != nil {
		t.Fatal(err)
	}
	return opaque
}

func insertPatientAt(t *testing.T, st *store.SQLiteStore, name string, at time.Time) {
	t.Helper()
	_, err := st.InsertPatient(context.Background(), types.PatientRecord{
		Name:      name,
		CreatedAt: at,
		UpdatedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSynchronize_NotConfigured(t *testing.T) {
	s := New(newTestLocal(t), &fakeRemote{})

	_, err := s.Synchronize(context.Background(), &types.SyncConfig{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

func TestSynchronize_FreshRoomBootstrap(t *testing.T) {
	st := newTestLocal(t)
	confirmAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{confirmAt: confirmAt}
	s := New(st, fr)
	cfg := newTestConfig(t)
	ctx := context.Background()

	insertPatientAt(t, st, "Avery", confirmAt.Add(-time.Hour))

	res, err := s.Synchronize(ctx, cfg)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.State != StatePushed {
		t.Fatalf("state = %s, want pushed", res.State)
	}
	if cfg.RemoteBlobID == "" {
		t.Error("blob id not adopted after bootstrap push")
	}
	if cfg.LastSyncedAt != confirmAt.Format(time.RFC3339) {
		t.Errorf("lastSyncedAt = %q, want remote confirm time", cfg.LastSyncedAt)
	}

	// The uploaded blob decrypts back to the local snapshot.
	var payload types.SyncPayload
	if err := envelope.Decrypt(fr.blob, cfg.RoomSecret, &payload); err != nil {
		t.Fatalf("decrypt pushed blob: %v", err)
	}
	if payload.DeviceTag != cfg.DeviceTag {
		t.Errorf("payload device tag = %q, want %q", payload.DeviceTag, cfg.DeviceTag)
	}
	if len(payload.Patients) != 1 || payload.Patients[0].Name != "Avery" {
		t.Errorf("payload patients = %+v", payload.Patients)
	}

	// The adopted identity survives a restart.
	reloaded, err := st.LoadSyncConfig(ctx)
	if err != nil || reloaded == nil {
		t.Fatalf("reload config: %v, %v", reloaded, err)
	}
	if reloaded.RemoteBlobID != cfg.RemoteBlobID {
		t.Errorf("persisted blob id = %q, want %q", reloaded.RemoteBlobID, cfg.RemoteBlobID)
	}
}

func TestSynchronize_DiscoveryYieldsFirstSyncChoice(t *testing.T) {
	st := newTestLocal(t)
	pushedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{
		findID: "blob-9",
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", pushedAt),
			UpdatedAt:   pushedAt,
		},
		versions: []types.RemoteVersion{
			{Handle: "v2", PushedAt: pushedAt},
			{Handle: "v1", PushedAt: pushedAt.Add(-time.Hour)},
		},
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	ctx := context.Background()

	res, err := s.Synchronize(ctx, cfg)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.State != StateFirstSyncChoice {
		t.Fatalf("state = %s, want first-sync-choice", res.State)
	}
	if len(res.Versions) != 2 {
		t.Errorf("offered %d versions, want 2", len(res.Versions))
	}
	if fr.pushCount != 0 || fr.pullCount != 0 {
		t.Error("first sync choice must not move data")
	}

	reloaded, err := st.LoadSyncConfig(ctx)
	if err != nil || reloaded == nil {
		t.Fatalf("reload config: %v, %v", reloaded, err)
	}
	if reloaded.RemoteBlobID != "blob-9" {
		t.Errorf("discovered blob id not persisted: %q", reloaded.RemoteBlobID)
	}
}

func TestSynchronize_LinkedUnresolvedSynthesizesLatest(t *testing.T) {
	pushedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", pushedAt),
			UpdatedAt:   pushedAt,
		},
		// No version history available from this store.
	}
	s := New(newTestLocal(t), fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"

	res, err := s.Synchronize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.State != StateFirstSyncChoice {
		t.Fatalf("state = %s, want first-sync-choice", res.State)
	}
	if len(res.Versions) != 1 || res.Versions[0].Handle != types.VersionHandleLatest {
		t.Fatalf("versions = %+v, want single synthesized latest", res.Versions)
	}
	if res.Versions[0].DeviceTag == "" {
		t.Error("synthesized version missing device tag from check metadata")
	}
}

func TestSynchronize_IdempotentNoOp(t *testing.T) {
	st := newTestLocal(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Phone", t0),
			UpdatedAt:   t0,
		},
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = t0.Format(time.RFC3339)

	insertPatientAt(t, st, "Avery", t0.Add(-time.Hour))

	for i := 0; i < 2; i++ {
		res, err := s.Synchronize(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Synchronize #%d: %v", i+1, err)
		}
		if res.State != StateNoOp {
			t.Fatalf("Synchronize #%d state = %s, want no-op", i+1, res.State)
		}
	}
	if fr.pushCount != 0 || fr.pullCount != 0 {
		t.Error("no-op must not move data")
	}
}

func TestSynchronize_OneSidedPull(t *testing.T) {
	st := newTestLocal(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t0.Add(2 * time.Hour)

	theirs := &types.SyncPayload{
		SchemaVersion: types.SchemaVersion,
		ExportedAt:    t2,
		DeviceTag:     "other-Laptop",
		Patients: []types.PatientRecord{
			{ID: "p1", Name: "Rowan", CreatedAt: t0, UpdatedAt: t0},
		},
		Notes: []types.NoteRecord{
			{ID: "n1", PatientID: "p1", NoteDate: "2026-03-01", Body: "stable", CreatedAt: t0, UpdatedAt: t0},
		},
	}
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", t2),
			UpdatedAt:   t2,
		},
		blob: encryptPayload(t, "ward-seven", theirs),
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = t0.Format(time.RFC3339)

	// Local data exists but predates the last sync.
	insertPatientAt(t, st, "Avery", t0.Add(-time.Hour))

	res, err := s.Synchronize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.State != StatePulled {
		t.Fatalf("state = %s, want pulled", res.State)
	}
	// Stamped from the remote store's clock, not the local wall clock.
	if cfg.LastSyncedAt != t2.Format(time.RFC3339) {
		t.Errorf("lastSyncedAt = %q, want %q", cfg.LastSyncedAt, t2.Format(time.RFC3339))
	}

	payload, err := st.ExportAll(context.Background(), cfg.DeviceTag)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Patients) != 1 || payload.Patients[0].Name != "Rowan" {
		t.Errorf("local patients after pull = %+v", payload.Patients)
	}
	if len(payload.Notes) != 1 || payload.Notes[0].Body != "stable" {
		t.Errorf("local notes after pull = %+v", payload.Notes)
	}
}

func TestSynchronize_Conflict(t *testing.T) {
	st := newTestLocal(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", t2),
			UpdatedAt:   t2,
		},
		versions: []types.RemoteVersion{{Handle: "v9", PushedAt: t2, DeviceTag: "other-Laptop"}},
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = t0.Format(time.RFC3339)

	insertPatientAt(t, st, "Avery", t1)

	res, err := s.Synchronize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.State != StateConflict {
		t.Fatalf("state = %s, want conflict", res.State)
	}
	if len(res.Versions) == 0 {
		t.Error("conflict offered no remote versions")
	}
	if fr.pushCount != 0 || fr.pullCount != 0 {
		t.Error("conflict must not move data before resolution")
	}
	if cfg.LastSyncedAt != t0.Format(time.RFC3339) {
		t.Error("conflict must not advance lastSyncedAt")
	}
}

func TestSynchronize_RoomMismatchIsFatal(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "another-room-entirely", "Laptop", t0),
			UpdatedAt:   t0,
		},
	}
	s := New(newTestLocal(t), fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = t0.Format(time.RFC3339)

	_, err := s.Synchronize(context.Background(), cfg)
	if !errors.Is(err, ErrRoomMismatch) {
		t.Errorf("got %v, want ErrRoomMismatch", err)
	}
	if fr.pushCount != 0 || fr.pullCount != 0 {
		t.Error("room mismatch must not move data")
	}
}

func TestSynchronize_CheckFailureTriggersOptimisticPush(t *testing.T) {
	st := newTestLocal(t)
	confirmAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{
		checkErr:  remote.ErrUnreachable,
		confirmAt: confirmAt,
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = confirmAt.Add(-time.Hour).Format(time.RFC3339)

	res, err := s.Synchronize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if res.State != StatePushed {
		t.Errorf("state = %s, want pushed", res.State)
	}
}

func TestSynchronize_PushUnconfirmed(t *testing.T) {
	st := newTestLocal(t)
	fr := &fakeRemote{confirmErr: remote.ErrUnreachable}
	s := New(st, fr)
	cfg := newTestConfig(t)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, cfg)
	if !errors.Is(err, ErrPushUnconfirmed) {
		t.Fatalf("got %v, want ErrPushUnconfirmed", err)
	}
	if cfg.LastSyncedAt != "" {
		t.Error("unconfirmed push must not stamp lastSyncedAt")
	}

	// The blob id still persists so a retry targets the same blob.
	reloaded, err := st.LoadSyncConfig(ctx)
	if err != nil || reloaded == nil {
		t.Fatalf("reload config: %v, %v", reloaded, err)
	}
	if reloaded.RemoteBlobID == "" {
		t.Error("blob id not persisted after unconfirmed push")
	}
}

func TestResolveKeepLocal(t *testing.T) {
	st := newTestLocal(t)
	confirmAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fr := &fakeRemote{confirmAt: confirmAt}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"

	insertPatientAt(t, st, "Avery", confirmAt.Add(-time.Hour))

	res, err := s.ResolveKeepLocal(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ResolveKeepLocal: %v", err)
	}
	if res.State != StatePushed {
		t.Errorf("state = %s, want pushed", res.State)
	}
	if fr.pushCount != 1 {
		t.Errorf("pushCount = %d, want 1", fr.pushCount)
	}
	if cfg.LastSyncedAt != confirmAt.Format(time.RFC3339) {
		t.Errorf("lastSyncedAt = %q, want confirm time", cfg.LastSyncedAt)
	}
}

func TestResolveWithVersion(t *testing.T) {
	st := newTestLocal(t)
	t2 := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	theirs := &types.SyncPayload{
		SchemaVersion: types.SchemaVersion,
		ExportedAt:    t2,
		DeviceTag:     "other-Laptop",
		Patients:      []types.PatientRecord{{ID: "p1", Name: "Rowan"}},
	}
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", t2),
			UpdatedAt:   t2,
		},
		blob: encryptPayload(t, "ward-seven", theirs),
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"

	res, err := s.ResolveWithVersion(context.Background(), cfg, "v1")
	if err != nil {
		t.Fatalf("ResolveWithVersion: %v", err)
	}
	if res.State != StatePulled {
		t.Fatalf("state = %s, want pulled", res.State)
	}
	// Adopting a version never re-pushes it.
	if fr.pushCount != 0 {
		t.Error("ResolveWithVersion must not push")
	}
	if cfg.LastSyncedAt != t2.Format(time.RFC3339) {
		t.Errorf("lastSyncedAt = %q, want remote time", cfg.LastSyncedAt)
	}

	patients, _, err := st.CountRecords(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if patients != 1 {
		t.Errorf("local patients = %d, want 1", patients)
	}
}

func TestResolveWithVersion_Unlinked(t *testing.T) {
	s := New(newTestLocal(t), &fakeRemote{})
	cfg := newTestConfig(t)

	_, err := s.ResolveWithVersion(context.Background(), cfg, "v1")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

func TestPull_WrongSecretDoesNotTouchLocal(t *testing.T) {
	st := newTestLocal(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t0.Add(2 * time.Hour)

	theirs := &types.SyncPayload{SchemaVersion: types.SchemaVersion}
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", t2),
			UpdatedAt:   t2,
		},
		blob: encryptPayload(t, "a-different-secret", theirs),
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = t0.Format(time.RFC3339)

	insertPatientAt(t, st, "Avery", t0.Add(-time.Hour))

	_, err := s.Synchronize(context.Background(), cfg)
	if !errors.Is(err, envelope.ErrWrongSecret) {
		t.Fatalf("got %v, want ErrWrongSecret", err)
	}

	patients, _, err := st.CountRecords(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if patients != 1 {
		t.Errorf("local patients = %d, want untouched 1", patients)
	}
	if cfg.LastSyncedAt != t0.Format(time.RFC3339) {
		t.Error("failed pull must not advance lastSyncedAt")
	}
}

func TestPull_UnsupportedSchemaDoesNotTouchLocal(t *testing.T) {
	st := newTestLocal(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t0.Add(2 * time.Hour)

	theirs := &types.SyncPayload{
		SchemaVersion: types.SchemaVersion + 1,
		Patients:      []types.PatientRecord{{ID: "p1", Name: "Rowan"}},
	}
	fr := &fakeRemote{
		check: &remote.CheckResult{
			Description: remoteDescription(t, "ward-seven", "Laptop", t2),
			UpdatedAt:   t2,
		},
		blob: encryptPayload(t, "ward-seven", theirs),
	}
	s := New(st, fr)
	cfg := newTestConfig(t)
	cfg.RemoteBlobID = "blob-9"
	cfg.LastSyncedAt = t0.Format(time.RFC3339)

	_, err := s.Synchronize(context.Background(), cfg)
	if !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("got %v, want ErrUnsupportedSchema", err)
	}

	patients, _, err := st.CountRecords(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if patients != 0 {
		t.Errorf("local patients = %d, want untouched 0", patients)
	}
}
