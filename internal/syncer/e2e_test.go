package syncer

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperengineering/chartsync/internal/blobhost"
	"github.com/hyperengineering/chartsync/internal/remote"
	"github.com/hyperengineering/chartsync/internal/store"
	"github.com/hyperengineering/chartsync/internal/types"
)

// TestTwoDeviceRoundTrip walks the full stack: two devices with separate
// databases sharing one room over a real blob host. Device clocks matter
// here, so records are stamped away from "now" and a real second is
// allowed to pass between pushes; the host reports second-precision
// times.
func TestTwoDeviceRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow end-to-end test")
	}

	srv := httptest.NewServer(blobhost.NewRouter(blobhost.NewHandler(blobhost.NewMemory()), ""))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	newDevice := func(label string) (*Syncer, *store.SQLiteStore, *types.SyncConfig) {
		st, err := store.NewSQLiteStore(t.TempDir() + "/chartsync.db")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { st.Close() })
		cfg, err := types.BuildSyncConfig("ward-seven", label, srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		return New(st, remote.NewHTTPStore(srv.URL, "")), st, cfg
	}

	syncA, storeA, cfgA := newDevice("Phone")
	syncB, storeB, cfgB := newDevice("Laptop")

	// Device A bootstraps the room with one patient.
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := storeA.InsertPatient(ctx, types.PatientRecord{
		ID: "p1", Name: "Avery", CreatedAt: past, UpdatedAt: past,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := syncA.Synchronize(ctx, cfgA)
	if err != nil {
		t.Fatalf("device A bootstrap: %v", err)
	}
	if res.State != StatePushed {
		t.Fatalf("device A state = %s, want pushed", res.State)
	}
	if cfgA.RemoteBlobID == "" {
		t.Fatal("device A did not adopt a blob id")
	}

	// Device B discovers the room and must choose before any data moves.
	res, err = syncB.Synchronize(ctx, cfgB)
	if err != nil {
		t.Fatalf("device B first sync: %v", err)
	}
	if res.State != StateFirstSyncChoice {
		t.Fatalf("device B state = %s, want first-sync-choice", res.State)
	}
	if cfgB.RemoteBlobID != cfgA.RemoteBlobID {
		t.Errorf("devices disagree on blob id: %q vs %q", cfgB.RemoteBlobID, cfgA.RemoteBlobID)
	}

	res, err = syncB.ResolveWithVersion(ctx, cfgB, types.VersionHandleLatest)
	if err != nil {
		t.Fatalf("device B resolve: %v", err)
	}
	if res.State != StatePulled {
		t.Fatalf("device B resolve state = %s, want pulled", res.State)
	}

	payload, err := storeB.ExportAll(ctx, cfgB.DeviceTag)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Patients) != 1 || payload.Patients[0].Name != "Avery" {
		t.Fatalf("device B patients after adopt = %+v", payload.Patients)
	}

	// With nothing changed, device B settles into no-op.
	res, err = syncB.Synchronize(ctx, cfgB)
	if err != nil {
		t.Fatalf("device B steady sync: %v", err)
	}
	if res.State != StateNoOp {
		t.Fatalf("device B steady state = %s, want no-op", res.State)
	}

	// Device B adds a note and pushes it. Cross a host-clock second
	// boundary first so the new push time is strictly later.
	time.Sleep(1200 * time.Millisecond)
	future := time.Now().UTC().Add(time.Hour)
	if _, err := storeB.InsertNote(ctx, types.NoteRecord{
		ID: "n1", PatientID: "p1", NoteDate: "2026-03-01", Body: "stable overnight",
		CreatedAt: future, UpdatedAt: future,
	}); err != nil {
		t.Fatal(err)
	}

	res, err = syncB.Synchronize(ctx, cfgB)
	if err != nil {
		t.Fatalf("device B push: %v", err)
	}
	if res.State != StatePushed {
		t.Fatalf("device B push state = %s, want pushed", res.State)
	}

	// Device A, unchanged locally, pulls B's note.
	res, err = syncA.Synchronize(ctx, cfgA)
	if err != nil {
		t.Fatalf("device A pull: %v", err)
	}
	if res.State != StatePulled {
		t.Fatalf("device A state = %s, want pulled", res.State)
	}

	payload, err = storeA.ExportAll(ctx, cfgA.DeviceTag)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Notes) != 1 || payload.Notes[0].Body != "stable overnight" {
		t.Errorf("device A notes after pull = %+v", payload.Notes)
	}
	if len(payload.Patients) != 1 {
		t.Errorf("device A lost patients in pull: %+v", payload.Patients)
	}
}
