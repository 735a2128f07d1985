// Package syncer implements the reconciliation state machine: given the
// persisted sync configuration, local change timestamps, and remote blob
// metadata, one Synchronize call settles into exactly one of Pushed,
// Pulled, NoOp, FirstSyncChoice, or Conflict. The caller resolves the
// last two explicitly; the syncer never silently picks a side.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/chartsync/internal/envelope"
	"github.com/hyperengineering/chartsync/internal/remote"
	"github.com/hyperengineering/chartsync/internal/types"
)

// conflictVersionCount caps the remote versions offered for a conflict
// or first-sync decision.
const conflictVersionCount = 5

// State is the terminal state of one synchronization attempt.
type State int

const (
	// StateNoOp means both sides already agree; nothing was transferred.
	StateNoOp State = iota
	// StatePushed means local state became the new authoritative version.
	StatePushed
	// StatePulled means remote state was downloaded and applied locally.
	StatePulled
	// StateFirstSyncChoice means a remote version exists but this device
	// has never completed a sync against it; the caller must resolve.
	StateFirstSyncChoice
	// StateConflict means both sides changed since the last confirmed
	// sync; the caller must pick a side.
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateNoOp:
		return "no-op"
	case StatePushed:
		return "pushed"
	case StatePulled:
		return "pulled"
	case StateFirstSyncChoice:
		return "first-sync-choice"
	case StateConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Result is the outcome of one synchronization or resolution call.
// Versions is populated only for FirstSyncChoice and Conflict: the menu
// of remote revisions the caller may adopt, newest first.
type Result struct {
	State    State
	Versions []types.RemoteVersion
}

// LocalStore is the slice of local storage the syncer depends on:
// snapshot export/import and the persisted sync configuration.
type LocalStore interface {
	ExportAll(ctx context.Context, deviceTag string) (*types.SyncPayload, error)
	LatestLocalChange(ctx context.Context) (*time.Time, error)
	ImportAll(ctx context.Context, payload *types.SyncPayload) error
	SaveSyncConfig(ctx context.Context, cfg *types.SyncConfig) error
}

// Syncer drives reconciliation between a local store and a remote blob
// store. Concurrent calls against the same config are serialized by an
// internal mutex; callers should still avoid overlapping triggers.
type Syncer struct {
	mu     sync.Mutex
	local  LocalStore
	remote remote.Store
	logger *slog.Logger
}

// New creates a syncer over the given local and remote stores.
func New(local LocalStore, remoteStore remote.Store) *Syncer {
	return &Syncer{
		local:  local,
		remote: remoteStore,
		logger: slog.Default().With("component", "syncer"),
	}
}

// Synchronize runs one reconciliation pass and returns its terminal
// state. cfg is mutated and persisted on success paths: the blob id is
// adopted on discovery or first push, and the last-synced time advances
// only to times confirmed by the remote store's own clock.
func (s *Syncer) Synchronize(ctx context.Context, cfg *types.SyncConfig) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Valid() {
		return nil, ErrNotConfigured
	}

	// Never linked: discover by fingerprint, or bootstrap a fresh room.
	if cfg.RemoteBlobID == "" {
		blobID, err := s.remote.Find(ctx, cfg.RoomFingerprint)
		if err != nil {
			return nil, fmt.Errorf("discover room blob: %w", err)
		}
		if blobID == "" {
			s.logger.Info("no remote blob for room, bootstrapping",
				"action", "bootstrap",
				"room", cfg.RoomFingerprint,
			)
			return s.push(ctx, cfg)
		}

		cfg.RemoteBlobID = blobID
		if err := s.local.SaveSyncConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("persist discovered blob id: %w", err)
		}
		return s.firstSyncChoice(ctx, cfg)
	}

	// Linked but never confirmed: always resolve explicitly.
	if cfg.LastSyncedAt == "" {
		return s.firstSyncChoice(ctx, cfg)
	}

	// Steady state.
	chk, err := s.remote.Check(ctx, cfg.RemoteBlobID)
	if err != nil {
		// Unreachable or missing metadata is not "confirmed older";
		// proceed optimistically and let the push surface real failures.
		s.logger.Warn("remote check failed, pushing optimistically",
			"action", "optimistic_push",
			"error", err,
		)
		return s.push(ctx, cfg)
	}

	if err := verifyRoom(cfg, chk); err != nil {
		return nil, err
	}

	localLatest, err := s.local.LatestLocalChange(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local change time: %w", err)
	}
	lastSynced, haveLastSynced := cfg.LastSynced()

	verdict := decide(lastSynced, haveLastSynced, localLatest, chk.UpdatedAt)
	s.logger.Debug("reconciliation verdict",
		"action", "decide",
		"verdict", verdict.String(),
		"remote_updated_at", chk.UpdatedAt,
	)

	switch verdict {
	case actionPush:
		return s.push(ctx, cfg)
	case actionPull:
		return s.pull(ctx, cfg, "")
	case actionConflict:
		return &Result{
			State:    StateConflict,
			Versions: s.versionMenu(ctx, cfg.RemoteBlobID, chk),
		}, nil
	default:
		return &Result{State: StateNoOp}, nil
	}
}

// ResolveKeepLocal resolves a pending FirstSyncChoice or Conflict by
// overwriting the remote with local state, regardless of remote content.
func (s *Syncer) ResolveKeepLocal(ctx context.Context, cfg *types.SyncConfig) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Valid() {
		return nil, ErrNotConfigured
	}
	return s.push(ctx, cfg)
}

// ResolveWithVersion resolves a pending FirstSyncChoice or Conflict by
// adopting the given remote version locally (full replace). The chosen
// version is NOT re-pushed: the remote keeps its own newest version and
// only local storage changes.
func (s *Syncer) ResolveWithVersion(ctx context.Context, cfg *types.SyncConfig, versionHandle string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Valid() || cfg.RemoteBlobID == "" {
		return nil, ErrNotConfigured
	}
	return s.pull(ctx, cfg, versionHandle)
}

// firstSyncChoice fetches remote metadata and builds the version menu.
// Unreadable metadata on a linked blob falls through to push: there is
// nothing usable to adopt.
func (s *Syncer) firstSyncChoice(ctx context.Context, cfg *types.SyncConfig) (*Result, error) {
	chk, err := s.remote.Check(ctx, cfg.RemoteBlobID)
	if err != nil {
		s.logger.Warn("remote metadata unavailable during first sync, pushing",
			"action", "first_sync_push",
			"error", err,
		)
		return s.push(ctx, cfg)
	}
	if err := verifyRoom(cfg, chk); err != nil {
		return nil, err
	}

	return &Result{
		State:    StateFirstSyncChoice,
		Versions: s.versionMenu(ctx, cfg.RemoteBlobID, chk),
	}, nil
}

// push exports, encrypts, and uploads local state, then confirms via a
// follow-up check. The last-synced time is stamped only from the remote
// store's own clock; an unconfirmed push is a failed push even though
// the data was written.
func (s *Syncer) push(ctx context.Context, cfg *types.SyncConfig) (*Result, error) {
	payload, err := s.local.ExportAll(ctx, cfg.DeviceTag)
	if err != nil {
		return nil, fmt.Errorf("export local snapshot: %w", err)
	}

	opaque, err := envelope.Encrypt(payload, cfg.RoomSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	description, err := cfg.Describe(time.Now().UTC(), int64(len(opaque)))
	if err != nil {
		return nil, err
	}

	blobID, err := s.remote.Push(ctx, cfg.RemoteBlobID, description, opaque)
	if err != nil {
		return nil, fmt.Errorf("push snapshot: %w", err)
	}
	cfg.RemoteBlobID = blobID

	chk, err := s.remote.Check(ctx, blobID)
	if err != nil {
		// The data may already be remote. Persist the blob id so a retry
		// targets the same blob, but never advance the sync time from an
		// unconfirmed local guess.
		if saveErr := s.local.SaveSyncConfig(ctx, cfg); saveErr != nil {
			s.logger.Error("failed to persist blob id after unconfirmed push",
				"action", "save_config_failed",
				"error", saveErr,
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrPushUnconfirmed, err)
	}

	cfg.LastSyncedAt = chk.UpdatedAt.UTC().Format(time.RFC3339)
	if err := s.local.SaveSyncConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("persist sync config: %w", err)
	}

	s.logger.Info("pushed local snapshot",
		"action", "pushed",
		"blob_id", blobID,
		"patients", len(payload.Patients),
		"notes", len(payload.Notes),
	)
	return &Result{State: StatePushed}, nil
}

// pull downloads, decrypts, validates, and imports a remote version.
// Local storage is touched only after the full payload validates; the
// replace itself is atomic in the store.
func (s *Syncer) pull(ctx context.Context, cfg *types.SyncConfig, versionHandle string) (*Result, error) {
	// The confirmation time comes from check, the store's own clock.
	chk, err := s.remote.Check(ctx, cfg.RemoteBlobID)
	if err != nil {
		return nil, fmt.Errorf("confirm remote state: %w", err)
	}
	if err := verifyRoom(cfg, chk); err != nil {
		return nil, err
	}

	opaque, err := s.remote.Pull(ctx, cfg.RemoteBlobID, versionHandle)
	if err != nil {
		return nil, fmt.Errorf("pull snapshot: %w", err)
	}

	var payload types.SyncPayload
	if err := envelope.Decrypt(opaque, cfg.RoomSecret, &payload); err != nil {
		return nil, fmt.Errorf("decrypt snapshot: %w", err)
	}
	if payload.SchemaVersion != types.SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d",
			ErrUnsupportedSchema, payload.SchemaVersion, types.SchemaVersion)
	}

	if err := s.local.ImportAll(ctx, &payload); err != nil {
		return nil, fmt.Errorf("import snapshot: %w", err)
	}

	cfg.LastSyncedAt = chk.UpdatedAt.UTC().Format(time.RFC3339)
	if err := s.local.SaveSyncConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("persist sync config: %w", err)
	}

	s.logger.Info("pulled remote snapshot",
		"action", "pulled",
		"version", versionHandle,
		"produced_by", payload.DeviceTag,
		"patients", len(payload.Patients),
		"notes", len(payload.Notes),
	)
	return &Result{State: StatePulled}, nil
}

// versionMenu lists up to conflictVersionCount remote versions, newest
// first, synthesizing a single "latest" entry from check metadata when
// the store has no usable history.
func (s *Syncer) versionMenu(ctx context.Context, blobID string, chk *remote.CheckResult) []types.RemoteVersion {
	versions, err := s.remote.ListVersions(ctx, blobID, conflictVersionCount)
	if err == nil && len(versions) > 0 {
		if len(versions) > conflictVersionCount {
			versions = versions[:conflictVersionCount]
		}
		return versions
	}

	synthesized := types.RemoteVersion{
		Handle:   types.VersionHandleLatest,
		PushedAt: chk.UpdatedAt,
	}
	if desc := types.ParseRoomDescription(chk.Description); desc != nil {
		synthesized.DeviceTag = desc.DeviceTag
		synthesized.SizeBytes = desc.SizeBytes
	}
	return []types.RemoteVersion{synthesized}
}

// verifyRoom rejects metadata whose embedded fingerprint names another
// room. A blob without a parseable description passes: other tooling may
// have pushed it, and the envelope decryption still gates the data.
func verifyRoom(cfg *types.SyncConfig, chk *remote.CheckResult) error {
	desc := types.ParseRoomDescription(chk.Description)
	if desc != nil && desc.RoomFingerprint != cfg.RoomFingerprint {
		return fmt.Errorf("%w: remote %q, local %q",
			ErrRoomMismatch, desc.RoomFingerprint, cfg.RoomFingerprint)
	}
	return nil
}
