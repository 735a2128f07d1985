// Package remote abstracts the versioned blob host holding a room's
// encrypted snapshot. The orchestrator only sees this interface, so a
// different backend (object storage, a Git-based store, a custom service)
// can be substituted without touching the sync logic.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/hyperengineering/chartsync/internal/types"
)

var (
	// ErrNotFound indicates the blob or requested version does not exist.
	ErrNotFound = errors.New("remote blob not found")

	// ErrUnreachable wraps transport failures. Non-fatal on discovery and
	// metadata paths; fatal during an explicitly requested push or pull.
	ErrUnreachable = errors.New("remote store unreachable")
)

// CheckResult is the cheap metadata answer for a blob, fetched without
// downloading its content. UpdatedAt is the remote store's own clock.
type CheckResult struct {
	Description string
	UpdatedAt   time.Time
}

// Store is the contract every blob backend implements.
type Store interface {
	// Find discovers a blob by room fingerprint. Returns ("", nil) on any
	// failure, including network errors: discovery misses are non-fatal
	// and trigger fallback behavior upstream.
	Find(ctx context.Context, roomFingerprint string) (string, error)

	// Push uploads a new version of the encrypted blob, creating the blob
	// when blobID is empty. Returns the (possibly new) blob id. Failures
	// propagate.
	Push(ctx context.Context, blobID, description, blob string) (string, error)

	// Check fetches blob metadata without downloading content.
	Check(ctx context.Context, blobID string) (*CheckResult, error)

	// Pull downloads the blob content; an empty or "latest" versionHandle
	// means the newest version.
	Pull(ctx context.Context, blobID, versionHandle string) (string, error)

	// ListVersions returns up to count versions, newest first. An empty
	// slice (not an error) means the backend has no usable history; the
	// orchestrator synthesizes a single "latest" entry instead.
	ListVersions(ctx context.Context, blobID string, count int) ([]types.RemoteVersion, error)
}
