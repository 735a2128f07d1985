package syncer

import "errors"

var (
	// ErrNotConfigured indicates no valid sync configuration exists yet;
	// the caller must run first-time setup before synchronizing.
	ErrNotConfigured = errors.New("sync is not configured")

	// ErrRoomMismatch indicates the remote blob's embedded room
	// fingerprint differs from the local config's. Distinct rooms must
	// never merge; this is fatal and never auto-resolved.
	ErrRoomMismatch = errors.New("remote blob belongs to a different room")

	// ErrPushUnconfirmed indicates data was written remotely but the
	// post-push confirmation failed. The last-synced time was not
	// advanced; retrying the sync is safe and loses nothing.
	ErrPushUnconfirmed = errors.New("push not confirmed by remote store")

	// ErrUnsupportedSchema indicates a pulled payload carries a schema
	// version this build cannot import.
	ErrUnsupportedSchema = errors.New("unsupported payload schema version")
)
