package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the payload schema this build reads and writes.
// Pulls carrying any other version fail before touching local storage.
const SchemaVersion = 1

// DefaultRemoteEndpoint is used when a sync config carries a blank endpoint.
const DefaultRemoteEndpoint = "http://localhost:8787"

// ErrInvalidSetupInput indicates an empty room secret or device label
// at config-build time.
var ErrInvalidSetupInput = errors.New("room secret and device label must be non-empty")

// PatientRecord is one syncable patient row, carried verbatim through
// export and import.
type PatientRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DateOfBirth string    `json:"date_of_birth,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NoteRecord is one syncable per-day note row.
type NoteRecord struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	NoteDate  string    `json:"note_date"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncPayload is the full snapshot exchanged with the remote store.
// It is a complete replacement set, never a delta, and is constructed
// fresh on every push and discarded after use.
type SyncPayload struct {
	SchemaVersion int             `json:"schema_version"`
	ExportedAt    time.Time       `json:"exported_at"`
	DeviceTag     string          `json:"device_tag"`
	Patients      []PatientRecord `json:"patients"`
	Notes         []NoteRecord    `json:"notes"`
}

// MarshalJSON ensures nil record slices marshal as [] not null.
func (p SyncPayload) MarshalJSON() ([]byte, error) {
	if p.Patients == nil {
		p.Patients = []PatientRecord{}
	}
	if p.Notes == nil {
		p.Notes = []NoteRecord{}
	}
	type Alias SyncPayload
	return json.Marshal(Alias(p))
}

// RemoteVersion describes one historical revision of the room blob,
// as reported by the remote store.
type RemoteVersion struct {
	Handle    string    `json:"sha"`
	PushedAt  time.Time `json:"pushedAt"`
	DeviceTag string    `json:"deviceTag"`
	SizeBytes int64     `json:"sizeBytes"`
}

// VersionHandleLatest is the sentinel handle for the newest revision.
const VersionHandleLatest = "latest"

// RoomDescription is the application envelope embedded in the remote
// blob's description field. It lets the orchestrator judge freshness
// and ownership without downloading the blob itself.
type RoomDescription struct {
	RoomFingerprint string    `json:"room"`
	DeviceTag       string    `json:"device"`
	PushedAt        time.Time `json:"pushed_at"`
	SizeBytes       int64     `json:"size_bytes"`
}

// ParseRoomDescription decodes a description JSON string. Returns nil
// (not an error) for blank or non-JSON descriptions: blobs pushed by
// other tooling simply carry no usable envelope.
func ParseRoomDescription(s string) *RoomDescription {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var d RoomDescription
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil
	}
	if d.RoomFingerprint == "" {
		return nil
	}
	return &d
}

// SyncConfig is the per-device sync identity, persisted locally as a
// single key-value entry and never transmitted.
type SyncConfig struct {
	RoomSecret      string `json:"room_secret"`
	RoomFingerprint string `json:"room_fingerprint"`
	DeviceLabel     string `json:"device_label"`
	DeviceTag       string `json:"device_tag"`
	RemoteBlobID    string `json:"remote_blob_id,omitempty"`
	// LastSyncedAt holds the remote store's own clock (RFC 3339) from the
	// last confirmed reconciliation. Kept as a string so an unparseable
	// stored value degrades to "remote changed" instead of failing load.
	LastSyncedAt   string `json:"last_synced_at,omitempty"`
	RemoteEndpoint string `json:"remote_endpoint,omitempty"`
}

// RoomFingerprint derives the public discovery key from a room secret:
// the first 5 hex characters of its SHA-256 digest.
func RoomFingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:5]
}

// DeviceTag combines fingerprint and label into the identity stamped on
// every push. It is always re-derivable and never edited independently.
func DeviceTag(fingerprint, label string) string {
	return fingerprint + "-" + label
}

// BuildSyncConfig validates setup input and returns a fresh, unlinked
// config. Secret and label must be non-empty after trimming.
func BuildSyncConfig(roomSecret, deviceLabel, endpoint string) (*SyncConfig, error) {
	roomSecret = strings.TrimSpace(roomSecret)
	deviceLabel = strings.TrimSpace(deviceLabel)
	if roomSecret == "" || deviceLabel == "" {
		return nil, ErrInvalidSetupInput
	}

	fingerprint := RoomFingerprint(roomSecret)
	return &SyncConfig{
		RoomSecret:      roomSecret,
		RoomFingerprint: fingerprint,
		DeviceLabel:     deviceLabel,
		DeviceTag:       DeviceTag(fingerprint, deviceLabel),
		RemoteEndpoint:  NormalizeEndpoint(endpoint),
	}, nil
}

// NormalizeEndpoint trims whitespace and trailing slashes, substituting
// the built-in default for a blank endpoint.
func NormalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return DefaultRemoteEndpoint
	}
	return endpoint
}

// Valid reports whether a loaded config is structurally usable. A config
// failing this check is treated as absent, triggering first-run setup.
func (c *SyncConfig) Valid() bool {
	if c == nil {
		return false
	}
	if strings.TrimSpace(c.RoomSecret) == "" || strings.TrimSpace(c.DeviceLabel) == "" {
		return false
	}
	return c.RoomFingerprint == RoomFingerprint(c.RoomSecret)
}

// LastSynced parses the stored remote-confirmed sync time. ok is false
// when the field is empty or unparseable; callers must then treat any
// valid remote time as a change.
func (c *SyncConfig) LastSynced() (time.Time, bool) {
	if c.LastSyncedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, c.LastSyncedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Describe builds the description envelope stamped on a push.
func (c *SyncConfig) Describe(pushedAt time.Time, sizeBytes int64) (string, error) {
	raw, err := json.Marshal(RoomDescription{
		RoomFingerprint: c.RoomFingerprint,
		DeviceTag:       c.DeviceTag,
		PushedAt:        pushedAt.UTC(),
		SizeBytes:       sizeBytes,
	})
	if err != nil {
		return "", fmt.Errorf("marshal room description: %w", err)
	}
	return string(raw), nil
}
