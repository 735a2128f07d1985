package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/chartsync/internal/types"
)

// S3Config configures the S3-compatible blob backend.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// s3Client defines the minimal minio.Client operations used by S3Store.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, metadata map[string]string) error
	StatObject(ctx context.Context, bucket, key string) (s3ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
}

// s3ObjectInfo carries the object metadata S3Store reads.
type s3ObjectInfo struct {
	LastModified time.Time
	Metadata     map[string]string
	Size         int64
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface; minio's methods take concrete option types that differ from
// our simplified contract.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, key string, body []byte, metadata map[string]string) error {
	_, err := w.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: metadata,
	})
	return err
}

func (w *minioClientWrapper) StatObject(ctx context.Context, bucket, key string) (s3ObjectInfo, error) {
	info, err := w.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return s3ObjectInfo{}, err
	}
	metadata := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		metadata[http.CanonicalHeaderKey(k)] = v
	}
	return s3ObjectInfo{LastModified: info.LastModified, Metadata: metadata, Size: info.Size}, nil
}

func (w *minioClientWrapper) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := w.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (w *minioClientWrapper) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range w.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

// S3Store keeps each pushed version as its own object under
// rooms/{fingerprint}/{ulid}. ULID keys sort lexically by creation time,
// which gives the version history for free. The blob id is the key
// prefix rooms/{fingerprint}.
type S3Store struct {
	client s3Client
	bucket string
}

var _ Store = (*S3Store)(nil)

const s3DescriptionKey = "Description"

// NewS3Store creates an S3-compatible blob backend.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &S3Store{client: &minioClientWrapper{client: client}, bucket: cfg.Bucket}, nil
}

func blobIDForRoom(roomFingerprint string) string {
	return "rooms/" + roomFingerprint
}

// Find reports the blob id when any version object exists for the room.
func (s *S3Store) Find(ctx context.Context, roomFingerprint string) (string, error) {
	blobID := blobIDForRoom(roomFingerprint)
	keys, err := s.client.ListKeys(ctx, s.bucket, blobID+"/")
	if err != nil {
		slog.Debug("blob discovery failed",
			"component", "remote",
			"backend", "s3",
			"action", "find_failed",
			"error", err,
		)
		return "", nil
	}
	if len(keys) == 0 {
		return "", nil
	}
	return blobID, nil
}

// Push writes a new version object. When blobID is empty, the id is
// derived from the room fingerprint embedded in the description.
func (s *S3Store) Push(ctx context.Context, blobID, description, blob string) (string, error) {
	if blobID == "" {
		desc := types.ParseRoomDescription(description)
		if desc == nil {
			return "", fmt.Errorf("push: cannot derive blob id without a room description")
		}
		blobID = blobIDForRoom(desc.RoomFingerprint)
	}

	key := blobID + "/" + ulid.Make().String()
	metadata := map[string]string{s3DescriptionKey: description}
	if err := s.client.PutObject(ctx, s.bucket, key, []byte(blob), metadata); err != nil {
		return "", fmt.Errorf("%w: push: %v", ErrUnreachable, err)
	}
	return blobID, nil
}

// Check stats the newest version object. UpdatedAt is the object's
// LastModified: the store's clock, not ours.
func (s *S3Store) Check(ctx context.Context, blobID string) (*CheckResult, error) {
	key, err := s.newestKey(ctx, blobID)
	if err != nil {
		return nil, err
	}

	info, err := s.client.StatObject(ctx, s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("%w: check: %v", ErrUnreachable, err)
	}
	return &CheckResult{
		Description: info.Metadata[s3DescriptionKey],
		UpdatedAt:   info.LastModified,
	}, nil
}

// Pull downloads a version's content; empty or "latest" means newest.
func (s *S3Store) Pull(ctx context.Context, blobID, versionHandle string) (string, error) {
	var key string
	if versionHandle == "" || versionHandle == types.VersionHandleLatest {
		newest, err := s.newestKey(ctx, blobID)
		if err != nil {
			return "", err
		}
		key = newest
	} else {
		key = blobID + "/" + versionHandle
	}

	body, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		return "", fmt.Errorf("%w: pull: %v", ErrUnreachable, err)
	}
	return string(body), nil
}

// ListVersions stats up to count newest version objects. Failures yield
// an empty list; the orchestrator synthesizes a fallback entry.
func (s *S3Store) ListVersions(ctx context.Context, blobID string, count int) ([]types.RemoteVersion, error) {
	keys, err := s.client.ListKeys(ctx, s.bucket, blobID+"/")
	if err != nil || len(keys) == 0 {
		return nil, nil
	}

	// ULID keys: lexical descending order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if count > 0 && len(keys) > count {
		keys = keys[:count]
	}

	versions := make([]types.RemoteVersion, 0, len(keys))
	for _, key := range keys {
		info, err := s.client.StatObject(ctx, s.bucket, key)
		if err != nil {
			continue
		}
		v := types.RemoteVersion{
			Handle:    strings.TrimPrefix(key, blobID+"/"),
			PushedAt:  info.LastModified,
			SizeBytes: info.Size,
		}
		if desc := types.ParseRoomDescription(info.Metadata[s3DescriptionKey]); desc != nil {
			v.DeviceTag = desc.DeviceTag
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// newestKey returns the lexically greatest (= most recent) version key.
func (s *S3Store) newestKey(ctx context.Context, blobID string) (string, error) {
	keys, err := s.client.ListKeys(ctx, s.bucket, blobID+"/")
	if err != nil {
		return "", fmt.Errorf("%w: list versions: %v", ErrUnreachable, err)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, blobID)
	}
	newest := keys[0]
	for _, k := range keys[1:] {
		if k > newest {
			newest = k
		}
	}
	return newest, nil
}
